package metadatacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zapcore"

	"github.com/veupathdb/edasubset/internal/mocks"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/study"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func newStudy(t *testing.T, id string, lastModified time.Time) *study.Study {
	t.Helper()

	s, err := study.New(id, study.Curated, lastModified, &study.Entity{ID: "root", IDColumnName: "root_id"})
	require.NoError(t, err)
	return s
}

type countingChecker struct {
	calls atomic.Int64
	files map[string]bool
}

func (c *countingChecker) StudyHasFiles(studyID string) bool {
	c.calls.Add(1)
	return c.files[studyID]
}

func TestGetStudyByIDLoadsOnce(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	s1 := newStudy(t, "S1", t0)
	source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(s1, nil).Times(1)

	cache := New(mocks.NewMockSlowStudySource(source, 20*time.Millisecond))

	const n = 50
	var wg sync.WaitGroup
	results := make([]*study.Study, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cache.GetStudyByID(context.Background(), "S1")
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.Same(t, s1, s)
	}

	s, err := cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)
	require.Same(t, s1, s)
}

func TestGetStudyByIDFailureDoesNotPoison(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	s1, s2 := newStudy(t, "S1", t0), newStudy(t, "S2", t0)
	gomock.InOrder(
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(nil, errors.New("database unavailable")),
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(s1, nil),
	)
	source.EXPECT().LoadStudy(gomock.Any(), "S2").Return(s2, nil)

	cache := New(source)

	_, err := cache.GetStudyByID(context.Background(), "S1")
	require.EqualError(t, err, "database unavailable")

	s, err := cache.GetStudyByID(context.Background(), "S2")
	require.NoError(t, err)
	require.Same(t, s2, s)

	s, err = cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)
	require.Same(t, s1, s)
}

func TestGetStudyOverviews(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	overviews := []study.Overview{
		{ID: "S2", SourceType: study.Curated, LastModified: t0},
		{ID: "S1", SourceType: study.UserSubmitted, LastModified: t1},
	}
	source.EXPECT().ListOverviews(gomock.Any()).Return(overviews, nil).Times(1)

	cache := New(source)

	got, err := cache.GetStudyOverviews(context.Background())
	require.NoError(t, err)
	require.Equal(t, overviews, got)

	got[0].ID = "mutated"

	got, err = cache.GetStudyOverviews(context.Background())
	require.NoError(t, err)
	require.Equal(t, "S2", got[0].ID)
}

func TestRefreshEvictsMissingStudy(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	s1, s2 := newStudy(t, "S1", t0), newStudy(t, "S2", t0)
	s1Reloaded := newStudy(t, "S1", t0)

	gomock.InOrder(
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(s1, nil),
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(s1Reloaded, nil),
	)
	source.EXPECT().LoadStudy(gomock.Any(), "S2").Return(s2, nil).Times(1)
	source.EXPECT().ListOverviews(gomock.Any()).Return([]study.Overview{{ID: "S2", SourceType: study.Curated, LastModified: t0}}, nil)

	cache := New(source)

	_, err := cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)
	_, err = cache.GetStudyByID(context.Background(), "S2")
	require.NoError(t, err)

	require.NoError(t, cache.Refresh(context.Background()))

	s, err := cache.GetStudyByID(context.Background(), "S2")
	require.NoError(t, err)
	require.Same(t, s2, s)

	s, err = cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)
	require.Same(t, s1Reloaded, s)

	overviews, err := cache.GetStudyOverviews(context.Background())
	require.NoError(t, err)
	require.Len(t, overviews, 1)
}

func TestRefreshEvictsModifiedStudy(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	stale, fresh := newStudy(t, "S1", t0), newStudy(t, "S1", t1)
	unchanged := newStudy(t, "S2", t1)

	gomock.InOrder(
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(stale, nil),
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(fresh, nil),
	)
	source.EXPECT().LoadStudy(gomock.Any(), "S2").Return(unchanged, nil).Times(1)
	source.EXPECT().ListOverviews(gomock.Any()).Return([]study.Overview{
		{ID: "S1", SourceType: study.Curated, LastModified: t1},
		{ID: "S2", SourceType: study.Curated, LastModified: t1},
	}, nil).Times(2)

	cache := New(source)
	ctx := context.Background()

	_, err := cache.GetStudyByID(ctx, "S1")
	require.NoError(t, err)
	_, err = cache.GetStudyByID(ctx, "S2")
	require.NoError(t, err)

	require.NoError(t, cache.Refresh(ctx))

	s, err := cache.GetStudyByID(ctx, "S1")
	require.NoError(t, err)
	require.Same(t, fresh, s)

	// the reloaded snapshot is as new as its overview and survives the next cycle
	require.NoError(t, cache.Refresh(ctx))
	s, err = cache.GetStudyByID(ctx, "S1")
	require.NoError(t, err)
	require.Same(t, fresh, s)

	s, err = cache.GetStudyByID(ctx, "S2")
	require.NoError(t, err)
	require.Same(t, unchanged, s)
}

func TestRefreshFailureKeepsState(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	s1 := newStudy(t, "S1", t0)
	source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(s1, nil).Times(1)
	source.EXPECT().ListOverviews(gomock.Any()).Return(nil, errors.New("timeout"))

	cache := New(source)
	_, err := cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)

	require.EqualError(t, cache.Refresh(context.Background()), "timeout")

	s, err := cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)
	require.Same(t, s1, s)
}

func TestClear(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(newStudy(t, "S1", t0), nil).Times(2)
	source.EXPECT().ListOverviews(gomock.Any()).Return([]study.Overview{{ID: "S1"}}, nil).Times(2)

	checker := &countingChecker{files: map[string]bool{"S1": true}}
	cache := New(source, WithArtifactChecker(checker))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cache.GetStudyByID(ctx, "S1")
		require.NoError(t, err)
		_, err = cache.GetStudyOverviews(ctx)
		require.NoError(t, err)
		require.True(t, cache.StudyHasFiles("S1"))
		require.True(t, cache.StudyHasFiles("S1"))

		cache.Clear()
	}

	require.EqualValues(t, 2, checker.calls.Load())
}

func TestLoadDuringClearIsNotStored(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	first, second := newStudy(t, "S1", t0), newStudy(t, "S1", t0)

	started := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		source.EXPECT().LoadStudy(gomock.Any(), "S1").DoAndReturn(func(context.Context, string) (*study.Study, error) {
			close(started)
			<-release
			return first, nil
		}),
		source.EXPECT().LoadStudy(gomock.Any(), "S1").Return(second, nil),
	)

	cache := New(source)

	done := make(chan *study.Study)
	go func() {
		s, err := cache.GetStudyByID(context.Background(), "S1")
		require.NoError(t, err)
		done <- s
	}()

	<-started
	cache.Clear()
	close(release)
	require.Same(t, first, <-done)

	s, err := cache.GetStudyByID(context.Background(), "S1")
	require.NoError(t, err)
	require.Same(t, second, s)
}

func TestStudyHasFilesWithoutChecker(t *testing.T) {
	cache := New(nil)
	require.False(t, cache.StudyHasFiles("S1"))
}

func TestRefreshRechecksArtifacts(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	source.EXPECT().ListOverviews(gomock.Any()).Return([]study.Overview{{ID: "S1"}, {ID: "S2"}}, nil)

	checker := &countingChecker{files: map[string]bool{"S1": false}}
	cache := New(source, WithArtifactChecker(checker))

	require.False(t, cache.StudyHasFiles("S1"))
	checker.files = map[string]bool{"S1": true}
	require.False(t, cache.StudyHasFiles("S1"))

	require.NoError(t, cache.Refresh(context.Background()))
	require.True(t, cache.StudyHasFiles("S1"))
	require.False(t, cache.StudyHasFiles("S2"))
	require.EqualValues(t, 3, checker.calls.Load())
}

func TestBackgroundRefresh(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	mockController := gomock.NewController(t)
	defer mockController.Finish()

	var calls atomic.Int64
	source := mocks.NewMockStudySource(mockController)
	source.EXPECT().ListOverviews(gomock.Any()).DoAndReturn(func(context.Context) ([]study.Overview, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return []study.Overview{{ID: "S1"}}, nil
	}).MinTimes(2)

	log, logs := logger.NewObserverLogger(zapcore.ErrorLevel)
	ready := make(chan struct{})
	cache := New(source,
		WithLogger(log),
		WithRefreshInterval(10*time.Millisecond),
		WithReadySignal(ready),
	)

	cache.Start(context.Background())
	cache.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	require.Zero(t, calls.Load())

	close(ready)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cache.Shutdown()
	cache.Shutdown()

	require.GreaterOrEqual(t, logs.FilterMessage("failed to refresh metadata cache").Len(), 1)

	overviews, err := cache.GetStudyOverviews(context.Background())
	require.NoError(t, err)
	require.Equal(t, []study.Overview{{ID: "S1"}}, overviews)
}

func TestShutdownWhileWaitingForReadiness(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	mockController := gomock.NewController(t)
	defer mockController.Finish()

	source := mocks.NewMockStudySource(mockController)
	cache := New(source, WithReadySignal(make(chan struct{})))

	ctx, cancel := context.WithCancel(context.Background())
	cache.Start(ctx)
	cancel()
	cache.Shutdown()
}
