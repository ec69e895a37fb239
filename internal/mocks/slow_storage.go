package mocks

import (
	"context"
	"time"

	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
)

// slowStudySource is a proxy to the actual source except study loads are delayed by loadDelay.
// This allows simulating concurrent cache misses that overlap.
type slowStudySource struct {
	loadDelay time.Duration
	storage.StudySource
}

// NewMockSlowStudySource returns a wrapper of a study source that adds an artificial delay to
// every LoadStudy call.
func NewMockSlowStudySource(src storage.StudySource, loadDelay time.Duration) storage.StudySource {
	return &slowStudySource{
		loadDelay:   loadDelay,
		StudySource: src,
	}
}

func (m *slowStudySource) LoadStudy(ctx context.Context, studyID string) (*study.Study, error) {
	time.Sleep(m.loadDelay)
	return m.StudySource.LoadStudy(ctx, studyID)
}
