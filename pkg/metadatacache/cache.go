// Package metadatacache keeps per-study metadata in memory and invalidates it against the
// authoritative study source.
package metadatacache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veupathdb/edasubset/internal/build"
	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/metadatacache")

const (
	DefaultRefreshInterval = 5 * time.Minute

	overviewsKey = "\x00overviews"
)

var (
	studyCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "study_cache_hit_count",
		Help:      "The total number of study metadata lookups served from the cache.",
	})

	studyCacheMissCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "study_cache_miss_count",
		Help:      "The total number of study metadata lookups that loaded the study from the source.",
	})

	studyEvictionCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "study_cache_eviction_count",
		Help:      "The total number of cached studies evicted because they were removed or modified.",
	})

	refreshFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "study_cache_refresh_failure_count",
		Help:      "The total number of background refresh cycles that failed.",
	})
)

// ArtifactChecker reports whether binary artifacts exist for a study.
type ArtifactChecker interface {
	StudyHasFiles(studyID string) bool
}

type CacheOpt func(*Cache)

func WithLogger(l logger.Logger) CacheOpt {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithRefreshInterval sets the period of the background refresh.
func WithRefreshInterval(d time.Duration) CacheOpt {
	return func(c *Cache) {
		c.refreshInterval = d
	}
}

// WithReadySignal gates the first refresh cycle until ready is closed.
func WithReadySignal(ready <-chan struct{}) CacheOpt {
	return func(c *Cache) {
		c.ready = ready
	}
}

func WithArtifactChecker(checker ArtifactChecker) CacheOpt {
	return func(c *Cache) {
		c.files = checker
	}
}

// Cache holds study models, the overview list and artifact flags. Lookups of different studies
// never wait on each other: a miss loads outside the lock and concurrent misses on the same
// study share one load.
type Cache struct {
	source          storage.StudySource
	files           ArtifactChecker
	logger          logger.Logger
	refreshInterval time.Duration
	ready           <-chan struct{}

	mu        sync.Mutex
	studies   map[string]*study.Study
	overviews []study.Overview
	hasFiles  map[string]bool

	// epoch changes whenever cached state is invalidated. A load that started in an older epoch
	// returns its result without storing it.
	epoch uint64

	group singleflight.Group

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(source storage.StudySource, opts ...CacheOpt) *Cache {
	c := &Cache{
		source:          source,
		logger:          logger.NewNoopLogger(),
		refreshInterval: DefaultRefreshInterval,
		studies:         map[string]*study.Study{},
		hasFiles:        map[string]bool{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetStudyByID returns the cached model of the study, loading it on a miss.
func (c *Cache) GetStudyByID(ctx context.Context, studyID string) (*study.Study, error) {
	c.mu.Lock()
	s, ok := c.studies[studyID]
	epoch := c.epoch
	c.mu.Unlock()

	if ok {
		studyCacheHitCounter.Inc()
		return s, nil
	}

	ctx, span := tracer.Start(ctx, "metadatacache.GetStudyByID")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", studyID))

	v, err, shared := c.group.Do(studyID, func() (interface{}, error) {
		c.mu.Lock()
		cached, ok := c.studies[studyID]
		c.mu.Unlock()
		if ok {
			return cached, nil
		}

		studyCacheMissCounter.Inc()

		loaded, err := c.source.LoadStudy(context.WithoutCancel(ctx), studyID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.epoch == epoch {
			c.studies[studyID] = loaded
		}
		c.mu.Unlock()

		return loaded, nil
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	return v.(*study.Study), nil
}

// GetStudyOverviews returns the overview of every study in source order. The slice is a copy.
func (c *Cache) GetStudyOverviews(ctx context.Context) ([]study.Overview, error) {
	c.mu.Lock()
	overviews := c.overviews
	epoch := c.epoch
	c.mu.Unlock()

	if overviews != nil {
		return slices.Clone(overviews), nil
	}

	ctx, span := tracer.Start(ctx, "metadatacache.GetStudyOverviews")
	defer span.End()

	v, err, _ := c.group.Do(overviewsKey, func() (interface{}, error) {
		c.mu.Lock()
		cached := c.overviews
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}

		loaded, err := c.source.ListOverviews(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = []study.Overview{}
		}

		c.mu.Lock()
		if c.epoch == epoch {
			c.overviews = loaded
		}
		c.mu.Unlock()

		return loaded, nil
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	return slices.Clone(v.([]study.Overview)), nil
}

// StudyHasFiles reports whether binary artifacts exist for the study. The answer is cached
// until the next refresh cycle or Clear.
func (c *Cache) StudyHasFiles(studyID string) bool {
	if c.files == nil {
		return false
	}

	c.mu.Lock()
	has, ok := c.hasFiles[studyID]
	c.mu.Unlock()
	if ok {
		return has
	}

	has = c.files.StudyHasFiles(studyID)

	c.mu.Lock()
	c.hasFiles[studyID] = has
	c.mu.Unlock()

	return has
}

// cachedChecker serves StudyHasFiles from the cache's per-study flags and every other
// existence check from the embedded Checker.
type cachedChecker struct {
	binaryfiles.Checker
	cache *Cache
}

func (c cachedChecker) StudyHasFiles(studyID string) bool {
	if c.cache.files == nil {
		return c.Checker.StudyHasFiles(studyID)
	}
	return c.cache.StudyHasFiles(studyID)
}

// Checker wraps files so that the study-level artifact check is answered by the cache and only
// changes on Refresh or Clear.
func (c *Cache) Checker(files binaryfiles.Checker) binaryfiles.Checker {
	return cachedChecker{Checker: files, cache: c}
}

// Clear drops every cached study, the overview list and all artifact flags.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.studies = map[string]*study.Study{}
	c.overviews = nil
	c.hasFiles = map[string]bool{}
}

// Refresh runs one invalidation cycle: cached studies that are missing from the authoritative
// overview list, or whose overview was modified after the cached snapshot, are evicted and the
// overview list is replaced.
func (c *Cache) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "metadatacache.Refresh")
	defer span.End()

	overviews, err := c.source.ListOverviews(ctx)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}
	if overviews == nil {
		overviews = []study.Overview{}
	}

	latest := make(map[string]time.Time, len(overviews))
	for _, o := range overviews {
		latest[o.ID] = o.LastModified
	}

	hasFiles := make(map[string]bool, len(overviews))
	if c.files != nil {
		for _, o := range overviews {
			hasFiles[o.ID] = c.files.StudyHasFiles(o.ID)
		}
	}

	var evicted []string

	c.mu.Lock()
	for id, s := range c.studies {
		lastModified, ok := latest[id]
		if !ok || lastModified.After(s.LastModified) {
			delete(c.studies, id)
			evicted = append(evicted, id)
		}
	}
	c.epoch++
	c.overviews = overviews
	if c.files != nil {
		c.hasFiles = hasFiles
	}
	c.mu.Unlock()

	studyEvictionCounter.Add(float64(len(evicted)))
	span.SetAttributes(attribute.Int("evicted", len(evicted)))

	if len(evicted) > 0 {
		slices.Sort(evicted)
		c.logger.InfoWithContext(ctx, "evicted out of date studies from metadata cache", zap.Strings("study_ids", evicted))
	}

	return nil
}

// Start launches the background refresh. The first cycle runs as soon as the ready signal, if
// any, fires. Cancelling ctx while waiting for the signal stops the loop without an error.
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if c.ready != nil {
		select {
		case <-ctx.Done():
			return
		case <-c.ready:
		}
	}

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			refreshFailureCounter.Inc()
			c.logger.Error("failed to refresh metadata cache", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the background refresh and waits for it to return.
func (c *Cache) Shutdown() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.cancel == nil {
		return
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}
