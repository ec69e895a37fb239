// Package subsetting validates subset requests, chooses the backend that executes them and
// streams tabular reports, counts and distributions.
package subsetting

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/internal/build"
	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/entitytree"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/subsetting")

var (
	requestStateCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "subset_request_state_count",
		Help:      "The total number of subset requests that reached each state, by operation.",
	}, []string{"operation", "state"})

	backendChoiceCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "subset_backend_choice_count",
		Help:      "The total number of subset requests executed by each backend.",
	}, []string{"operation", "backend"})
)

type state string

const (
	stateValidated     state = "validated"
	stateRejected      state = "rejected"
	statePruned        state = "pruned"
	stateBackendChosen state = "backend_chosen"
	stateStreaming     state = "streaming"
	stateComplete      state = "complete"
	stateFailed        state = "failed"
)

// StudyProvider resolves study models, usually through the metadata cache.
type StudyProvider interface {
	GetStudyByID(ctx context.Context, studyID string) (*study.Study, error)
}

// Engine executes subset requests on the database backend or, when every artifact a request
// needs is present, on the binary file backend.
type Engine struct {
	studies               StudyProvider
	database              storage.SubsetReader
	files                 storage.SubsetReader
	checker               binaryfiles.Checker
	fileSubsettingEnabled bool
	logger                logger.Logger
}

type EngineOption func(*Engine)

func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFileBackend enables the file backend. checker answers which artifacts exist for it.
func WithFileBackend(files storage.SubsetReader, checker binaryfiles.Checker) EngineOption {
	return func(e *Engine) {
		e.files = files
		e.checker = checker
		e.fileSubsettingEnabled = true
	}
}

// WithFileSubsetting switches the file backend on or off without removing it.
func WithFileSubsetting(enabled bool) EngineOption {
	return func(e *Engine) {
		e.fileSubsettingEnabled = enabled
	}
}

func NewEngine(studies StudyProvider, database storage.SubsetReader, opts ...EngineOption) *Engine {
	e := &Engine{
		studies:  studies,
		database: database,
		logger:   logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// tracker follows one request through its states.
type tracker struct {
	ctx       context.Context
	logger    logger.Logger
	operation string
	fields    []zap.Field
}

func (e *Engine) track(ctx context.Context, operation, studyID, entityID string) *tracker {
	return &tracker{
		ctx:       ctx,
		logger:    e.logger,
		operation: operation,
		fields:    []zap.Field{zap.String("operation", operation), zap.String("study_id", studyID), zap.String("entity_id", entityID)},
	}
}

func (t *tracker) enter(s state, fields ...zap.Field) {
	requestStateCounter.WithLabelValues(t.operation, string(s)).Inc()
	t.logger.DebugWithContext(t.ctx, "subset request "+string(s), append(fields, t.fields...)...)
}

// fail records the terminal state of a request that returned err.
func (t *tracker) fail(err error) {
	if errors.IsValidation(err) || stderrors.Is(err, errors.ErrNotFound) {
		t.enter(stateRejected, zap.Error(err))
		return
	}
	t.enter(stateFailed, zap.Error(err))
}

// prepare resolves and validates a request and prunes the entity tree. Everything a client can
// get wrong is rejected here, before any backend work.
func (e *Engine) prepare(
	ctx context.Context,
	tr *tracker,
	studyID, entityID string,
	wires filter.List,
	variableIDs []string,
	reportConfig *ReportConfig,
	check func(vars []study.ValueVariable) error,
) (*storage.SubsetQuery, *TabularReportConfig, error) {
	s, err := e.studies.GetStudyByID(ctx, studyID)
	if err != nil {
		return nil, nil, err
	}

	target, ok := s.Entity(entityID)
	if !ok {
		return nil, nil, errors.NotFoundf("Entity '%s' not found in study '%s'", entityID, studyID)
	}

	vars, err := outputVariables(target, variableIDs)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := NewTabularReportConfig(target, reportConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := checkColumnLimit(target, cfg); err != nil {
		return nil, nil, err
	}

	filters, err := filter.Compile(s, wires)
	if err != nil {
		return nil, nil, err
	}
	if check != nil {
		if err := check(vars); err != nil {
			return nil, nil, err
		}
	}
	tr.enter(stateValidated, zap.Int("filters", len(filters)))

	tree, err := entitytree.Prune(s, filters, target)
	if err != nil {
		return nil, nil, err
	}
	tr.enter(statePruned, zap.Strings("entities", tree.EntityIDs()))

	return &storage.SubsetQuery{
		Study:                s,
		Tree:                 tree,
		Target:               target,
		Filters:              filters,
		Variables:            vars,
		Sorting:              cfg.Sorting,
		NumRows:              cfg.NumRows,
		Offset:               cfg.Offset,
		TrimTimeFromDateVars: cfg.TrimTimeFromDateVars,
	}, cfg, nil
}

// reader chooses the backend of a prepared query.
func (e *Engine) reader(ctx context.Context, tr *tracker, q *storage.SubsetQuery, requested DataSource) storage.SubsetReader {
	source := Choose(ctx, ChoiceConfig{
		FileSubsettingEnabled: e.fileSubsettingEnabled && e.files != nil,
		Requested:             requested,
		Logger:                e.logger,
	}, e.checker, q.Study, q.Target, q.Variables, q.Filters)

	backendChoiceCounter.WithLabelValues(tr.operation, string(source)).Inc()
	tr.enter(stateBackendChosen, zap.String("backend", string(source)))

	if source == File {
		return e.files
	}
	return e.database
}

// Tabular writes the header and then every row of the report to sink. Once the header has
// been written a failure leaves the output truncated.
func (e *Engine) Tabular(ctx context.Context, req *TabularRequest, sink Sink) error {
	ctx, span := tracer.Start(ctx, "subsetting.Tabular")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", req.StudyID), attribute.String("entity_id", req.EntityID))

	tr := e.track(ctx, "tabular", req.StudyID, req.EntityID)

	q, cfg, err := e.prepare(ctx, tr, req.StudyID, req.EntityID, req.Filters, req.OutputVariableIDs, req.ReportConfig, nil)
	if err != nil {
		tr.fail(err)
		telemetry.TraceError(span, err)
		return err
	}

	reader := e.reader(ctx, tr, q, cfg.DataSource)

	tr.enter(stateStreaming)
	rows := 0
	err = sink.WriteHeader(header(q, cfg.HeaderFormat))
	if err == nil {
		err = reader.ReadTabular(ctx, q, func(r study.Record) error {
			rows++
			out, err := row(q, r)
			if err != nil {
				return err
			}
			return sink.WriteRow(out)
		})
	}
	if closeErr := sink.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		tr.fail(err)
		telemetry.TraceError(span, err)
		return err
	}

	span.SetAttributes(attribute.Int("rows", rows))
	tr.enter(stateComplete, zap.Int("rows", rows))
	return nil
}

// Count returns the number of target records that satisfy every filter.
func (e *Engine) Count(ctx context.Context, req *CountRequest) (int64, error) {
	ctx, span := tracer.Start(ctx, "subsetting.Count")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", req.StudyID), attribute.String("entity_id", req.EntityID))

	tr := e.track(ctx, "count", req.StudyID, req.EntityID)

	q, _, err := e.prepare(ctx, tr, req.StudyID, req.EntityID, req.Filters, nil, nil, nil)
	if err != nil {
		tr.fail(err)
		telemetry.TraceError(span, err)
		return 0, err
	}

	reader := e.reader(ctx, tr, q, "")

	tr.enter(stateStreaming)
	count, err := reader.Count(ctx, q)
	if err != nil {
		tr.fail(err)
		telemetry.TraceError(span, err)
		return 0, err
	}

	tr.enter(stateComplete, zap.Int64("count", count))
	return count, nil
}

// header labels the id columns by their id column names and the variables by
// <entityId>.<variableId> or by display name.
func header(q *storage.SubsetQuery, format HeaderFormat) []string {
	columns := make([]string, 0, q.Target.TotalColumns(len(q.Variables)))
	columns = append(columns, q.Target.IDColumnName)
	columns = append(columns, q.Target.AncestorPkColumnNames...)

	for _, v := range q.Variables {
		b := v.Base()
		if format == HeaderDisplayName {
			columns = append(columns, b.DisplayName)
		} else {
			columns = append(columns, b.EntityID+"."+b.ID)
		}
	}
	return columns
}

// row lays a record out in header order. Missing values are empty and multi-valued variables
// are written as a JSON array.
func row(q *storage.SubsetQuery, r study.Record) ([]string, error) {
	out := make([]string, 0, q.Target.TotalColumns(len(q.Variables)))
	out = append(out, r.PK)
	for i := range q.Target.AncestorPkColumnNames {
		if i < len(r.AncestorPKs) {
			out = append(out, r.AncestorPKs[i])
		} else {
			out = append(out, "")
		}
	}

	for _, v := range q.Variables {
		values := r.Values[v.Base().ID]
		switch {
		case len(values) == 0:
			out = append(out, "")
		case len(values) == 1 && !v.Values().IsMultiValued:
			out = append(out, values[0])
		default:
			encoded, err := json.Marshal(values)
			if err != nil {
				return nil, fmt.Errorf("encoding values of variable '%s': %w", v.Base().ID, err)
			}
			out = append(out, string(encoded))
		}
	}
	return out, nil
}
