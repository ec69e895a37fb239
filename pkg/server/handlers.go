package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	interrors "github.com/veupathdb/edasubset/internal/errors"
	httpmiddleware "github.com/veupathdb/edasubset/pkg/middleware/http"
	serverErrors "github.com/veupathdb/edasubset/pkg/server/errors"
	"github.com/veupathdb/edasubset/pkg/server/metadata"
	"github.com/veupathdb/edasubset/pkg/subsetting"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

const (
	contentTypeJSON = "application/json"
	contentTypeTSV  = "text/tab-separated-values"
)

type CountResponse struct {
	Count int64 `json:"count"`
}

type ClearCacheResponse struct {
	Message string `json:"message"`
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

func (s *Server) listStudies(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, span := tracer.Start(r.Context(), "ListStudies")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	overviews, err := s.cache.GetStudyOverviews(ctx)
	if err != nil {
		telemetry.TraceError(span, err)
		s.writeError(ctx, w, r, err)
		return
	}
	s.writeJSON(ctx, w, metadata.StudiesResponse{Studies: overviews})
}

func (s *Server) getStudy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx, span := tracer.Start(r.Context(), "GetStudy")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	studyID := params["studyId"]
	span.SetAttributes(attribute.String("study_id", studyID))

	st, err := s.cache.GetStudyByID(ctx, studyID)
	if err != nil {
		telemetry.TraceError(span, err)
		s.writeError(ctx, w, r, err)
		return
	}
	s.writeJSON(ctx, w, metadata.StudyOf(st))
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx, span := tracer.Start(r.Context(), "GetEntity")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	studyID, entityID := params["studyId"], params["entityId"]
	span.SetAttributes(attribute.String("study_id", studyID), attribute.String("entity_id", entityID))

	st, err := s.cache.GetStudyByID(ctx, studyID)
	if err != nil {
		telemetry.TraceError(span, err)
		s.writeError(ctx, w, r, err)
		return
	}

	entity, ok := st.Entity(entityID)
	if !ok {
		s.writeError(ctx, w, r, interrors.NotFoundf("Entity '%s' not found in study '%s'", entityID, studyID))
		return
	}
	s.writeJSON(ctx, w, metadata.EntityOf(entity, false))
}

func (s *Server) tabular(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx, span := tracer.Start(r.Context(), "Tabular")
	defer span.End()

	req := &subsetting.TabularRequest{}
	if err := decodeBody(r, req); err != nil {
		s.writeError(ctx, w, r, err)
		return
	}
	req.StudyID, req.EntityID = params["studyId"], params["entityId"]

	subsetDownloadCounter.WithLabelValues(req.StudyID, req.EntityID).Inc()

	out := &streamWriter{w: w, contentType: contentTypeJSON}
	var sink subsetting.Sink
	if acceptsTSV(r) {
		out.contentType = contentTypeTSV
		sink = subsetting.NewTSVSink(out)
	} else {
		sink = subsetting.NewJSONSink(out)
	}

	err := s.engine.Tabular(ctx, req, sink)
	if err == nil {
		out.commit()
		return
	}

	telemetry.TraceError(span, err)
	if !out.committed {
		s.writeError(ctx, w, r, err)
		return
	}

	// The status line is gone; the only way left to report the failure is a truncated body.
	s.logger.ErrorWithContext(ctx, "tabular stream failed after output started",
		zap.String("study_id", req.StudyID),
		zap.String("entity_id", req.EntityID),
		zap.Error(err),
	)
	panic(http.ErrAbortHandler)
}

func (s *Server) count(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx, span := tracer.Start(r.Context(), "Count")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req := &subsetting.CountRequest{}
	if err := decodeBody(r, req); err != nil {
		s.writeError(ctx, w, r, err)
		return
	}
	req.StudyID, req.EntityID = params["studyId"], params["entityId"]

	n, err := s.engine.Count(ctx, req)
	if err != nil {
		telemetry.TraceError(span, err)
		s.writeError(ctx, w, r, err)
		return
	}
	s.writeJSON(ctx, w, CountResponse{Count: n})
}

func (s *Server) distribution(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ctx, span := tracer.Start(r.Context(), "Distribution")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req := &subsetting.DistributionRequest{}
	if err := decodeBody(r, req); err != nil {
		s.writeError(ctx, w, r, err)
		return
	}
	req.StudyID, req.EntityID, req.VariableID = params["studyId"], params["entityId"], params["variableId"]

	res, err := s.engine.Distribution(ctx, req)
	if err != nil {
		telemetry.TraceError(span, err)
		s.writeError(ctx, w, r, err)
		return
	}
	s.writeJSON(ctx, w, res)
}

func (s *Server) clearMetadataCache(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.cache.Clear()
	s.logger.InfoWithContext(r.Context(), "metadata cache cleared")
	s.writeJSON(r.Context(), w, ClearCacheResponse{Message: "Metadata cache cleared"})
}

// decodeBody reads the JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case interrors.IsValidation(err):
		return err
	default:
		return serverErrors.MalformedBody(err)
	}
}

func acceptsTSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeTSV)
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	err = serverErrors.HandleError("", err)

	var internal serverErrors.InternalError
	if errors.As(err, &internal) {
		s.logger.ErrorWithContext(ctx, "request failed",
			zap.String("http_path", r.URL.Path),
			zap.Error(internal.Unwrap()),
		)
	}
	httpmiddleware.CustomHTTPErrorHandler(ctx, w, r, err)
}

// streamWriter sends the status line and the content type with the first byte of the body,
// so errors found before any output can still be answered with an error status.
type streamWriter struct {
	w           http.ResponseWriter
	contentType string
	committed   bool
}

func (s *streamWriter) commit() {
	if s.committed {
		return
	}
	s.committed = true
	s.w.Header().Set("Content-Type", s.contentType)
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.commit()
	return s.w.Write(p)
}
