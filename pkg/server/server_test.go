package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"

	"github.com/veupathdb/edasubset/internal/mocks"
	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/metadatacache"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/subsetting"
	teststorage "github.com/veupathdb/edasubset/pkg/testfixtures/storage"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

// newTestServer serves the household study from SQLite and from binary artifacts.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	ds := teststorage.MustBootstrapDatastore(t, "sqlite")

	doc := studies.HouseholdDocument(t)
	s, err := doc.Study()
	require.NoError(t, err)

	layout := binaryfiles.NewLayout(t.TempDir())
	require.NoError(t, binaryfiles.NewWriter(layout).WriteStudy(context.Background(), s, doc.Records))

	cache := metadatacache.New(ds, metadatacache.WithArtifactChecker(layout))
	engine := subsetting.NewEngine(cache, ds,
		subsetting.WithFileBackend(binaryfiles.NewBackend(binaryfiles.NewReader(layout)), cache.Checker(layout)),
	)

	srv := MustNewServerWithOpts(
		WithEngine(engine),
		WithMetadataCache(cache),
		WithDatastore(ds),
	)
	t.Cleanup(srv.Close)

	handler, err := srv.Handler()
	require.NoError(t, err)
	return handler
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerWithOpts(t *testing.T) {
	_, err := NewServerWithOpts()
	require.ErrorContains(t, err, "subsetting engine")

	_, err = NewServerWithOpts(WithEngine(subsetting.NewEngine(nil, nil)))
	require.ErrorContains(t, err, "metadata cache")

	require.Panics(t, func() { MustNewServerWithOpts() })
}

func TestMetadataEndpoints(t *testing.T) {
	h := newTestServer(t)

	t.Run("studies", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/studies", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))

		body := gjson.Parse(rec.Body.String())
		require.Equal(t, "S1", body.Get("studies.0.studyId").String())
		require.Equal(t, "curated", body.Get("studies.0.sourceType").String())
	})

	t.Run("study", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/studies/S1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := gjson.Parse(rec.Body.String())
		require.Equal(t, "household", body.Get("rootEntity.id").String())
		require.Equal(t, "person", body.Get("rootEntity.children.0.id").String())
	})

	t.Run("entity", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/studies/S1/entities/sample", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := gjson.Parse(rec.Body.String())
		require.Equal(t, "sample_id", body.Get("idColumnName").String())
		require.Equal(t, `["household_id","person_id"]`, body.Get("ancestorPkColumnNames").Raw)
		require.False(t, body.Get("children").Exists())
	})

	t.Run("unknown_study", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/studies/S404", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "NotFound", gjson.Get(rec.Body.String(), "code").String())
	})

	t.Run("unknown_entity", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/studies/S1/entities/pet", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"code":"NotFound","message":"Entity 'pet' not found in study 'S1'"}`, rec.Body.String())
	})

	t.Run("clear_cache", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/clearMetadataCache", "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, h, http.MethodGet, "/studies/S1", "")
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTabularEndpoint(t *testing.T) {
	h := newTestServer(t)
	target := "/studies/S1/entities/household/tabular"
	body := `{
		"filters": [{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["south"]}],
		"outputVariableIds": ["region"]
	}`

	t.Run("tsv", func(t *testing.T) {
		downloads := subsetDownloadCounter.WithLabelValues("S1", "household")
		before := testutil.ToFloat64(downloads)

		rec := do(t, h, http.MethodPost, target, body, "Accept", contentTypeTSV)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, contentTypeTSV, rec.Header().Get("Content-Type"))
		require.Equal(t, "household_id\thousehold.region\nH2\tsouth\n", rec.Body.String())

		require.InDelta(t, before+1, testutil.ToFloat64(downloads), 0)
	})

	t.Run("json", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, target, body)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))
		require.JSONEq(t, `[{"household_id":"H2","household.region":"south"}]`, rec.Body.String())
	})

	t.Run("empty_body", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/studies/S1/entities/person/tabular", "", "Accept", contentTypeTSV)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "person_id\thousehold_id\nP1\tH1\nP2\tH1\nP3\tH2\nP4\tH2\nP5\tH3\n", rec.Body.String())
	})

	t.Run("invalid_filter", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/studies/S1/entities/person/tabular",
			`{"filters": [{"type":"stringSet","entityId":"pet","variableId":"kind","stringSet":["dog"]}]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "InvalidArgument", gjson.Get(rec.Body.String(), "code").String())
		require.Contains(t, gjson.Get(rec.Body.String(), "message").String(), "A filter references an unfound entity ID: pet")
	})

	t.Run("malformed_body", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, target, `{"filters": `)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, gjson.Get(rec.Body.String(), "message").String(), "Unable to parse request body")
	})

	t.Run("unknown_study", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/studies/S404/entities/household/tabular", body)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// fixedCache serves one study.
type fixedCache struct {
	study *study.Study
}

func (c fixedCache) GetStudyByID(_ context.Context, studyID string) (*study.Study, error) {
	if studyID != c.study.ID {
		return nil, storage.StudyNotFoundError(studyID)
	}
	return c.study, nil
}

func (c fixedCache) GetStudyOverviews(context.Context) ([]study.Overview, error) {
	return []study.Overview{{ID: c.study.ID, SourceType: c.study.SourceType, LastModified: c.study.LastModified}}, nil
}

func (fixedCache) Clear() {}

func TestTabularFailureAfterHeader(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	reader := mocks.NewMockSubsetReader(mockController)
	reader.EXPECT().ReadTabular(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

	cache := fixedCache{study: studies.Household(t)}
	srv := MustNewServerWithOpts(WithEngine(subsetting.NewEngine(cache, reader)), WithMetadataCache(cache))
	h, err := srv.Handler()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/studies/S1/entities/household/tabular", nil)
	req.Header.Set("Accept", contentTypeTSV)
	rec := httptest.NewRecorder()

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(rec, req)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "household_id\n", rec.Body.String())
}

func TestCountEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/studies/S1/entities/household/count",
		`{"filters": [{"type":"stringSet","entityId":"person","variableId":"sex","stringSet":["female"]}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"count":3}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/studies/S1/entities/pet/count", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDistributionEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/studies/S1/entities/person/variables/age/distribution", `{"filters": []}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := gjson.Parse(rec.Body.String())
	require.Len(t, body.Get("histogram").Array(), 11)
	require.Equal(t, int64(5), body.Get("statistics.subsetMin").Int())
	require.Equal(t, int64(61), body.Get("statistics.subsetMax").Int())
	require.Equal(t, int64(5), body.Get("statistics.subsetSize").Int())

	rec = do(t, h, http.MethodPost, "/studies/S1/entities/person/variables/age/distribution", `{"valueSpec": "median"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/studies/S1/entities/person/variables/region/distribution", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type readiness struct {
	status storage.ReadinessStatus
	err    error
}

func (r readiness) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return r.status, r.err
}

func TestHealthEndpoint(t *testing.T) {
	cache := fixedCache{study: studies.Household(t)}
	engine := subsetting.NewEngine(cache, nil)

	tests := []struct {
		name     string
		ds       readiness
		expected int
		status   string
	}{
		{name: "ready", ds: readiness{status: storage.ReadinessStatus{IsReady: true}}, expected: http.StatusOK, status: "SERVING"},
		{name: "not_migrated", ds: readiness{status: storage.ReadinessStatus{Message: "revision 0"}}, expected: http.StatusServiceUnavailable, status: "NOT_SERVING"},
		{name: "unreachable", ds: readiness{err: errors.New("dial tcp")}, expected: http.StatusServiceUnavailable, status: "NOT_SERVING"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv := MustNewServerWithOpts(WithEngine(engine), WithMetadataCache(cache), WithDatastore(test.ds))
			h, err := srv.Handler()
			require.NoError(t, err)

			rec := do(t, h, http.MethodGet, "/healthz", "")
			require.Equal(t, test.expected, rec.Code)
			require.Equal(t, test.status, gjson.Get(rec.Body.String(), "status").String())
		})
	}
}

func TestRoutingErrors(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/analyses", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NotFound", gjson.Get(rec.Body.String(), "code").String())

	rec = do(t, h, http.MethodGet, "/studies/S1/entities/household/tabular", "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	require.Equal(t, "Unimplemented", gjson.Get(rec.Body.String(), "code").String())
}
