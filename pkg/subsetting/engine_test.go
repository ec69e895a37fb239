package subsetting_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	interrors "github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/internal/mocks"
	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/metadatacache"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/subsetting"
	teststorage "github.com/veupathdb/edasubset/pkg/testfixtures/storage"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

func ctx(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

// staticStudies serves a fixed set of studies.
type staticStudies []*study.Study

func (s staticStudies) GetStudyByID(_ context.Context, studyID string) (*study.Study, error) {
	for _, st := range s {
		if st.ID == studyID {
			return st, nil
		}
	}
	return nil, storage.StudyNotFoundError(studyID)
}

// countingReader records how often each backend is used.
type countingReader struct {
	storage.SubsetReader
	calls int
}

func (c *countingReader) ReadTabular(ctx context.Context, q *storage.SubsetQuery, fn storage.RecordFunc) error {
	c.calls++
	return c.SubsetReader.ReadTabular(ctx, q, fn)
}

func (c *countingReader) Count(ctx context.Context, q *storage.SubsetQuery) (int64, error) {
	c.calls++
	return c.SubsetReader.Count(ctx, q)
}

func (c *countingReader) ReadValues(ctx context.Context, q *storage.SubsetQuery, v study.ValueVariable, fn storage.ValuesFunc) error {
	c.calls++
	return c.SubsetReader.ReadValues(ctx, q, v, fn)
}

type fixture struct {
	engine   *subsetting.Engine
	ds       storage.StudySource
	database *countingReader
	files    *countingReader
	layout   *binaryfiles.Layout
}

// newFixture imports the household study into a SQLite database and into binary artifacts and
// returns an engine over both.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	ds := teststorage.MustBootstrapDatastore(t, "sqlite")

	doc := studies.HouseholdDocument(t)
	s, err := doc.Study()
	require.NoError(t, err)

	layout := binaryfiles.NewLayout(t.TempDir())
	require.NoError(t, binaryfiles.NewWriter(layout).WriteStudy(context.Background(), s, doc.Records))

	f := &fixture{
		ds:       ds,
		database: &countingReader{SubsetReader: ds},
		files:    &countingReader{SubsetReader: binaryfiles.NewBackend(binaryfiles.NewReader(layout))},
		layout:   layout,
	}
	f.engine = subsetting.NewEngine(metadatacache.New(ds), f.database, subsetting.WithFileBackend(f.files, layout))
	return f
}

func decodeTabular(t *testing.T, data string) *subsetting.TabularRequest {
	t.Helper()

	req := &subsetting.TabularRequest{StudyID: "S1"}
	require.NoError(t, json.Unmarshal([]byte(data), req))
	return req
}

func tsv(t *testing.T, f *fixture, entityID, data string) string {
	t.Helper()

	req := decodeTabular(t, data)
	req.EntityID = entityID

	var buf bytes.Buffer
	require.NoError(t, f.engine.Tabular(ctx(t), req, subsetting.NewTSVSink(&buf)))
	return buf.String()
}

func lines(rows ...string) string {
	return strings.Join(rows, "\n") + "\n"
}

func TestTabular(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		entity   string
		request  string
		expected string
	}{
		{
			name:   "household_filter_on_person",
			entity: "person",
			request: `{
				"filters": [{"type":"numberRange","entityId":"household","variableId":"hh_size","min":2,"max":4}],
				"outputVariableIds": ["age", "sex"]
			}`,
			expected: lines(
				"person_id\thousehold_id\tperson.age\tperson.sex",
				"P1\tH1\t34\tfemale",
				"P2\tH1\t8\tmale",
				"P3\tH2\t61\tmale",
				"P4\tH2\t5\tfemale",
			),
		},
		{
			name:   "display_name_header_and_trimmed_dates",
			entity: "sample",
			request: `{
				"filters": [{"type":"stringSet","entityId":"person","variableId":"sex","stringSet":["female"]}],
				"outputVariableIds": ["collected"],
				"reportConfig": {"headerFormat": "displayName", "trimTimeFromDateVars": true}
			}`,
			expected: lines(
				"sample_id\thousehold_id\tperson_id\tCollection date",
				"SM1\tH1\tP1\t2021-05-01",
				"SM2\tH1\tP1\t2021-06-01",
				"SM4\tH2\tP4\t",
			),
		},
		{
			name:    "multi_valued_and_missing_values",
			entity:  "sample",
			request: `{"filters": [], "outputVariableIds": ["result"]}`,
			expected: lines(
				"sample_id\thousehold_id\tperson_id\tsample.result",
				`SM1	H1	P1	["positive"]`,
				`SM2	H1	P1	["negative"]`,
				`SM3	H2	P3	["inconclusive","positive"]`,
				"SM4\tH2\tP4\t",
			),
		},
		{
			name:   "sorted_and_paged",
			entity: "person",
			request: `{
				"filters": [],
				"outputVariableIds": ["age"],
				"reportConfig": {"sorting": [{"key": "age", "direction": "desc"}], "paging": {"numRows": 2, "offset": 1}}
			}`,
			expected: lines(
				"person_id\thousehold_id\tperson.age",
				"P5\tH3\t42",
				"P1\tH1\t34",
			),
		},
		{
			name:   "offset_past_the_end",
			entity: "household",
			request: `{
				"filters": [],
				"outputVariableIds": ["region"],
				"reportConfig": {"paging": {"offset": 10}}
			}`,
			expected: lines("household_id\thousehold.region"),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for _, source := range []subsetting.DataSource{subsetting.File, subsetting.Database} {
				t.Run(string(source), func(t *testing.T) {
					request := withDataSource(t, test.request, source)
					require.Equal(t, test.expected, tsv(t, f, test.entity, request))
				})
			}
		})
	}
}

// withDataSource sets reportConfig.dataSource of a JSON tabular request.
func withDataSource(t *testing.T, request string, source subsetting.DataSource) string {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(request), &body))
	cfg, _ := body["reportConfig"].(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["dataSource"] = string(source)
	body["reportConfig"] = cfg

	out, err := json.Marshal(body)
	require.NoError(t, err)
	return string(out)
}

func TestTabularJSON(t *testing.T) {
	f := newFixture(t)

	req := decodeTabular(t, `{
		"filters": [{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["south"]}],
		"outputVariableIds": ["income", "region"]
	}`)
	req.EntityID = "household"

	var buf bytes.Buffer
	require.NoError(t, f.engine.Tabular(ctx(t), req, subsetting.NewJSONSink(&buf)))
	require.JSONEq(t, `[{"household_id":"H2","household.income":"31000.5","household.region":"south"}]`, buf.String())
}

func TestTabularBackendSelection(t *testing.T) {
	f := newFixture(t)
	request := `{"filters": [], "outputVariableIds": ["age"]}`

	tsv(t, f, "person", request)
	require.Equal(t, 1, f.files.calls)
	require.Equal(t, 0, f.database.calls)

	tsv(t, f, "person", withDataSource(t, request, subsetting.Database))
	require.Equal(t, 1, f.files.calls)
	require.Equal(t, 1, f.database.calls)

	// without the age artifact the request falls back to the database with the same rows
	fromFiles := tsv(t, f, "person", request)
	require.NoError(t, os.Remove(f.layout.VariableFile("S1", "person", "age")))
	require.Equal(t, fromFiles, tsv(t, f, "person", request))
	require.Equal(t, 2, f.files.calls)
	require.Equal(t, 2, f.database.calls)
}

func TestTabularUsesCachedStudyArtifacts(t *testing.T) {
	tests := []struct {
		name    string
		recheck func(t *testing.T, cache *metadatacache.Cache)
	}{
		{
			name: "refresh",
			recheck: func(t *testing.T, cache *metadatacache.Cache) {
				require.NoError(t, cache.Refresh(ctx(t)))
			},
		},
		{
			name: "clear",
			recheck: func(_ *testing.T, cache *metadatacache.Cache) {
				cache.Clear()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cache := metadatacache.New(f.ds, metadatacache.WithArtifactChecker(f.layout))
			engine := subsetting.NewEngine(cache, f.database, subsetting.WithFileBackend(f.files, cache.Checker(f.layout)))
			count := func() {
				n, err := engine.Count(ctx(t), &subsetting.CountRequest{StudyID: "S1", EntityID: "person"})
				require.NoError(t, err)
				require.Equal(t, int64(5), n)
			}

			studyDir := f.layout.StudyDir("S1")
			hidden := studyDir + ".hidden"
			require.NoError(t, os.Rename(studyDir, hidden))
			count()
			require.Equal(t, 0, f.files.calls)
			require.Equal(t, 1, f.database.calls)

			// the artifacts are back but the cached answer still says there are none
			require.NoError(t, os.Rename(hidden, studyDir))
			count()
			require.Equal(t, 0, f.files.calls)
			require.Equal(t, 2, f.database.calls)

			tt.recheck(t, cache)
			count()
			require.Equal(t, 1, f.files.calls)
			require.Equal(t, 2, f.database.calls)
		})
	}
}

func TestTabularFileSubsettingDisabled(t *testing.T) {
	ds := teststorage.MustBootstrapDatastore(t, "sqlite")
	database := &countingReader{SubsetReader: ds}
	files := &countingReader{}

	engine := subsetting.NewEngine(metadatacache.New(ds), database,
		subsetting.WithFileBackend(files, &fakeChecker{}),
		subsetting.WithFileSubsetting(false),
	)

	count, err := engine.Count(ctx(t), &subsetting.CountRequest{StudyID: "S1", EntityID: "observation"})
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
	require.Equal(t, 1, database.calls)
	require.Equal(t, 0, files.calls)
}

func TestTabularRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		study    string
		entity   string
		request  string
		sentinel error
		expected string
	}{
		{name: "unknown_study", study: "S404", entity: "person", request: `{}`, sentinel: storage.ErrNotFound},
		{name: "unknown_entity", study: "S1", entity: "pet", request: `{}`, sentinel: interrors.ErrNotFound, expected: "Entity 'pet' not found in study 'S1'"},
		{
			name: "unknown_output_variable", study: "S1", entity: "person",
			request:  `{"outputVariableIds": ["region"]}`,
			sentinel: interrors.ErrValidation,
			expected: "Variable 'region' is not found for entity with ID: 'person'",
		},
		{
			name: "unknown_filter_entity", study: "S1", entity: "person",
			request:  `{"filters": [{"type":"stringSet","entityId":"pet","variableId":"kind","stringSet":["dog"]}]}`,
			sentinel: interrors.ErrValidation,
			expected: "A filter references an unfound entity ID: pet",
		},
		{
			name: "non_member_multifilter_sub_filter", study: "S1", entity: "person",
			request: `{"filters": [{"type":"multiFilter","entityId":"person","variableId":"symptoms","operation":"union",
				"subFilters":[{"entityId":"person","variableId":"sex","stringSet":["male"]}]}]}`,
			sentinel: interrors.ErrValidation,
			expected: "Multifilter includes subfilter with invalid variable: sex",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := decodeTabular(t, test.request)
			req.StudyID, req.EntityID = test.study, test.entity

			var buf bytes.Buffer
			err := f.engine.Tabular(ctx(t), req, subsetting.NewTSVSink(&buf))
			require.ErrorIs(t, err, test.sentinel)
			if test.expected != "" {
				require.ErrorContains(t, err, test.expected)
			}
			require.Empty(t, buf.String())
		})
	}

	require.Zero(t, f.files.calls)
	require.Zero(t, f.database.calls)
}

func TestTabularBackendFailure(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	reader := mocks.NewMockSubsetReader(mockController)
	boom := errors.New("connection reset")
	reader.EXPECT().ReadTabular(gomock.Any(), gomock.Any(), gomock.Any()).Return(boom)

	engine := subsetting.NewEngine(staticStudies{studies.Household(t)}, reader)

	var buf bytes.Buffer
	err := engine.Tabular(ctx(t), &subsetting.TabularRequest{StudyID: "S1", EntityID: "household"}, subsetting.NewTSVSink(&buf))
	require.ErrorIs(t, err, boom)

	// the header was already streamed
	require.Equal(t, "household_id\n", buf.String())
}

func TestCount(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		entity   string
		filters  string
		expected int64
	}{
		{name: "no_filters", entity: "person", filters: `[]`, expected: 5},
		{name: "child_filter_on_root", entity: "household", filters: `[{"type":"stringSet","entityId":"person","variableId":"sex","stringSet":["female"]}]`, expected: 3},
		{name: "root_filter_on_grandchild", entity: "sample", filters: `[{"type":"numberRange","entityId":"household","variableId":"hh_size","min":2,"max":4}]`, expected: 4},
		{name: "sibling_filter", entity: "observation", filters: `[{"type":"stringSet","entityId":"person","variableId":"sex","stringSet":["male"]}]`, expected: 2},
		{
			name: "multifilter_intersect", entity: "person",
			filters: `[{"type":"multiFilter","entityId":"person","variableId":"symptoms","operation":"intersect",
				"subFilters":[{"entityId":"person","variableId":"fever","stringSet":["yes"]},{"entityId":"person","variableId":"cough","stringSet":["yes"]}]}]`,
			expected: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := &subsetting.CountRequest{StudyID: "S1", EntityID: test.entity}
			require.NoError(t, json.Unmarshal([]byte(test.filters), &req.Filters))

			count, err := f.engine.Count(ctx(t), req)
			require.NoError(t, err)
			require.Equal(t, test.expected, count)
		})
	}
}
