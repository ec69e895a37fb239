package subsetting_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/subsetting"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

func decodeReportConfig(t *testing.T, data string) *subsetting.ReportConfig {
	t.Helper()

	var cfg subsetting.ReportConfig
	require.NoError(t, json.Unmarshal([]byte(data), &cfg))
	return &cfg
}

func TestNewTabularReportConfigDefaults(t *testing.T) {
	s := studies.Household(t)
	person, _ := s.Entity("person")

	cfg, err := subsetting.NewTabularReportConfig(person, nil)
	require.NoError(t, err)
	require.Equal(t, &subsetting.TabularReportConfig{HeaderFormat: subsetting.HeaderVariableID}, cfg)
	require.False(t, cfg.RequiresSorting())
}

func TestNewTabularReportConfig(t *testing.T) {
	s := studies.Household(t)
	person, _ := s.Entity("person")

	cfg, err := subsetting.NewTabularReportConfig(person, decodeReportConfig(t, `{
		"paging": {"numRows": 10, "offset": 20},
		"sorting": [{"key": "age", "direction": "DESC"}, {"key": "sex"}],
		"headerFormat": "displayName",
		"trimTimeFromDateVars": true,
		"dataSource": "file"
	}`))
	require.NoError(t, err)

	require.Equal(t, int64(10), *cfg.NumRows)
	require.Equal(t, int64(20), cfg.Offset)
	require.Len(t, cfg.Sorting, 2)
	require.Equal(t, "age", cfg.Sorting[0].Variable.Base().ID)
	require.Equal(t, storage.Descending, cfg.Sorting[0].Direction)
	require.Equal(t, storage.Ascending, cfg.Sorting[1].Direction)
	require.Equal(t, subsetting.HeaderDisplayName, cfg.HeaderFormat)
	require.True(t, cfg.TrimTimeFromDateVars)
	require.Equal(t, subsetting.File, cfg.DataSource)
	require.True(t, cfg.RequiresSorting())
}

func TestNewTabularReportConfigErrors(t *testing.T) {
	s := studies.Household(t)
	person, _ := s.Entity("person")

	tests := []struct {
		name     string
		config   string
		expected string
	}{
		{name: "zero_rows", config: `{"paging": {"numRows": 0}}`, expected: "In paging config, numRows must a positive integer."},
		{name: "negative_offset", config: `{"paging": {"offset": -1}}`, expected: "In paging config, offset must a non-negative integer."},
		{name: "sort_key_on_other_entity", config: `{"sorting": [{"key": "region"}]}`, expected: "Variable 'region' is not found for entity with ID: 'person'"},
		{name: "sort_key_without_values", config: `{"sorting": [{"key": "symptoms"}]}`, expected: "Variable 'symptoms' is not found for entity with ID: 'person'"},
		{name: "bad_direction", config: `{"sorting": [{"key": "age", "direction": "up"}]}`, expected: "Sort direction must be 'asc' or 'desc': up"},
		{name: "bad_header_format", config: `{"headerFormat": "label"}`, expected: "Header format must be 'variableId' or 'displayName': label"},
		{name: "bad_data_source", config: `{"dataSource": "cache"}`, expected: "Data source must be 'file' or 'database': cache"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := subsetting.NewTabularReportConfig(person, decodeReportConfig(t, test.config))
			require.ErrorIs(t, err, errors.ErrValidation)
			require.ErrorContains(t, err, test.expected)
		})
	}
}

func TestWideEntitiesRejectPagingAndSorting(t *testing.T) {
	wide := &study.Entity{ID: "wide", DisplayName: "Wide", IDColumnName: "wide_id"}
	for i := range subsetting.MaxTabularColumns {
		wide.Variables = append(wide.Variables, &study.StringVariable{
			VariableBase: study.VariableBase{ID: fmt.Sprintf("v%d", i), DisplayName: fmt.Sprintf("V%d", i)},
		})
	}
	s, err := study.New("WIDE", study.Curated, studies.Household(t).LastModified, wide)
	require.NoError(t, err)
	require.Equal(t, subsetting.MaxTabularColumns+1, wide.TotalColumns(len(wide.Variables)))

	engine := subsetting.NewEngine(staticStudies{s}, nil)
	numRows := int64(5)

	err = engine.Tabular(ctx(t), &subsetting.TabularRequest{
		StudyID:      "WIDE",
		EntityID:     "wide",
		ReportConfig: &subsetting.ReportConfig{Paging: &subsetting.Paging{NumRows: &numRows}},
	}, subsetting.NewTSVSink(&discard{}))
	require.ErrorIs(t, err, errors.ErrValidation)
	require.EqualError(t, err, "Tabular requests with paging/sorting are not supported on entities with >1000 total columns")
}
