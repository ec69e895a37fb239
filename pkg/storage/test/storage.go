// Package test holds the conformance suite shared by every study source and subset backend.
// Each implementation loads the household study and runs RunAllTests against it.
package test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/entitytree"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

// RunAllTests runs the suite. source may be nil for backends that only execute queries.
func RunAllTests(t *testing.T, source storage.StudySource, reader storage.SubsetReader) {
	if source != nil {
		t.Run("TestListOverviews", func(t *testing.T) { ListOverviewsTest(t, source) })
		t.Run("TestLoadStudy", func(t *testing.T) { LoadStudyTest(t, source) })
	}

	t.Run("TestCount", func(t *testing.T) { CountTest(t, reader) })
	t.Run("TestReadTabular", func(t *testing.T) { ReadTabularTest(t, reader) })
	t.Run("TestReadTabularPaging", func(t *testing.T) { PagingTest(t, reader) })
	t.Run("TestReadTabularSorting", func(t *testing.T) { SortingTest(t, reader) })
	t.Run("TestReadValues", func(t *testing.T) { ReadValuesTest(t, reader) })
}

// Query builds a validated query over the household study. filters is a JSON array of wire
// filters.
func Query(t *testing.T, target, filters string, variables ...string) *storage.SubsetQuery {
	t.Helper()

	s := studies.Household(t)

	var wires filter.List
	require.NoError(t, json.Unmarshal([]byte(filters), &wires))
	compiled, err := filter.Compile(s, wires)
	require.NoError(t, err)

	e, ok := s.Entity(target)
	require.True(t, ok)

	tree, err := entitytree.Prune(s, compiled, e)
	require.NoError(t, err)

	vars := make([]study.ValueVariable, 0, len(variables))
	for _, id := range variables {
		v, err := e.ValueVariable(id)
		require.NoError(t, err)
		vars = append(vars, v)
	}

	return &storage.SubsetQuery{Study: s, Tree: tree, Target: e, Filters: compiled, Variables: vars}
}

func ptr[T any](v T) *T {
	return &v
}

func ListOverviewsTest(t *testing.T, source storage.StudySource) {
	overviews, err := source.ListOverviews(context.Background())
	require.NoError(t, err)

	require.Contains(t, overviews, study.Overview{
		ID:           "S1",
		SourceType:   study.Curated,
		LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

type entityShape struct {
	ID                    string
	DisplayName           string
	IDColumnName          string
	AncestorPkColumnNames []string
	IsManyToOneWithParent bool
	Variables             []study.VariableSpec
	Collections           []study.Collection
	Children              []string
}

func shapeOf(s *study.Study) []entityShape {
	var out []entityShape
	for _, e := range s.Entities() {
		shape := entityShape{
			ID:                    e.ID,
			DisplayName:           e.DisplayName,
			IDColumnName:          e.IDColumnName,
			AncestorPkColumnNames: e.AncestorPkColumnNames,
			IsManyToOneWithParent: e.IsManyToOneWithParent,
			Collections:           e.Collections,
		}
		for _, v := range e.Variables {
			shape.Variables = append(shape.Variables, study.SpecOf(v))
		}
		for _, c := range e.Children {
			shape.Children = append(shape.Children, c.ID)
		}
		out = append(out, shape)
	}
	return out
}

func LoadStudyTest(t *testing.T, source storage.StudySource) {
	ctx := context.Background()

	t.Run("known_study", func(t *testing.T) {
		got, err := source.LoadStudy(ctx, "S1")
		require.NoError(t, err)

		want := studies.Household(t)
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.SourceType, got.SourceType)
		require.True(t, want.LastModified.Equal(got.LastModified))
		if diff := cmp.Diff(shapeOf(want), shapeOf(got)); diff != "" {
			t.Fatalf("study mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown_study", func(t *testing.T) {
		_, err := source.LoadStudy(ctx, "nope")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func CountTest(t *testing.T, reader storage.SubsetReader) {
	tests := []struct {
		name    string
		target  string
		filters string
		want    int64
	}{
		{name: "no_filters", target: "person", filters: `[]`, want: 5},
		{name: "empty_entity_subset", target: "sample", filters: `[{"type":"stringSet","entityId":"sample","variableId":"result","stringSet":["unknown"]}]`, want: 0},
		{name: "descendant_filter", target: "household", filters: `[{"type":"numberRange","entityId":"person","variableId":"age","min":5,"max":10}]`, want: 2},
		{name: "same_entity_filter", target: "person", filters: `[{"type":"numberRange","entityId":"person","variableId":"age","min":5,"max":10}]`, want: 2},
		{name: "ancestor_filter", target: "sample", filters: `[{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["north"]}]`, want: 2},
		{name: "unrelated_branch_filter", target: "person", filters: `[{"type":"numberRange","entityId":"observation","variableId":"temp","min":20,"max":35}]`, want: 4},
		{name: "multi_valued_filter", target: "household", filters: `[{"type":"stringSet","entityId":"sample","variableId":"result","stringSet":["positive"]}]`, want: 2},
		{name: "multifilter_union", target: "person", filters: `[{"type":"multiFilter","entityId":"person","variableId":"symptoms","operation":"union","subFilters":[{"variableId":"fever","stringSet":["yes"]},{"variableId":"cough","stringSet":["yes"]}]}]`, want: 3},
		{name: "multifilter_intersect", target: "person", filters: `[{"type":"multiFilter","entityId":"person","variableId":"symptoms","operation":"intersect","subFilters":[{"variableId":"fever","stringSet":["yes"]},{"variableId":"cough","stringSet":["yes"]}]}]`, want: 1},
		{name: "wrapping_longitude", target: "person", filters: `[{"type":"longitudeRange","entityId":"person","variableId":"home_lon","left":170,"right":-80}]`, want: 2},
		{name: "date_range", target: "person", filters: `[{"type":"dateRange","entityId":"person","variableId":"dob","min":"1980-01-01T00:00:00","max":"2000-01-01T00:00:00"}]`, want: 2},
		{name: "date_set", target: "sample", filters: `[{"type":"dateSet","entityId":"sample","variableId":"collected","dateSet":["2021-05-01T00:00:00","2021-05-10T00:00:00"]}]`, want: 2},
		{name: "number_set", target: "person", filters: `[{"type":"numberSet","entityId":"person","variableId":"weight","numberSet":[25,80]}]`, want: 2},
		{name: "filters_intersect", target: "person", filters: `[
			{"type":"stringSet","entityId":"person","variableId":"sex","stringSet":["female"]},
			{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["north"]}
		]`, want: 2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := reader.Count(context.Background(), Query(t, test.target, test.filters))
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func readAll(t *testing.T, reader storage.SubsetReader, q *storage.SubsetQuery) []study.Record {
	t.Helper()

	records := []study.Record{}
	err := reader.ReadTabular(context.Background(), q, func(r study.Record) error {
		records = append(records, r)
		return nil
	})
	require.NoError(t, err)
	return records
}

func pks(records []study.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.PK
	}
	return out
}

func ReadTabularTest(t *testing.T, reader storage.SubsetReader) {
	t.Run("values_and_ancestors", func(t *testing.T) {
		q := Query(t, "person", `[{"type":"stringSet","entityId":"sample","variableId":"result","stringSet":["positive"]}]`, "age", "dob", "weight")

		got := readAll(t, reader, q)
		want := []study.Record{
			{PK: "P1", AncestorPKs: []string{"H1"}, Values: map[string][]string{"age": {"34"}, "dob": {"1990-03-01T00:00:00"}, "weight": {"70.2"}}},
			{PK: "P3", AncestorPKs: []string{"H2"}, Values: map[string][]string{"age": {"61"}, "dob": {"1963-01-20T00:00:00"}, "weight": {"80"}}},
		}
		require.Equal(t, want, got)
	})

	t.Run("missing_values_are_absent", func(t *testing.T) {
		q := Query(t, "person", `[{"type":"numberSet","entityId":"person","variableId":"age","numberSet":[5]}]`, "dob", "sex")
		q.TrimTimeFromDateVars = true

		got := readAll(t, reader, q)
		require.Equal(t, []study.Record{
			{PK: "P4", AncestorPKs: []string{"H2"}, Values: map[string][]string{"sex": {"female"}}},
		}, got)
	})

	t.Run("trim_time", func(t *testing.T) {
		q := Query(t, "sample", `[]`, "collected", "result")
		q.TrimTimeFromDateVars = true

		got := readAll(t, reader, q)
		require.Equal(t, []study.Record{
			{PK: "SM1", AncestorPKs: []string{"H1", "P1"}, Values: map[string][]string{"collected": {"2021-05-01"}, "result": {"positive"}}},
			{PK: "SM2", AncestorPKs: []string{"H1", "P1"}, Values: map[string][]string{"collected": {"2021-06-01"}, "result": {"negative"}}},
			{PK: "SM3", AncestorPKs: []string{"H2", "P3"}, Values: map[string][]string{"collected": {"2021-05-10"}, "result": {"inconclusive", "positive"}}},
			{PK: "SM4", AncestorPKs: []string{"H2", "P4"}, Values: map[string][]string{}},
		}, got)
	})

	t.Run("root_without_variables", func(t *testing.T) {
		got := readAll(t, reader, Query(t, "household", `[]`))
		require.Equal(t, []string{"H1", "H2", "H3"}, pks(got))
		for _, r := range got {
			require.Empty(t, r.AncestorPKs)
			require.Empty(t, r.Values)
		}
	})

	t.Run("callback_error_stops_read", func(t *testing.T) {
		q := Query(t, "person", `[]`, "age")

		var calls int
		err := reader.ReadTabular(context.Background(), q, func(study.Record) error {
			calls++
			return context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}

func PagingTest(t *testing.T, reader storage.SubsetReader) {
	tests := []struct {
		name    string
		numRows *int64
		offset  int64
		want    []string
	}{
		{name: "unbounded", want: []string{"P1", "P2", "P3", "P4", "P5"}},
		{name: "first_page", numRows: ptr[int64](2), want: []string{"P1", "P2"}},
		{name: "middle_page", numRows: ptr[int64](2), offset: 1, want: []string{"P2", "P3"}},
		{name: "offset_only", offset: 3, want: []string{"P4", "P5"}},
		{name: "short_last_page", numRows: ptr[int64](10), offset: 4, want: []string{"P5"}},
		{name: "offset_past_end", numRows: ptr[int64](10), offset: 50, want: []string{}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q := Query(t, "person", `[]`, "age")
			q.NumRows = test.numRows
			q.Offset = test.offset

			require.Equal(t, test.want, pks(readAll(t, reader, q)))
		})
	}
}

func SortingTest(t *testing.T, reader storage.SubsetReader) {
	sortKey := func(q *storage.SubsetQuery, id string, dir storage.SortDirection) storage.SortKey {
		v, err := q.Target.ValueVariable(id)
		require.NoError(t, err)
		return storage.SortKey{Variable: v, Direction: dir}
	}

	tests := []struct {
		name    string
		target  string
		keys    [][2]string
		numRows *int64
		offset  int64
		want    []string
	}{
		{name: "number_ascending_missing_last", target: "person", keys: [][2]string{{"weight", "asc"}}, want: []string{"P2", "P5", "P1", "P3", "P4"}},
		{name: "number_descending_missing_last", target: "person", keys: [][2]string{{"weight", "desc"}}, want: []string{"P3", "P1", "P5", "P2", "P4"}},
		{name: "ties_broken_by_next_key", target: "person", keys: [][2]string{{"sex", "asc"}, {"age", "desc"}}, want: []string{"P5", "P1", "P4", "P3", "P2"}},
		{name: "ties_broken_by_id", target: "person", keys: [][2]string{{"home_lon", "asc"}}, want: []string{"P5", "P1", "P2", "P3", "P4"}},
		{name: "date", target: "person", keys: [][2]string{{"dob", "asc"}}, want: []string{"P3", "P5", "P1", "P2", "P4"}},
		{name: "multi_valued_ascending", target: "sample", keys: [][2]string{{"result", "asc"}}, want: []string{"SM3", "SM2", "SM1", "SM4"}},
		{name: "multi_valued_descending", target: "sample", keys: [][2]string{{"result", "desc"}}, want: []string{"SM1", "SM3", "SM2", "SM4"}},
		{name: "paged", target: "person", keys: [][2]string{{"weight", "asc"}}, numRows: ptr[int64](2), offset: 1, want: []string{"P5", "P1"}},
		{name: "paged_past_end", target: "person", keys: [][2]string{{"weight", "asc"}}, numRows: ptr[int64](2), offset: 5, want: []string{}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q := Query(t, test.target, `[]`)
			for _, k := range test.keys {
				q.Sorting = append(q.Sorting, sortKey(q, k[0], storage.SortDirection(k[1])))
			}
			q.NumRows = test.numRows
			q.Offset = test.offset

			require.Equal(t, test.want, pks(readAll(t, reader, q)))
		})
	}

	t.Run("sorted_rows_carry_values", func(t *testing.T) {
		q := Query(t, "person", `[{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["south"]}]`, "age")
		q.Sorting = []storage.SortKey{sortKey(q, "age", storage.Ascending)}

		require.Equal(t, []study.Record{
			{PK: "P4", AncestorPKs: []string{"H2"}, Values: map[string][]string{"age": {"5"}}},
			{PK: "P3", AncestorPKs: []string{"H2"}, Values: map[string][]string{"age": {"61"}}},
		}, readAll(t, reader, q))
	})
}

func ReadValuesTest(t *testing.T, reader storage.SubsetReader) {
	type result struct {
		PK     string
		Values []study.Value
	}

	read := func(t *testing.T, q *storage.SubsetQuery, id string) []result {
		v, err := q.Target.ValueVariable(id)
		require.NoError(t, err)

		var got []result
		err = reader.ReadValues(context.Background(), q, v, func(pk string, values []study.Value) error {
			got = append(got, result{PK: pk, Values: values})
			return nil
		})
		require.NoError(t, err)
		return got
	}

	t.Run("multi_valued", func(t *testing.T) {
		got := read(t, Query(t, "sample", `[]`), "result")
		require.Equal(t, []result{
			{PK: "SM1", Values: []study.Value{{String: "positive"}}},
			{PK: "SM2", Values: []study.Value{{String: "negative"}}},
			{PK: "SM3", Values: []study.Value{{String: "inconclusive"}, {String: "positive"}}},
			{PK: "SM4"},
		}, got)
	})

	t.Run("filtered_and_typed", func(t *testing.T) {
		q := Query(t, "household", `[{"type":"stringSet","entityId":"household","variableId":"region","stringSet":["north"]}]`)
		got := read(t, q, "income")
		require.Equal(t, []result{
			{PK: "H1", Values: []study.Value{{Number: 52000}}},
			{PK: "H3"},
		}, got)
	})

	t.Run("dates", func(t *testing.T) {
		q := Query(t, "person", `[{"type":"numberRange","entityId":"person","variableId":"age","min":30,"max":100}]`)
		got := read(t, q, "dob")
		require.Equal(t, []result{
			{PK: "P1", Values: []study.Value{{Date: time.Date(1990, 3, 1, 0, 0, 0, 0, time.UTC)}}},
			{PK: "P3", Values: []study.Value{{Date: time.Date(1963, 1, 20, 0, 0, 0, 0, time.UTC)}}},
			{PK: "P5", Values: []study.Value{{Date: time.Date(1982, 11, 30, 0, 0, 0, 0, time.UTC)}}},
		}, got)
	})
}
