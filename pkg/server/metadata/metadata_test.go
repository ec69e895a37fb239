package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

func TestStudyOf(t *testing.T) {
	s := studies.Household(t)

	doc := StudyOf(s)
	require.Equal(t, "S1", doc.ID)
	require.Equal(t, "household", doc.RootEntity.ID)
	require.Empty(t, doc.RootEntity.AncestorPkColumnNames)
	require.Len(t, doc.RootEntity.Children, 2)

	person := doc.RootEntity.Children[0]
	require.Equal(t, "person", person.ID)
	require.Equal(t, []string{"household_id"}, person.AncestorPkColumnNames)
	require.Equal(t, "sample", person.Children[0].ID)
	require.Equal(t, []string{"household_id", "person_id"}, person.Children[0].AncestorPkColumnNames)

	require.Equal(t, []Collection{{ID: "hh_collection", DisplayName: "Household facts", MemberVariableIDs: []string{"hh_size", "region"}}}, doc.RootEntity.Collections)
}

func TestEntityOfWithoutChildren(t *testing.T) {
	s := studies.Household(t)
	person, ok := s.Entity("person")
	require.True(t, ok)

	doc := EntityOf(person, false)
	require.Nil(t, doc.Children)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotContains(t, decoded, "children")

	var age map[string]any
	for _, v := range decoded["variables"].([]any) {
		if m := v.(map[string]any); m["id"] == "age" {
			age = m
		}
	}
	require.Equal(t, map[string]any{
		"id":              "age",
		"displayName":     "Age",
		"type":            "integer",
		"dataShape":       "continuous",
		"units":           "years",
		"displayRangeMin": "0",
		"displayRangeMax": "100",
		"binWidth":        "10",
	}, age)
}
