// Package studies provides study documents shared by tests across packages.
package studies

import (
	_ "embed"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/storage/fixture"
	"github.com/veupathdb/edasubset/pkg/study"
)

//go:embed household.yaml
var householdYAML []byte

// HouseholdDocument returns a fresh copy of the S1 study document: Household at the root with
// Person (and its Sample children) and Observation below it.
func HouseholdDocument(t testing.TB) *fixture.Document {
	t.Helper()

	doc, err := fixture.Parse(householdYAML)
	require.NoError(t, err)
	return doc
}

// Household returns a fresh copy of the S1 study model.
func Household(t testing.TB) *study.Study {
	t.Helper()

	s, err := HouseholdDocument(t).Study()
	require.NoError(t, err)
	return s
}
