package entitytree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

func compile(t *testing.T, s *study.Study, data string) []filter.Filter {
	t.Helper()

	var l filter.List
	require.NoError(t, json.Unmarshal([]byte(data), &l))
	filters, err := filter.Compile(s, l)
	require.NoError(t, err)
	return filters
}

func entity(t *testing.T, s *study.Study, id string) *study.Entity {
	t.Helper()

	e, ok := s.Entity(id)
	require.True(t, ok)
	return e
}

const ageFilter = `[{"type": "numberRange", "entityId": "person", "variableId": "age", "min": 5, "max": 10}]`

func TestPruneHouseholdPerson(t *testing.T) {
	s := studies.Household(t)
	filters := compile(t, s, ageFilter)

	tree, err := Prune(s, filters, entity(t, s, "household"))
	require.NoError(t, err)
	require.Equal(t, []string{"household", "person"}, tree.EntityIDs())
	require.Equal(t, "household", tree.Target().Entity.ID)

	tree, err = Prune(s, filters, entity(t, s, "person"))
	require.NoError(t, err)
	require.Equal(t, []string{"household", "person"}, tree.EntityIDs())
	require.Equal(t, "person", tree.Target().Entity.ID)
}

func TestPruneWithoutFilters(t *testing.T) {
	s := studies.Household(t)

	tree, err := Prune(s, nil, entity(t, s, "sample"))
	require.NoError(t, err)
	require.Equal(t, []string{"household", "person", "sample"}, tree.EntityIDs())

	tree, err = Prune(s, nil, entity(t, s, "household"))
	require.NoError(t, err)
	require.Equal(t, []string{"household"}, tree.EntityIDs())
	require.Empty(t, tree.Root.Children)
}

func TestPruneUnrelatedBranch(t *testing.T) {
	s := studies.Household(t)
	filters := compile(t, s, `[{"type": "numberRange", "entityId": "observation", "variableId": "temp", "min": 20, "max": 40}]`)

	tree, err := Prune(s, filters, entity(t, s, "sample"))
	require.NoError(t, err)
	require.Equal(t, []string{"household", "person", "sample", "observation"}, tree.EntityIDs())
	require.False(t, tree.Contains("nope"))

	lca, err := tree.LowestCommonAncestor("observation", "sample")
	require.NoError(t, err)
	require.Equal(t, "household", lca.ID)

	lca, err = tree.LowestCommonAncestor("person", "sample")
	require.NoError(t, err)
	require.Equal(t, "person", lca.ID)

	tree, err = Prune(s, nil, entity(t, s, "sample"))
	require.NoError(t, err)
	_, err = tree.LowestCommonAncestor("observation", "sample")
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestPruneRejectsForeignEntity(t *testing.T) {
	s := studies.Household(t)

	_, err := Prune(s, nil, &study.Entity{ID: "village"})
	require.ErrorIs(t, err, errors.ErrNotFound)

	_, err = Prune(s, nil, nil)
	require.ErrorIs(t, err, errors.ErrValidation)
}

// TestPruneIsUnionOfRootPaths checks every target against every single-entity and two-entity
// filter combination: the kept set is exactly the union of root paths and every kept node
// other than the root has its parent kept.
func TestPruneIsUnionOfRootPaths(t *testing.T) {
	s := studies.Household(t)

	filtersOn := map[string]string{
		"household":   `{"type": "stringSet", "entityId": "household", "variableId": "region", "stringSet": ["north"]}`,
		"person":      `{"type": "stringSet", "entityId": "person", "variableId": "sex", "stringSet": ["male"]}`,
		"sample":      `{"type": "stringSet", "entityId": "sample", "variableId": "result", "stringSet": ["positive"]}`,
		"observation": `{"type": "numberRange", "entityId": "observation", "variableId": "temp", "min": 0, "max": 1}`,
	}

	var ids []string
	for _, e := range s.Entities() {
		ids = append(ids, e.ID)
	}

	for _, target := range ids {
		for i, a := range ids {
			for _, b := range ids[i:] {
				filters := compile(t, s, "["+filtersOn[a]+","+filtersOn[b]+"]")

				tree, err := Prune(s, filters, entity(t, s, target))
				require.NoError(t, err)

				expected := map[string]bool{}
				for _, id := range []string{target, a, b} {
					for _, p := range s.Path(id) {
						expected[p.ID] = true
					}
				}

				require.Len(t, tree.EntityIDs(), len(expected), "target=%s filters=%s,%s", target, a, b)
				for _, id := range tree.EntityIDs() {
					require.True(t, expected[id])
					n := tree.Path(id)[len(tree.Path(id))-1]
					if n != tree.Root {
						require.True(t, tree.Contains(n.Parent.Entity.ID))
					}
				}
			}
		}
	}
}
