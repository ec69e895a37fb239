// Package entitytree computes the part of a study's entity tree that participates in a query.
package entitytree

import (
	"github.com/emirpasic/gods/sets/hashset"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/study"
)

// Node is an entity of a pruned tree.
type Node struct {
	Entity   *study.Entity
	Parent   *Node
	Children []*Node
}

// Tree is the minimal connected subtree of a study spanning a target entity and the entities
// referenced by a set of filters.
type Tree struct {
	Root   *Node
	target *Node
	nodes  map[string]*Node
	order  []string
}

// Prune keeps the root-to-target path plus the root path of every filtered entity. Without
// filters the result is the root-to-target path.
func Prune(s *study.Study, filters []filter.Filter, target *study.Entity) (*Tree, error) {
	keep := hashset.New()

	if err := keepPath(s, keep, target); err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := keepPath(s, keep, f.Entity()); err != nil {
			return nil, err
		}
	}

	t := &Tree{nodes: map[string]*Node{}}
	t.Root = t.build(s.Root, nil, keep)
	t.target = t.nodes[target.ID]
	return t, nil
}

func keepPath(s *study.Study, keep *hashset.Set, e *study.Entity) error {
	if e == nil {
		return errors.Validationf("entity tree cannot be pruned to a nil entity")
	}
	path := s.Path(e.ID)
	if len(path) == 0 {
		return errors.NotFoundf("entity %s is not part of study %s", e.ID, s.ID)
	}
	for _, p := range path {
		keep.Add(p.ID)
	}
	return nil
}

func (t *Tree) build(e *study.Entity, parent *Node, keep *hashset.Set) *Node {
	n := &Node{Entity: e, Parent: parent}
	t.nodes[e.ID] = n
	t.order = append(t.order, e.ID)

	for _, child := range e.Children {
		if keep.Contains(child.ID) {
			n.Children = append(n.Children, t.build(child, n, keep))
		}
	}
	return n
}

// Target returns the node of the entity the tree was pruned for.
func (t *Tree) Target() *Node {
	return t.target
}

// Contains reports whether the entity with the given id survived pruning.
func (t *Tree) Contains(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// EntityIDs lists the kept entities in pre-order, root first.
func (t *Tree) EntityIDs() []string {
	return t.order
}

// Len is the number of kept entities.
func (t *Tree) Len() int {
	return len(t.order)
}

// Path returns the kept nodes from the root down to id.
func (t *Tree) Path(id string) []*Node {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}

	depth := 0
	for cur := n; cur != nil; cur = cur.Parent {
		depth++
	}
	path := make([]*Node, depth)
	for cur := n; cur != nil; cur = cur.Parent {
		depth--
		path[depth] = cur
	}
	return path
}

// LowestCommonAncestor returns the deepest kept entity that is an ancestor-or-self of both a and
// b. Records of a and b are joined through this entity.
func (t *Tree) LowestCommonAncestor(a, b string) (*study.Entity, error) {
	pa, pb := t.Path(a), t.Path(b)
	if len(pa) == 0 || len(pb) == 0 {
		return nil, errors.NotFoundf("entities %s and %s are not both part of the pruned tree", a, b)
	}

	var lca *Node
	for i := 0; i < len(pa) && i < len(pb) && pa[i] == pb[i]; i++ {
		lca = pa[i]
	}
	return lca.Entity, nil
}
