// Package study holds the immutable in-memory model of a study: its entity tree, the variables
// declared on each entity and the collections grouping them.
package study

import (
	"errors"
	"fmt"
	"time"
)

// SourceType tells where a study's data was loaded from. It selects the relational schema used
// by the database backend.
type SourceType string

const (
	Curated       SourceType = "curated"
	UserSubmitted SourceType = "user_submitted"
)

func (s SourceType) Valid() bool {
	return s == Curated || s == UserSubmitted
}

// Overview is the authoritative summary of a study used to detect stale cache entries.
type Overview struct {
	ID           string     `json:"studyId"`
	SourceType   SourceType `json:"sourceType"`
	LastModified time.Time  `json:"lastModified"`
}

var ErrInvalidStudy = errors.New("invalid study")

// Study is a read-only snapshot of one study's schema. Callers must not mutate it.
type Study struct {
	ID           string
	SourceType   SourceType
	LastModified time.Time
	Root         *Entity

	entities map[string]*Entity
	parents  map[string]*Entity
	order    []*Entity
}

// New validates the entity tree rooted at root and indexes it. AncestorPkColumnNames are
// derived from the tree and overwrite anything set by the caller.
func New(id string, sourceType SourceType, lastModified time.Time, root *Entity) (*Study, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty study id", ErrInvalidStudy)
	}
	if !sourceType.Valid() {
		return nil, fmt.Errorf("%w: study %s has unknown source type %q", ErrInvalidStudy, id, sourceType)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: study %s has no root entity", ErrInvalidStudy, id)
	}

	s := &Study{
		ID:           id,
		SourceType:   sourceType,
		LastModified: lastModified,
		Root:         root,
		entities:     map[string]*Entity{},
		parents:      map[string]*Entity{},
	}

	if err := s.index(root, nil, nil); err != nil {
		return nil, fmt.Errorf("%w: study %s: %w", ErrInvalidStudy, id, err)
	}

	return s, nil
}

func (s *Study) index(e, parent *Entity, ancestorCols []string) error {
	if e.ID == "" {
		return errors.New("entity with empty id")
	}
	if _, ok := s.entities[e.ID]; ok {
		return fmt.Errorf("duplicate entity id %s", e.ID)
	}
	if e.IDColumnName == "" {
		return fmt.Errorf("entity %s has no id column name", e.ID)
	}

	e.AncestorPkColumnNames = append([]string(nil), ancestorCols...)
	if err := e.indexVariables(); err != nil {
		return err
	}

	s.entities[e.ID] = e
	s.order = append(s.order, e)
	if parent != nil {
		s.parents[e.ID] = parent
	}

	childCols := append(append([]string(nil), ancestorCols...), e.IDColumnName)
	for _, child := range e.Children {
		if child == nil {
			return fmt.Errorf("entity %s has a nil child", e.ID)
		}
		if err := s.index(child, e, childCols); err != nil {
			return err
		}
	}

	return nil
}

// Entity returns the entity with the given id.
func (s *Study) Entity(id string) (*Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Entities returns every entity in pre-order, root first.
func (s *Study) Entities() []*Entity {
	return s.order
}

// Parent returns the parent of the entity with the given id. The root has no parent.
func (s *Study) Parent(id string) (*Entity, bool) {
	p, ok := s.parents[id]
	return p, ok
}

// Path returns the entities from the root down to and including id, or nil if id is unknown.
func (s *Study) Path(id string) []*Entity {
	e, ok := s.entities[id]
	if !ok {
		return nil
	}

	var reversed []*Entity
	for cur, ok := e, true; ok; cur, ok = s.parents[cur.ID] {
		reversed = append(reversed, cur)
	}

	path := make([]*Entity, len(reversed))
	for i, ent := range reversed {
		path[len(reversed)-1-i] = ent
	}
	return path
}

// Ancestors returns the ancestors of id ordered root to immediate parent.
func (s *Study) Ancestors(id string) []*Entity {
	path := s.Path(id)
	if len(path) == 0 {
		return nil
	}
	return path[:len(path)-1]
}

// LowestCommonAncestor returns the deepest entity that is an ancestor-or-self of both a and b.
func (s *Study) LowestCommonAncestor(a, b string) (*Entity, bool) {
	pa, pb := s.Path(a), s.Path(b)
	if len(pa) == 0 || len(pb) == 0 {
		return nil, false
	}

	var lca *Entity
	for i := 0; i < len(pa) && i < len(pb) && pa[i].ID == pb[i].ID; i++ {
		lca = pa[i]
	}
	return lca, lca != nil
}
