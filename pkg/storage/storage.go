// Package storage contains the interfaces shared by the study metadata sources and the subset
// execution backends.
//
//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks StudySource
package storage

import (
	"context"

	"github.com/veupathdb/edasubset/pkg/entitytree"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/study"
)

// StudySource is the authoritative source of study metadata. Both calls are synchronous and
// may be retried independently.
type StudySource interface {
	// ListOverviews returns the current overview of every study, ordered by study id.
	ListOverviews(ctx context.Context) ([]study.Overview, error)

	// LoadStudy builds the full model of one study. It returns an error wrapping ErrNotFound if
	// the study does not exist.
	LoadStudy(ctx context.Context, studyID string) (*study.Study, error)
}

// ReadinessStatus reports whether a datastore can serve queries.
type ReadinessStatus struct {
	Message string
	IsReady bool
}

type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

// SortKey orders rows by a variable of the target entity. Records without a value sort last
// in either direction; multi-valued variables sort by their least value ascending and their
// greatest value descending.
type SortKey struct {
	Variable  study.ValueVariable
	Direction SortDirection
}

// SubsetQuery is a fully validated request against one target entity.
type SubsetQuery struct {
	Study   *study.Study
	Tree    *entitytree.Tree
	Target  *study.Entity
	Filters []filter.Filter

	// Variables are the output columns, after the target and ancestor ids.
	Variables []study.ValueVariable
	Sorting   []SortKey

	// NumRows bounds the number of rows returned; nil means unbounded.
	NumRows *int64
	Offset  int64

	TrimTimeFromDateVars bool
}

// RecordFunc receives records in output order. Returning an error stops the read.
type RecordFunc func(study.Record) error

// ValuesFunc receives every record of the target entity in the subset with its typed values
// for one variable. values is empty when the record has no value.
type ValuesFunc func(pk string, values []study.Value) error

// SubsetReader executes subset queries. It is implemented by the database backend and the
// binary file backend, which must return identical results for identical inputs.
type SubsetReader interface {
	// ReadTabular streams the records of the query target that satisfy every filter, sorted and
	// paged as requested. Unsorted output is ordered by primary key.
	ReadTabular(ctx context.Context, q *SubsetQuery, fn RecordFunc) error

	// Count returns the number of records of the query target that satisfy every filter.
	Count(ctx context.Context, q *SubsetQuery) (int64, error)

	// ReadValues streams the values of v, a variable of the query target, for every record in
	// the subset ordered by primary key. Paging and sorting are ignored.
	ReadValues(ctx context.Context, q *SubsetQuery, v study.ValueVariable, fn ValuesFunc) error
}
