// Package filter compiles wire filter descriptors into typed filters resolved against a study.
package filter

import (
	"slices"
	"time"

	"golang.org/x/exp/constraints"

	"github.com/veupathdb/edasubset/pkg/study"
)

// Filter is one of *DateRange, *DateSet, *NumberRange[int64], *NumberRange[float64],
// *NumberSet[int64], *NumberSet[float64], *LongitudeRange, *StringSet and *MultiFilter.
type Filter interface {
	// Entity is the entity whose records the filter restricts.
	Entity() *study.Entity

	// Variables lists every variable the filter reads.
	Variables() []study.ValueVariable

	filter()
}

// ValueFilter is a Filter on the values of a single variable. A record matches when any of its
// values for the variable matches.
type ValueFilter interface {
	Filter
	Variable() study.ValueVariable
	Matches(study.Value) bool
}

// Number is the set of value types a numeric filter can hold.
type Number interface {
	int64 | float64
}

type base struct {
	entity *study.Entity
}

func (b base) Entity() *study.Entity { return b.entity }

func (base) filter() {}

type DateRange struct {
	base
	variable *study.DateVariable
	Min, Max time.Time
}

func (f *DateRange) Variable() study.ValueVariable    { return f.variable }
func (f *DateRange) Variables() []study.ValueVariable { return []study.ValueVariable{f.variable} }

func (f *DateRange) Matches(v study.Value) bool {
	return !v.Date.Before(f.Min) && !v.Date.After(f.Max)
}

type DateSet struct {
	base
	variable *study.DateVariable
	Values   []time.Time
}

func (f *DateSet) Variable() study.ValueVariable    { return f.variable }
func (f *DateSet) Variables() []study.ValueVariable { return []study.ValueVariable{f.variable} }

func (f *DateSet) Matches(v study.Value) bool {
	return slices.ContainsFunc(f.Values, v.Date.Equal)
}

// NumberRange restricts an integer (T = int64) or number (T = float64) variable to [Min, Max].
type NumberRange[T Number] struct {
	base
	variable study.ValueVariable
	Min, Max T
}

func (f *NumberRange[T]) Variable() study.ValueVariable    { return f.variable }
func (f *NumberRange[T]) Variables() []study.ValueVariable { return []study.ValueVariable{f.variable} }

func (f *NumberRange[T]) Matches(v study.Value) bool {
	return between(numberOf[T](v), f.Min, f.Max)
}

type NumberSet[T Number] struct {
	base
	variable study.ValueVariable
	Values   []T
}

func (f *NumberSet[T]) Variable() study.ValueVariable    { return f.variable }
func (f *NumberSet[T]) Variables() []study.ValueVariable { return []study.ValueVariable{f.variable} }

func (f *NumberSet[T]) Matches(v study.Value) bool {
	return slices.Contains(f.Values, numberOf[T](v))
}

// LongitudeRange restricts a longitude to the arc from Left eastward to Right. When Left is
// greater than Right the arc crosses the antimeridian.
type LongitudeRange struct {
	base
	variable    *study.LongitudeVariable
	Left, Right float64
}

func (f *LongitudeRange) Variable() study.ValueVariable    { return f.variable }
func (f *LongitudeRange) Variables() []study.ValueVariable { return []study.ValueVariable{f.variable} }

func (f *LongitudeRange) Matches(v study.Value) bool {
	if f.Left <= f.Right {
		return between(v.Number, f.Left, f.Right)
	}
	return v.Number >= f.Left || v.Number <= f.Right
}

// Wraps reports whether the range crosses the antimeridian.
func (f *LongitudeRange) Wraps() bool {
	return f.Left > f.Right
}

type StringSet struct {
	base
	variable *study.StringVariable
	Values   []string
}

func (f *StringSet) Variable() study.ValueVariable    { return f.variable }
func (f *StringSet) Variables() []study.ValueVariable { return []study.ValueVariable{f.variable} }

func (f *StringSet) Matches(v study.Value) bool {
	return slices.Contains(f.Values, v.String)
}

// Operation combines the sub-filters of a MultiFilter.
type Operation string

const (
	Union     Operation = "union"
	Intersect Operation = "intersect"
)

// MultiFilter combines string-set constraints on the members of a multifilter variable.
type MultiFilter struct {
	base
	Governing  study.Variable
	Operation  Operation
	SubFilters []*SubFilter
}

func (f *MultiFilter) Variables() []study.ValueVariable {
	vars := make([]study.ValueVariable, 0, len(f.SubFilters))
	for _, sf := range f.SubFilters {
		vars = append(vars, sf.Variable)
	}
	return vars
}

// SubFilter is a string-set constraint on one member of a multifilter.
type SubFilter struct {
	Variable *study.StringVariable
	Values   []string
}

func (f *SubFilter) Matches(v study.Value) bool {
	return slices.Contains(f.Values, v.String)
}

var (
	_ ValueFilter = (*DateRange)(nil)
	_ ValueFilter = (*DateSet)(nil)
	_ ValueFilter = (*NumberRange[int64])(nil)
	_ ValueFilter = (*NumberRange[float64])(nil)
	_ ValueFilter = (*NumberSet[int64])(nil)
	_ ValueFilter = (*NumberSet[float64])(nil)
	_ ValueFilter = (*LongitudeRange)(nil)
	_ ValueFilter = (*StringSet)(nil)
	_ Filter      = (*MultiFilter)(nil)
)

func between[T constraints.Ordered](v, lo, hi T) bool {
	return v >= lo && v <= hi
}

func numberOf[T Number](v study.Value) T {
	var zero T
	if _, ok := any(zero).(int64); ok {
		return T(v.Int)
	}
	return T(v.Number)
}
