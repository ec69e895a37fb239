package filter

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/study"
)

// Compile resolves wire filters against s. It fails on the first invalid filter with an error
// matching errors.ErrValidation.
func Compile(s *study.Study, wires []Wire) ([]Filter, error) {
	filters := make([]Filter, 0, len(wires))
	for _, w := range wires {
		f, err := compile(s, w)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func compile(s *study.Study, w Wire) (Filter, error) {
	ref := w.Target()
	entity, ok := s.Entity(ref.EntityID)
	if !ok {
		return nil, errors.Validationf("A filter references an unfound entity ID: %s", ref.EntityID)
	}

	if mf, ok := w.(*MultiFilterWire); ok {
		return compileMultiFilter(entity, mf)
	}

	v, ok := entity.Variable(ref.VariableID)
	if !ok {
		return nil, errors.Validationf("Variable '%s' is not found for entity with ID: '%s'", ref.VariableID, entity.ID)
	}
	b := base{entity: entity}

	switch w := w.(type) {
	case *DateRangeWire:
		dv, ok := v.(*study.DateVariable)
		if !ok {
			return nil, notOfType(v, "date")
		}
		if w.Min == nil || w.Max == nil {
			return nil, errors.Validationf("Date range filter: %s is a required property", missing(w.Min == nil))
		}
		lo, err := parseDate("Date range filter", *w.Min)
		if err != nil {
			return nil, err
		}
		hi, err := parseDate("Date range filter", *w.Max)
		if err != nil {
			return nil, err
		}
		return &DateRange{base: b, variable: dv, Min: lo, Max: hi}, nil

	case *DateSetWire:
		dv, ok := v.(*study.DateVariable)
		if !ok {
			return nil, notOfType(v, "date")
		}
		if len(w.DateSet) == 0 {
			return nil, errors.Validationf("Date set filter: >0 dates must be specified")
		}
		dates := make([]time.Time, 0, len(w.DateSet))
		for _, d := range w.DateSet {
			t, err := parseDate("Date set filter", d)
			if err != nil {
				return nil, err
			}
			dates = append(dates, t)
		}
		return &DateSet{base: b, variable: dv, Values: dates}, nil

	case *NumberRangeWire:
		if w.Min == nil || w.Max == nil {
			return nil, errors.Validationf("Number range filter: %s is a required property", missing(w.Min == nil))
		}
		switch nv := v.(type) {
		case *study.IntegerVariable:
			lo, err := intBound("Number range filter", *w.Min, math.Ceil)
			if err != nil {
				return nil, err
			}
			hi, err := intBound("Number range filter", *w.Max, math.Floor)
			if err != nil {
				return nil, err
			}
			return &NumberRange[int64]{base: b, variable: nv, Min: lo, Max: hi}, nil
		case *study.NumberVariable:
			lo, err := parseFloat("Number range filter", *w.Min)
			if err != nil {
				return nil, err
			}
			hi, err := parseFloat("Number range filter", *w.Max)
			if err != nil {
				return nil, err
			}
			return &NumberRange[float64]{base: b, variable: nv, Min: lo, Max: hi}, nil
		default:
			return nil, notNumeric(v)
		}

	case *NumberSetWire:
		if len(w.NumberSet) == 0 {
			return nil, errors.Validationf("Number set filter: >0 numbers must be specified")
		}
		switch nv := v.(type) {
		case *study.IntegerVariable:
			values, err := parseAll(w.NumberSet, func(n json.Number) (int64, error) { return parseInt("Number set filter", n) })
			if err != nil {
				return nil, err
			}
			return &NumberSet[int64]{base: b, variable: nv, Values: values}, nil
		case *study.NumberVariable:
			values, err := parseAll(w.NumberSet, func(n json.Number) (float64, error) { return parseFloat("Number set filter", n) })
			if err != nil {
				return nil, err
			}
			return &NumberSet[float64]{base: b, variable: nv, Values: values}, nil
		default:
			return nil, notNumeric(v)
		}

	case *LongitudeRangeWire:
		lv, ok := v.(*study.LongitudeVariable)
		if !ok {
			return nil, notOfType(v, "longitude")
		}
		if w.Left == nil || w.Right == nil {
			side := "right"
			if w.Left == nil {
				side = "left"
			}
			return nil, errors.Validationf("Longitude range filter: %s is a required property", side)
		}
		return &LongitudeRange{base: b, variable: lv, Left: *w.Left, Right: *w.Right}, nil

	case *StringSetWire:
		sv, ok := v.(*study.StringVariable)
		if !ok {
			return nil, notOfType(v, "string")
		}
		if len(w.StringSet) == 0 {
			return nil, errors.Validationf("String set filter: >0 strings must be specified")
		}
		return &StringSet{base: b, variable: sv, Values: slices.Clone(w.StringSet)}, nil

	default:
		return nil, errors.Validationf("Unsupported filter type: %s", w.Kind())
	}
}

func compileMultiFilter(entity *study.Entity, w *MultiFilterWire) (Filter, error) {
	governing, ok := entity.Variable(w.VariableID)
	if !ok {
		return nil, errors.Validationf("Multifilter includes invalid multifilter variable ID: %s", w.VariableID)
	}
	if !governing.Base().IsMultiFilter() {
		return nil, errors.Validationf("Multifilter variable does not have display type 'multifilter': %s", w.VariableID)
	}
	if len(w.SubFilters) == 0 {
		return nil, errors.Validationf("Multifilter may not have an empty list of subFilters")
	}

	op := w.Operation
	if op == "" {
		op = Intersect
	}
	if op != Union && op != Intersect {
		return nil, errors.Validationf("Multifilter operation must be '%s' or '%s': %s", Union, Intersect, w.Operation)
	}

	members := map[string]*study.StringVariable{}
	for _, m := range entity.MultiFilterMembers(governing.Base().ID) {
		if sv, ok := m.(*study.StringVariable); ok {
			members[sv.ID] = sv
		}
	}

	subFilters := make([]*SubFilter, 0, len(w.SubFilters))
	for _, sf := range w.SubFilters {
		member, ok := members[sf.VariableID]
		if !ok {
			return nil, errors.Validationf("Multifilter includes subfilter with invalid variable: %s", sf.VariableID)
		}
		if len(sf.StringSet) == 0 {
			return nil, errors.Validationf("Multifilter subfilter on variable %s: >0 strings must be specified", sf.VariableID)
		}
		subFilters = append(subFilters, &SubFilter{Variable: member, Values: slices.Clone(sf.StringSet)})
	}

	return &MultiFilter{
		base:       base{entity: entity},
		Governing:  governing,
		Operation:  op,
		SubFilters: subFilters,
	}, nil
}

func missing(minMissing bool) string {
	if minMissing {
		return "min"
	}
	return "max"
}

func notOfType(v study.Variable, kind string) error {
	b := v.Base()
	return errors.Validationf("Variable %s of entity %s is not a %s variable.", b.ID, b.EntityID, kind)
}

func notNumeric(v study.Variable) error {
	b := v.Base()
	return errors.Validationf("Variable %s of entity %s is not a number or integer variable.", b.ID, b.EntityID)
}

func parseDate(prefix, s string) (time.Time, error) {
	t, err := study.ParseDate(s)
	if err != nil {
		return time.Time{}, errors.Validationf("%s: %v", prefix, err)
	}
	return t, nil
}

func parseInt(prefix string, n json.Number) (int64, error) {
	v, err := n.Int64()
	if err != nil {
		return 0, errors.Validationf("%s: %s is not an integer", prefix, n)
	}
	return v, nil
}

// intBound narrows a range bound on an integer variable to the whole number on the inside of
// the range. round is math.Ceil for a lower bound and math.Floor for an upper one.
func intBound(prefix string, n json.Number, round func(float64) float64) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := parseFloat(prefix, n)
	if err != nil {
		return 0, err
	}
	switch r := round(f); {
	case r >= math.MaxInt64:
		return math.MaxInt64, nil
	case r <= math.MinInt64:
		return math.MinInt64, nil
	default:
		return int64(r), nil
	}
}

func parseFloat(prefix string, n json.Number) (float64, error) {
	v, err := n.Float64()
	if err != nil {
		return 0, errors.Validationf("%s: %s is not a number", prefix, n)
	}
	return v, nil
}

func parseAll[T any](in []json.Number, parse func(json.Number) (T, error)) ([]T, error) {
	out := make([]T, 0, len(in))
	for _, n := range in {
		v, err := parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode converts a compiled filter back to its wire form.
func Encode(f Filter) Wire {
	ref := func(v study.Variable) Ref {
		return Ref{EntityID: f.Entity().ID, VariableID: v.Base().ID}
	}

	switch f := f.(type) {
	case *DateRange:
		lo, hi := study.FormatDate(f.Min, false), study.FormatDate(f.Max, false)
		return &DateRangeWire{Type: KindDateRange, Ref: ref(f.variable), Min: &lo, Max: &hi}
	case *DateSet:
		dates := make([]string, 0, len(f.Values))
		for _, d := range f.Values {
			dates = append(dates, study.FormatDate(d, false))
		}
		return &DateSetWire{Type: KindDateSet, Ref: ref(f.variable), DateSet: dates}
	case *NumberRange[int64]:
		lo, hi := json.Number(strconv.FormatInt(f.Min, 10)), json.Number(strconv.FormatInt(f.Max, 10))
		return &NumberRangeWire{Type: KindNumberRange, Ref: ref(f.variable), Min: &lo, Max: &hi}
	case *NumberRange[float64]:
		lo, hi := json.Number(study.FormatNumber(f.Min)), json.Number(study.FormatNumber(f.Max))
		return &NumberRangeWire{Type: KindNumberRange, Ref: ref(f.variable), Min: &lo, Max: &hi}
	case *NumberSet[int64]:
		values := make([]json.Number, 0, len(f.Values))
		for _, v := range f.Values {
			values = append(values, json.Number(strconv.FormatInt(v, 10)))
		}
		return &NumberSetWire{Type: KindNumberSet, Ref: ref(f.variable), NumberSet: values}
	case *NumberSet[float64]:
		values := make([]json.Number, 0, len(f.Values))
		for _, v := range f.Values {
			values = append(values, json.Number(study.FormatNumber(v)))
		}
		return &NumberSetWire{Type: KindNumberSet, Ref: ref(f.variable), NumberSet: values}
	case *LongitudeRange:
		left, right := f.Left, f.Right
		return &LongitudeRangeWire{Type: KindLongitudeRange, Ref: ref(f.variable), Left: &left, Right: &right}
	case *StringSet:
		return &StringSetWire{Type: KindStringSet, Ref: ref(f.variable), StringSet: slices.Clone(f.Values)}
	case *MultiFilter:
		subFilters := make([]SubFilterWire, 0, len(f.SubFilters))
		for _, sf := range f.SubFilters {
			subFilters = append(subFilters, SubFilterWire{VariableID: sf.Variable.ID, StringSet: slices.Clone(sf.Values)})
		}
		return &MultiFilterWire{Type: KindMultiFilter, Ref: ref(f.Governing), Operation: f.Operation, SubFilters: subFilters}
	default:
		panic("filter: unhandled filter type")
	}
}
