package subsetting

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/study"
)

type binning interface {
	histogram(acc *accumulator) ([]HistogramBin, error)
}

// newBinning resolves the bin settings of v: the bin spec where given, the variable's
// distribution defaults otherwise. String variables bin by value and ignore the spec.
func newBinning(v study.ValueVariable, spec *BinSpec) (binning, error) {
	if spec == nil {
		spec = &BinSpec{}
	}

	switch t := v.(type) {
	case *study.IntegerVariable:
		return newNumberBinning(t.Distribution, spec, true)
	case *study.NumberVariable:
		return newNumberBinning(t.Distribution, spec, false)
	case *study.LongitudeVariable:
		return newNumberBinning(study.NumberDistribution{}, spec, false)
	case *study.DateVariable:
		return newDateBinning(t.Distribution, spec)
	default:
		return valueBinning{}, nil
	}
}

// bound is one end of a bin range. Bounds given by the bin spec are used as is; default bounds
// are widened to include the subset.
type bound[T any] struct {
	value T
	set   bool
	fixed bool
}

func (b *bound[T]) resolve(fromSpec, fromDefault *T) {
	switch {
	case fromSpec != nil:
		b.value, b.set, b.fixed = *fromSpec, true, true
	case fromDefault != nil:
		b.value, b.set = *fromDefault, true
	}
}

// widen moves the bound to v when it is unset, or when it is not fixed and less(v, bound).
func (b *bound[T]) widen(v T, less func(a, b T) bool) {
	if !b.set || (!b.fixed && less(v, b.value)) {
		b.value, b.set = v, true
	}
}

type numberBinning struct {
	integer bool
	lo, hi  bound[float64]
	width   *float64
}

func newNumberBinning(d study.NumberDistribution, spec *BinSpec, integer bool) (*numberBinning, error) {
	b := &numberBinning{integer: integer, width: d.BinWidth}

	specMin, err := parseNumberBound("displayRangeMin", spec.DisplayRangeMin)
	if err != nil {
		return nil, err
	}
	specMax, err := parseNumberBound("displayRangeMax", spec.DisplayRangeMax)
	if err != nil {
		return nil, err
	}
	if specMin != nil && specMax != nil && *specMin > *specMax {
		return nil, errors.Validationf("binSpec displayRangeMin must not exceed displayRangeMax")
	}

	b.lo.resolve(specMin, d.DisplayRangeMin)
	b.hi.resolve(specMax, d.DisplayRangeMax)
	if spec.BinWidth != nil {
		b.width = spec.BinWidth
	}
	return b, nil
}

func parseNumberBound(name, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Validationf("binSpec %s must be a number: %s", name, s)
	}
	return &v, nil
}

func (b *numberBinning) histogram(acc *accumulator) ([]HistogramBin, error) {
	lo, hi := b.lo, b.hi
	if acc.numValues > 0 {
		lo.widen(acc.numeric(acc.min), func(a, b float64) bool { return a < b })
		hi.widen(acc.numeric(acc.max), func(a, b float64) bool { return a > b })
	}
	if !lo.set || !hi.set || lo.value > hi.value {
		return []HistogramBin{}, nil
	}

	span := hi.value - lo.value
	var width float64
	switch {
	case b.width != nil:
		width = *b.width
	case span > 0:
		width = span / DefaultNumBins
	default:
		width = 1
	}
	if b.integer {
		width = math.Max(1, math.Ceil(width))
	}

	var n int
	if b.integer {
		n = int(math.Floor(span/width)) + 1
	} else {
		n = max(1, int(math.Ceil(span/width)))
	}
	if n > MaxBins {
		return nil, errors.Validationf("Bin width %s yields more than %d bins", study.FormatNumber(width), MaxBins)
	}

	bins := make([]HistogramBin, n)
	for i := range bins {
		start := roundBin(lo.value + float64(i)*width)
		end := roundBin(lo.value + float64(i+1)*width)
		closing := ")"
		if !b.integer && i == n-1 {
			closing = "]"
		}
		bins[i] = HistogramBin{
			BinStart: study.FormatNumber(start),
			BinEnd:   study.FormatNumber(end),
			BinLabel: fmt.Sprintf("[%s, %s%s", study.FormatNumber(start), study.FormatNumber(end), closing),
		}
	}

	for _, d := range acc.sorted() {
		x := acc.numeric(d.value)
		if x < lo.value || x > hi.value {
			continue
		}
		idx := min(int(math.Floor((x-lo.value)/width)), n-1)
		bins[idx].Value += float64(d.count)
	}
	return bins, nil
}

// roundBin drops the floating point noise of repeated additions from bin edges.
func roundBin(x float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'g', 12, 64), 64)
	return r
}

type dateBinning struct {
	lo, hi bound[time.Time]
	width  int
	units  study.BinUnits
}

func newDateBinning(d study.DateDistribution, spec *BinSpec) (*dateBinning, error) {
	b := &dateBinning{width: 1, units: study.Day}
	if d.BinWidth != nil {
		b.width = *d.BinWidth
	}
	if d.BinUnits != "" {
		b.units = d.BinUnits
	}
	if spec.BinWidth != nil {
		if *spec.BinWidth != math.Trunc(*spec.BinWidth) {
			return nil, errors.Validationf("binSpec binWidth of a date variable must be a whole number")
		}
		b.width = int(*spec.BinWidth)
	}
	if spec.BinUnits != "" {
		b.units = spec.BinUnits
	}

	specMin, err := parseDateBound("displayRangeMin", spec.DisplayRangeMin)
	if err != nil {
		return nil, err
	}
	specMax, err := parseDateBound("displayRangeMax", spec.DisplayRangeMax)
	if err != nil {
		return nil, err
	}
	if specMin != nil && specMax != nil && specMin.After(*specMax) {
		return nil, errors.Validationf("binSpec displayRangeMin must not exceed displayRangeMax")
	}

	b.lo.resolve(specMin, d.DisplayRangeMin)
	b.hi.resolve(specMax, d.DisplayRangeMax)
	return b, nil
}

func parseDateBound(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := study.ParseDate(s)
	if err != nil {
		return nil, errors.Validationf("binSpec %s must be a date: %s", name, s)
	}
	return &t, nil
}

// truncate aligns t to the start of its day, month or year. Weeks start on the first day of
// the range.
func truncate(t time.Time, units study.BinUnits) time.Time {
	t = t.UTC()
	switch units {
	case study.Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case study.Year:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func step(t time.Time, units study.BinUnits, width int) time.Time {
	switch units {
	case study.Week:
		return t.AddDate(0, 0, 7*width)
	case study.Month:
		return t.AddDate(0, width, 0)
	case study.Year:
		return t.AddDate(width, 0, 0)
	default:
		return t.AddDate(0, 0, width)
	}
}

func (b *dateBinning) histogram(acc *accumulator) ([]HistogramBin, error) {
	lo, hi := b.lo, b.hi
	if acc.numValues > 0 {
		lo.widen(acc.min.Date, time.Time.Before)
		hi.widen(acc.max.Date, time.Time.After)
	}
	if !lo.set || !hi.set || lo.value.After(hi.value) {
		return []HistogramBin{}, nil
	}

	var starts []time.Time
	for start := truncate(lo.value, b.units); !start.After(hi.value); start = step(start, b.units, b.width) {
		if len(starts) == MaxBins {
			return nil, errors.Validationf("Bin width %d %s yields more than %d bins", b.width, b.units, MaxBins)
		}
		starts = append(starts, start)
	}

	bins := make([]HistogramBin, len(starts))
	for i, start := range starts {
		end := step(start, b.units, b.width)
		bins[i] = HistogramBin{
			BinStart: study.FormatDate(start, false),
			BinEnd:   study.FormatDate(end, false),
			BinLabel: fmt.Sprintf("[%s, %s)", study.FormatDate(start, true), study.FormatDate(end, true)),
		}
	}

	for _, d := range acc.sorted() {
		t := d.value.Date
		if t.Before(lo.value) || t.After(hi.value) {
			continue
		}
		idx := sort.Search(len(starts), func(i int) bool { return starts[i].After(t) }) - 1
		if idx < 0 {
			continue
		}
		bins[idx].Value += float64(d.count)
	}
	return bins, nil
}

// valueBinning gives every distinct value its own bin, in value order.
type valueBinning struct{}

func (valueBinning) histogram(acc *accumulator) ([]HistogramBin, error) {
	distinct := acc.sorted()
	bins := make([]HistogramBin, len(distinct))
	for i, d := range distinct {
		label := study.FormatValue(acc.typ, d.value, false)
		bins[i] = HistogramBin{BinStart: label, BinEnd: label, BinLabel: label, Value: float64(d.count)}
	}
	return bins, nil
}
