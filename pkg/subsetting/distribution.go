package subsetting

import (
	"context"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/filter"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

const (
	// DefaultNumBins splits a numeric range without a configured bin width.
	DefaultNumBins = 10

	// MaxBins bounds the histogram size a bin spec can ask for.
	MaxBins = 10000
)

type ValueSpec string

const (
	ValueCount      ValueSpec = "count"
	ValueProportion ValueSpec = "proportion"
)

// BinSpec overrides the distribution defaults of a variable. Range bounds keep their text form
// until the variable type is known: numbers for numeric variables, dates for date variables.
type BinSpec struct {
	DisplayRangeMin string
	DisplayRangeMax string
	BinWidth        *float64
	BinUnits        study.BinUnits
}

func (b *BinSpec) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.Validationf("binSpec is not valid JSON")
	}
	doc := gjson.ParseBytes(data)

	var err error
	if b.DisplayRangeMin, err = scalar(doc, "displayRangeMin"); err != nil {
		return err
	}
	if b.DisplayRangeMax, err = scalar(doc, "displayRangeMax"); err != nil {
		return err
	}

	width, err := scalar(doc, "binWidth")
	if err != nil {
		return err
	}
	if width != "" {
		w, err := strconv.ParseFloat(width, 64)
		if err != nil || w <= 0 {
			return errors.Validationf("binSpec binWidth must be a positive number: %s", width)
		}
		b.BinWidth = &w
	}

	if units := doc.Get("binUnits"); units.Exists() && units.Type != gjson.Null {
		b.BinUnits = study.BinUnits(units.String())
		if !b.BinUnits.Valid() {
			return errors.Validationf("binSpec binUnits must be one of day, week, month or year: %s", b.BinUnits)
		}
	}
	return nil
}

// scalar returns the text of a number or string property, or "" if it is absent or null.
func scalar(doc gjson.Result, path string) (string, error) {
	r := doc.Get(path)
	switch r.Type {
	case gjson.Null:
		return "", nil
	case gjson.Number:
		return r.Raw, nil
	case gjson.String:
		return r.Str, nil
	default:
		return "", errors.Validationf("binSpec %s must be a number or a string", path)
	}
}

// DistributionRequest asks for the histogram and statistics of one variable over the subset.
type DistributionRequest struct {
	StudyID    string      `json:"-"`
	EntityID   string      `json:"-"`
	VariableID string      `json:"-"`
	Filters    filter.List `json:"filters"`
	ValueSpec  ValueSpec   `json:"valueSpec,omitempty"`
	BinSpec    *BinSpec    `json:"binSpec,omitempty"`
}

type HistogramBin struct {
	BinStart string  `json:"binStart"`
	BinEnd   string  `json:"binEnd"`
	BinLabel string  `json:"binLabel"`
	Value    float64 `json:"value"`
}

// Statistics summarize the values of the subset. Min, max and mean are numbers for numeric
// variables, dates for date variables and absent for strings.
type Statistics struct {
	SubsetMin                any   `json:"subsetMin,omitempty"`
	SubsetMax                any   `json:"subsetMax,omitempty"`
	SubsetMean               any   `json:"subsetMean,omitempty"`
	SubsetSize               int64 `json:"subsetSize"`
	NumVarValues             int64 `json:"numVarValues"`
	NumDistinctValues        int64 `json:"numDistinctValues"`
	NumDistinctEntityRecords int64 `json:"numDistinctEntityRecords"`
	NumMissingCases          int64 `json:"numMissingCases"`
}

type DistributionResult struct {
	Histogram  []HistogramBin `json:"histogram"`
	Statistics Statistics     `json:"statistics"`
}

// Distribution computes the histogram and statistics of one variable of the target entity over
// the records that satisfy every filter.
func (e *Engine) Distribution(ctx context.Context, req *DistributionRequest) (*DistributionResult, error) {
	ctx, span := tracer.Start(ctx, "subsetting.Distribution")
	defer span.End()
	span.SetAttributes(
		attribute.String("study_id", req.StudyID),
		attribute.String("entity_id", req.EntityID),
		attribute.String("variable_id", req.VariableID),
	)

	tr := e.track(ctx, "distribution", req.StudyID, req.EntityID)

	result, err := e.distribution(ctx, tr, req)
	if err != nil {
		tr.fail(err)
		telemetry.TraceError(span, err)
		return nil, err
	}

	tr.enter(stateComplete, zap.Int("bins", len(result.Histogram)))
	return result, nil
}

func (e *Engine) distribution(ctx context.Context, tr *tracker, req *DistributionRequest) (*DistributionResult, error) {
	valueSpec := req.ValueSpec
	switch valueSpec {
	case "":
		valueSpec = ValueCount
	case ValueCount, ValueProportion:
	default:
		return nil, errors.Validationf("valueSpec must be '%s' or '%s': %s", ValueCount, ValueProportion, valueSpec)
	}

	var bins binning
	q, _, err := e.prepare(ctx, tr, req.StudyID, req.EntityID, req.Filters, []string{req.VariableID}, nil,
		func(vars []study.ValueVariable) (err error) {
			bins, err = newBinning(vars[0], req.BinSpec)
			return err
		})
	if err != nil {
		return nil, err
	}
	v := q.Variables[0]

	reader := e.reader(ctx, tr, q, "")

	tr.enter(stateStreaming)
	acc := newAccumulator(v.Type())
	err = reader.ReadValues(ctx, q, v, func(_ string, values []study.Value) error {
		acc.add(values)
		return nil
	})
	if err != nil {
		return nil, err
	}

	histogram, err := bins.histogram(acc)
	if err != nil {
		return nil, err
	}
	if valueSpec == ValueProportion {
		for i := range histogram {
			if acc.numValues > 0 {
				histogram[i].Value /= float64(acc.numValues)
			}
		}
	}

	return &DistributionResult{Histogram: histogram, Statistics: acc.statistics()}, nil
}

// distinctValue is one distinct value seen in the subset and the number of times it was seen.
type distinctValue struct {
	value study.Value
	count int64
}

// accumulator folds the values of the subset into statistics and a table of distinct values.
// Its size grows with the number of distinct values, not with the number of records.
type accumulator struct {
	typ study.Type

	records   int64
	missing   int64
	numValues int64

	distinct map[uint64][]*distinctValue
	size     int

	min, max study.Value
	sum      float64
}

func newAccumulator(t study.Type) *accumulator {
	return &accumulator{typ: t, distinct: map[uint64][]*distinctValue{}}
}

func (a *accumulator) add(values []study.Value) {
	a.records++
	if len(values) == 0 {
		a.missing++
		return
	}

	for _, v := range values {
		if a.numValues == 0 || study.CompareValues(a.typ, v, a.min) < 0 {
			a.min = v
		}
		if a.numValues == 0 || study.CompareValues(a.typ, v, a.max) > 0 {
			a.max = v
		}
		a.numValues++
		a.sum += a.numeric(v)

		h := xxhash.Sum64String(study.FormatValue(a.typ, v, false))
		found := false
		for _, d := range a.distinct[h] {
			if study.CompareValues(a.typ, d.value, v) == 0 {
				d.count++
				found = true
				break
			}
		}
		if !found {
			a.distinct[h] = append(a.distinct[h], &distinctValue{value: v, count: 1})
			a.size++
		}
	}
}

// numeric maps a value onto the real line: numbers as themselves, dates as epoch milliseconds.
func (a *accumulator) numeric(v study.Value) float64 {
	switch a.typ {
	case study.TypeInteger:
		return float64(v.Int)
	case study.TypeNumber, study.TypeLongitude:
		return v.Number
	case study.TypeDate:
		return float64(v.Date.UnixMilli())
	default:
		return 0
	}
}

// sorted returns the distinct values in value order.
func (a *accumulator) sorted() []*distinctValue {
	out := make([]*distinctValue, 0, a.size)
	for _, chain := range a.distinct {
		out = append(out, chain...)
	}
	slices.SortFunc(out, func(x, y *distinctValue) int {
		return study.CompareValues(a.typ, x.value, y.value)
	})
	return out
}

func (a *accumulator) statistics() Statistics {
	s := Statistics{
		SubsetSize:               a.records,
		NumVarValues:             a.numValues,
		NumDistinctValues:        int64(a.size),
		NumDistinctEntityRecords: a.records - a.missing,
		NumMissingCases:          a.missing,
	}
	if a.numValues == 0 {
		return s
	}

	mean := a.sum / float64(a.numValues)
	switch a.typ {
	case study.TypeInteger:
		s.SubsetMin, s.SubsetMax, s.SubsetMean = a.min.Int, a.max.Int, mean
	case study.TypeNumber, study.TypeLongitude:
		s.SubsetMin, s.SubsetMax, s.SubsetMean = a.min.Number, a.max.Number, mean
	case study.TypeDate:
		s.SubsetMin = study.FormatDate(a.min.Date, false)
		s.SubsetMax = study.FormatDate(a.max.Date, false)
		s.SubsetMean = study.FormatDate(time.UnixMilli(int64(math.Round(mean))), false)
	}
	return s
}
