package filter

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/veupathdb/edasubset/internal/errors"
)

// Kind is the discriminant of a wire filter.
type Kind string

const (
	KindDateRange      Kind = "dateRange"
	KindDateSet        Kind = "dateSet"
	KindNumberRange    Kind = "numberRange"
	KindNumberSet      Kind = "numberSet"
	KindLongitudeRange Kind = "longitudeRange"
	KindStringSet      Kind = "stringSet"
	KindMultiFilter    Kind = "multiFilter"
)

// Wire is a filter as received from a client, before it is resolved against a study.
type Wire interface {
	Kind() Kind
	Target() Ref
}

// Ref names the entity and variable a wire filter applies to.
type Ref struct {
	EntityID   string `json:"entityId"`
	VariableID string `json:"variableId"`
}

func (r Ref) Target() Ref { return r }

type DateRangeWire struct {
	Type Kind `json:"type"`
	Ref
	Min *string `json:"min,omitempty"`
	Max *string `json:"max,omitempty"`
}

func (*DateRangeWire) Kind() Kind { return KindDateRange }

type DateSetWire struct {
	Type Kind `json:"type"`
	Ref
	DateSet []string `json:"dateSet"`
}

func (*DateSetWire) Kind() Kind { return KindDateSet }

type NumberRangeWire struct {
	Type Kind `json:"type"`
	Ref
	Min *json.Number `json:"min,omitempty"`
	Max *json.Number `json:"max,omitempty"`
}

func (*NumberRangeWire) Kind() Kind { return KindNumberRange }

type NumberSetWire struct {
	Type Kind `json:"type"`
	Ref
	NumberSet []json.Number `json:"numberSet"`
}

func (*NumberSetWire) Kind() Kind { return KindNumberSet }

type LongitudeRangeWire struct {
	Type Kind `json:"type"`
	Ref
	Left  *float64 `json:"left,omitempty"`
	Right *float64 `json:"right,omitempty"`
}

func (*LongitudeRangeWire) Kind() Kind { return KindLongitudeRange }

type StringSetWire struct {
	Type Kind `json:"type"`
	Ref
	StringSet []string `json:"stringSet"`
}

func (*StringSetWire) Kind() Kind { return KindStringSet }

type MultiFilterWire struct {
	Type Kind `json:"type"`
	Ref
	Operation  Operation       `json:"operation"`
	SubFilters []SubFilterWire `json:"subFilters"`
}

func (*MultiFilterWire) Kind() Kind { return KindMultiFilter }

type SubFilterWire struct {
	VariableID string   `json:"variableId"`
	StringSet  []string `json:"stringSet"`
}

// Decode reads the "type" discriminant of a single JSON filter object and decodes the object
// into the matching wire variant.
func Decode(data []byte) (Wire, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.Validationf("Filter is not valid JSON")
	}

	kind := gjson.GetBytes(data, "type")
	if !kind.Exists() {
		return nil, errors.Validationf("Filter is missing the required property 'type'")
	}

	var w Wire
	switch Kind(kind.String()) {
	case KindDateRange:
		w = &DateRangeWire{}
	case KindDateSet:
		w = &DateSetWire{}
	case KindNumberRange:
		w = &NumberRangeWire{}
	case KindNumberSet:
		w = &NumberSetWire{}
	case KindLongitudeRange:
		w = &LongitudeRangeWire{}
	case KindStringSet:
		w = &StringSetWire{}
	case KindMultiFilter:
		w = &MultiFilterWire{}
	default:
		return nil, errors.Validationf("Unsupported filter type: %s", kind.String())
	}

	if err := json.Unmarshal(data, w); err != nil {
		return nil, errors.Validationf("Invalid %s filter: %v", kind.String(), err)
	}
	return w, nil
}

// List is a JSON array of wire filters.
type List []Wire

func (l *List) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		*l = nil
		return nil
	}
	if !res.IsArray() {
		return errors.Validationf("filters must be an array")
	}

	var (
		out List
		err error
	)
	res.ForEach(func(_, value gjson.Result) bool {
		var w Wire
		if w, err = Decode([]byte(value.Raw)); err != nil {
			return false
		}
		out = append(out, w)
		return true
	})
	if err != nil {
		return err
	}

	*l = out
	return nil
}
