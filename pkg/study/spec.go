package study

import (
	"fmt"
	"strconv"
	"time"
)

// VariableSpec is the flat, serializable description of a variable. It is the shape stored in
// the database, read from study fixtures and returned by the metadata endpoints.
type VariableSpec struct {
	ID                          string    `json:"id"`
	ParentID                    string    `json:"parentId,omitempty"`
	DisplayName                 string    `json:"displayName"`
	DisplayType                 string    `json:"displayType,omitempty"`
	Type                        Type      `json:"type"`
	DataShape                   DataShape `json:"dataShape,omitempty"`
	Vocabulary                  []string  `json:"vocabulary,omitempty"`
	IsMultiValued               bool      `json:"isMultiValued,omitempty"`
	HasStudyDependentVocabulary bool      `json:"hasStudyDependentVocabulary,omitempty"`
	Units                       string    `json:"units,omitempty"`
	Precision                   int       `json:"precision,omitempty"`
	DisplayRangeMin             string    `json:"displayRangeMin,omitempty"`
	DisplayRangeMax             string    `json:"displayRangeMax,omitempty"`
	BinWidth                    string    `json:"binWidth,omitempty"`
	BinUnits                    BinUnits  `json:"binUnits,omitempty"`
}

// Build turns the spec into the Variable variant selected by its type.
func (s VariableSpec) Build(entityID string) (Variable, error) {
	base := VariableBase{
		ID:          s.ID,
		EntityID:    entityID,
		ParentID:    s.ParentID,
		DisplayName: s.DisplayName,
		DisplayType: s.DisplayType,
	}
	values := ValueProperties{
		DataShape:                   s.DataShape,
		Vocabulary:                  s.Vocabulary,
		IsMultiValued:               s.IsMultiValued,
		HasStudyDependentVocabulary: s.HasStudyDependentVocabulary,
	}

	switch s.Type {
	case TypeCategory:
		return &CategoryVariable{VariableBase: base}, nil
	case TypeString:
		return &StringVariable{VariableBase: base, ValueProperties: values}, nil
	case TypeLongitude:
		return &LongitudeVariable{VariableBase: base, ValueProperties: values, Precision: s.Precision}, nil
	case TypeInteger:
		dist, err := s.numberDistribution()
		if err != nil {
			return nil, err
		}
		return &IntegerVariable{VariableBase: base, ValueProperties: values, Units: s.Units, Distribution: dist}, nil
	case TypeNumber:
		dist, err := s.numberDistribution()
		if err != nil {
			return nil, err
		}
		return &NumberVariable{VariableBase: base, ValueProperties: values, Units: s.Units, Precision: s.Precision, Distribution: dist}, nil
	case TypeDate:
		dist, err := s.dateDistribution()
		if err != nil {
			return nil, err
		}
		return &DateVariable{VariableBase: base, ValueProperties: values, Distribution: dist}, nil
	default:
		return nil, fmt.Errorf("variable %s has unknown type %q", s.ID, s.Type)
	}
}

func (s VariableSpec) numberDistribution() (NumberDistribution, error) {
	var d NumberDistribution
	for _, f := range []struct {
		text string
		dst  **float64
	}{
		{s.DisplayRangeMin, &d.DisplayRangeMin},
		{s.DisplayRangeMax, &d.DisplayRangeMax},
		{s.BinWidth, &d.BinWidth},
	} {
		if f.text == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.text, 64)
		if err != nil {
			return d, fmt.Errorf("variable %s: invalid distribution value %q", s.ID, f.text)
		}
		*f.dst = &v
	}
	return d, nil
}

func (s VariableSpec) dateDistribution() (DateDistribution, error) {
	d := DateDistribution{BinUnits: s.BinUnits}
	if d.BinUnits != "" && !d.BinUnits.Valid() {
		return d, fmt.Errorf("variable %s: invalid bin units %q", s.ID, s.BinUnits)
	}
	for _, f := range []struct {
		text string
		dst  **time.Time
	}{
		{s.DisplayRangeMin, &d.DisplayRangeMin},
		{s.DisplayRangeMax, &d.DisplayRangeMax},
	} {
		if f.text == "" {
			continue
		}
		t, err := ParseDate(f.text)
		if err != nil {
			return d, fmt.Errorf("variable %s: %w", s.ID, err)
		}
		*f.dst = &t
	}
	if s.BinWidth != "" {
		w, err := strconv.Atoi(s.BinWidth)
		if err != nil || w <= 0 {
			return d, fmt.Errorf("variable %s: invalid date bin width %q", s.ID, s.BinWidth)
		}
		d.BinWidth = &w
	}
	return d, nil
}

// SpecOf flattens v back into its serializable form.
func SpecOf(v Variable) VariableSpec {
	b := v.Base()
	s := VariableSpec{
		ID:          b.ID,
		ParentID:    b.ParentID,
		DisplayName: b.DisplayName,
		DisplayType: b.DisplayType,
		Type:        v.Type(),
	}
	if vv, ok := v.(ValueVariable); ok {
		p := vv.Values()
		s.DataShape = p.DataShape
		s.Vocabulary = p.Vocabulary
		s.IsMultiValued = p.IsMultiValued
		s.HasStudyDependentVocabulary = p.HasStudyDependentVocabulary
	}

	switch t := v.(type) {
	case *IntegerVariable:
		s.Units = t.Units
		s.setNumberDistribution(t.Distribution)
	case *NumberVariable:
		s.Units = t.Units
		s.Precision = t.Precision
		s.setNumberDistribution(t.Distribution)
	case *LongitudeVariable:
		s.Precision = t.Precision
	case *DateVariable:
		if t.Distribution.DisplayRangeMin != nil {
			s.DisplayRangeMin = FormatDate(*t.Distribution.DisplayRangeMin, false)
		}
		if t.Distribution.DisplayRangeMax != nil {
			s.DisplayRangeMax = FormatDate(*t.Distribution.DisplayRangeMax, false)
		}
		if t.Distribution.BinWidth != nil {
			s.BinWidth = strconv.Itoa(*t.Distribution.BinWidth)
		}
		s.BinUnits = t.Distribution.BinUnits
	}
	return s
}

func (s *VariableSpec) setNumberDistribution(d NumberDistribution) {
	if d.DisplayRangeMin != nil {
		s.DisplayRangeMin = FormatNumber(*d.DisplayRangeMin)
	}
	if d.DisplayRangeMax != nil {
		s.DisplayRangeMax = FormatNumber(*d.DisplayRangeMax)
	}
	if d.BinWidth != nil {
		s.BinWidth = FormatNumber(*d.BinWidth)
	}
}

// Record is one entity row: its primary key, the primary keys of its ancestors ordered root to
// immediate parent, and the text form of its values keyed by variable id.
type Record struct {
	PK          string              `json:"pk"`
	AncestorPKs []string            `json:"ancestors,omitempty"`
	Values      map[string][]string `json:"values,omitempty"`
}
