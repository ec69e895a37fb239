package study

import "time"

// Type is the runtime type of a variable.
type Type string

const (
	TypeDate      Type = "date"
	TypeInteger   Type = "integer"
	TypeNumber    Type = "number"
	TypeLongitude Type = "longitude"
	TypeString    Type = "string"
	TypeCategory  Type = "category"
)

// DataShape describes how values of a variable are distributed.
type DataShape string

const (
	Continuous  DataShape = "continuous"
	Categorical DataShape = "categorical"
	Ordinal     DataShape = "ordinal"
	Binary      DataShape = "binary"
)

// DisplayTypeMultiFilter marks a variable that groups other variables under a multifilter.
const DisplayTypeMultiFilter = "multifilter"

// BinUnits is the unit of a date bin width.
type BinUnits string

const (
	Day   BinUnits = "day"
	Week  BinUnits = "week"
	Month BinUnits = "month"
	Year  BinUnits = "year"
)

func (u BinUnits) Valid() bool {
	switch u {
	case Day, Week, Month, Year:
		return true
	}
	return false
}

// Variable is implemented by DateVariable, IntegerVariable, NumberVariable, LongitudeVariable,
// StringVariable and CategoryVariable.
type Variable interface {
	Base() VariableBase
	Type() Type

	variable()
}

// ValueVariable is a Variable that carries values. Only CategoryVariable does not.
type ValueVariable interface {
	Variable
	Values() ValueProperties
}

type VariableBase struct {
	ID          string
	EntityID    string
	ParentID    string
	DisplayName string
	DisplayType string
}

func (b VariableBase) Base() VariableBase { return b }

func (VariableBase) variable() {}

// IsMultiFilter reports whether the variable governs a multifilter member set.
func (b VariableBase) IsMultiFilter() bool {
	return b.DisplayType == DisplayTypeMultiFilter
}

type ValueProperties struct {
	DataShape                   DataShape
	Vocabulary                  []string
	IsMultiValued               bool
	HasStudyDependentVocabulary bool
}

func (p ValueProperties) Values() ValueProperties { return p }

// NumberDistribution holds the default histogram settings of a numeric variable.
type NumberDistribution struct {
	DisplayRangeMin *float64
	DisplayRangeMax *float64
	BinWidth        *float64
}

// DateDistribution holds the default histogram settings of a date variable.
type DateDistribution struct {
	DisplayRangeMin *time.Time
	DisplayRangeMax *time.Time
	BinWidth        *int
	BinUnits        BinUnits
}

type DateVariable struct {
	VariableBase
	ValueProperties
	Distribution DateDistribution
}

func (*DateVariable) Type() Type { return TypeDate }

type IntegerVariable struct {
	VariableBase
	ValueProperties
	Units        string
	Distribution NumberDistribution
}

func (*IntegerVariable) Type() Type { return TypeInteger }

type NumberVariable struct {
	VariableBase
	ValueProperties
	Units        string
	Precision    int
	Distribution NumberDistribution
}

func (*NumberVariable) Type() Type { return TypeNumber }

type LongitudeVariable struct {
	VariableBase
	ValueProperties
	Precision int
}

func (*LongitudeVariable) Type() Type { return TypeLongitude }

type StringVariable struct {
	VariableBase
	ValueProperties
}

func (*StringVariable) Type() Type { return TypeString }

// CategoryVariable groups other variables and has no values.
type CategoryVariable struct {
	VariableBase
}

func (*CategoryVariable) Type() Type { return TypeCategory }

var (
	_ ValueVariable = (*DateVariable)(nil)
	_ ValueVariable = (*IntegerVariable)(nil)
	_ ValueVariable = (*NumberVariable)(nil)
	_ ValueVariable = (*LongitudeVariable)(nil)
	_ ValueVariable = (*StringVariable)(nil)
	_ Variable      = (*CategoryVariable)(nil)
)

// IsNumeric reports whether values of t are stored as numbers.
func (t Type) IsNumeric() bool {
	return t == TypeInteger || t == TypeNumber || t == TypeLongitude
}
