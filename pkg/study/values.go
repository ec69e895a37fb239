package study

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical text form of a date value.
const DateLayout = "2006-01-02T15:04:05"

const dateOnlyLayout = "2006-01-02"

// ParseDate accepts RFC 3339 timestamps, DateLayout and plain dates. Results are in UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, DateLayout, dateOnlyLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date value %q", s)
}

// FormatDate renders t in canonical form, dropping the time of day when trimTime is set.
func FormatDate(t time.Time, trimTime bool) string {
	if trimTime {
		return t.UTC().Format(dateOnlyLayout)
	}
	return t.UTC().Format(DateLayout)
}

func FormatInteger(v int64) string {
	return strconv.FormatInt(v, 10)
}

func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Value is a decoded variable value. Only the field matching the variable type is set:
// Int for integers, Number for numbers and longitudes, Date for dates and String for strings.
type Value struct {
	Int    int64
	Number float64
	Date   time.Time
	String string
}

// ParseValue decodes the text form of a value of type t.
func ParseValue(t Type, s string) (Value, error) {
	switch t {
	case TypeInteger:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer value %q", s)
		}
		return Value{Int: v}, nil
	case TypeNumber, TypeLongitude:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number value %q", s)
		}
		return Value{Number: v}, nil
	case TypeDate:
		d, err := ParseDate(s)
		if err != nil {
			return Value{}, err
		}
		return Value{Date: d}, nil
	case TypeString:
		return Value{String: s}, nil
	default:
		return Value{}, fmt.Errorf("variables of type %s have no values", t)
	}
}

// FormatValue renders v, a value of type t, in canonical text form.
func FormatValue(t Type, v Value, trimTime bool) string {
	switch t {
	case TypeInteger:
		return FormatInteger(v.Int)
	case TypeNumber, TypeLongitude:
		return FormatNumber(v.Number)
	case TypeDate:
		return FormatDate(v.Date, trimTime)
	default:
		return v.String
	}
}

// CompareValues orders two values of type t.
func CompareValues(t Type, a, b Value) int {
	switch t {
	case TypeInteger:
		return cmp.Compare(a.Int, b.Int)
	case TypeNumber, TypeLongitude:
		return cmp.Compare(a.Number, b.Number)
	case TypeDate:
		return a.Date.Compare(b.Date)
	default:
		return strings.Compare(a.String, b.String)
	}
}
