// Package errors classifies errors raised while serving subsetting requests without changing
// their messages.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks request violations: unknown entities or variables, malformed filters,
	// bad paging values or unsupported report shapes.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks references to studies or entities that do not exist.
	ErrNotFound = errors.New("not found")
)

// With returns an error whose message is the base error's and which also matches tag under
// errors.Is.
func With(base, tag error) error {
	if base == nil {
		return tag
	}
	if tag == nil {
		return base
	}
	return tagged{error: base, tag: tag}
}

type tagged struct {
	error
	tag error
}

func (t tagged) Is(target error) bool {
	return target == t.tag
}

func (t tagged) Unwrap() error {
	return t.error
}

// Validationf formats a validation error.
func Validationf(format string, args ...any) error {
	return With(fmt.Errorf(format, args...), ErrValidation)
}

// NotFoundf formats a not-found error.
func NotFoundf(format string, args ...any) error {
	return With(fmt.Errorf(format, args...), ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
