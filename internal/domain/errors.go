package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrCatalog       = errors.New("catalog error")
	ErrNetwork       = errors.New("network error")
	ErrConversion    = errors.New("conversion error")
	ErrIntrospection = errors.New("introspection error")
	ErrValidation    = errors.New("validation error")
)

// Error attributes a failure to an operation and an error kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error without an underlying cause.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindName returns a short label for the kind of err, for logs and metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCatalog):
		return "catalog"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrConversion):
		return "conversion"
	case errors.Is(err, ErrIntrospection):
		return "introspection"
	case errors.Is(err, ErrValidation):
		return "validation"
	}
	return "internal"
}
