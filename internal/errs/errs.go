// Package errs defines the coded error types shared across twinloop.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for callers that branch on failure kind.
type Code int

const (
	Unknown Code = iota

	// Validation covers malformed input to a core operation. The operation
	// must reject before any mutation.
	Validation

	// NotFound covers a missing document, version, evaluation or export.
	NotFound

	// ExternalService covers LLM and fine-tuning provider failures.
	ExternalService

	// Consistency covers operations that would violate a store invariant,
	// such as a patch against a user with no active document.
	Consistency

	// Conflict covers two overlapping invocations for the same user, e.g.
	// a second training export while one is already in flight.
	Conflict
)

func (c Code) String() string {
	switch c {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case ExternalService:
		return "external_service"
	case Consistency:
		return "consistency"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Fields carries structured context about the error.
type Fields map[string]interface{}

// Error is a coded error with optional wrapped cause and context fields.
type Error struct {
	code     Code
	message  string
	original error
	fields   Fields
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if e.original != nil {
		b.WriteString(": ")
		b.WriteString(e.original.Error())
	}
	if len(e.fields) > 0 {
		b.WriteString(" [")
		for k, v := range e.fields {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
		b.WriteString("]")
	}
	return strings.TrimSpace(b.String())
}

func (e *Error) Unwrap() error { return e.original }

func (e *Error) Code() Code { return e.code }

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{code: code, message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. Returns nil for nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: message, original: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: fmt.Sprintf(format, args...), original: err}
}

// WithFields adds structured context to an error.
func WithFields(err error, fields Fields) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		merged := make(Fields, len(e.fields)+len(fields))
		for k, v := range e.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &Error{code: e.code, message: e.message, original: e.original, fields: merged}
	}
	return &Error{code: Unknown, message: err.Error(), fields: fields}
}

// CodeOf extracts the Code from err, walking the wrap chain. Errors created
// outside this package report Unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
