// Package errs provides structured error types and helpers for segstore.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a storage error category.
type Code string

const (
	// CodeInvalidConfig indicates configuration rejected at construction time.
	CodeInvalidConfig Code = "invalid_config"
	// CodeSQL indicates a failure reported by the underlying database.
	CodeSQL Code = "sql"
	// CodeCodec indicates a serialization or deserialization failure.
	CodeCodec Code = "codec"
	// CodeNotFound indicates a missing segment.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a resource that is closed or exhausted.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the segstore stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Table     string
	Address   int64
	hasAddr   bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithTable records the storage table involved in the failure.
func WithTable(table string) Option {
	trimmed := strings.TrimSpace(table)
	return func(e *E) {
		e.Table = trimmed
	}
}

// WithAddress records the segment address involved in the failure.
func WithAddress(addr int64) Option {
	return func(e *E) {
		e.Address = addr
		e.hasAddr = true
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Table != "" {
		parts = append(parts, "table="+e.Table)
	}
	if e.hasAddr {
		parts = append(parts, "addr="+strconv.FormatInt(e.Address, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasCode reports whether err or any error in its tree is an *E carrying the
// provided code. Both the single-error Unwrap form and the multi-error form
// produced by errors.Join are traversed.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*E); ok && e.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return HasCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, nested := range u.Unwrap() {
			if HasCode(nested, code) {
				return true
			}
		}
	}
	return false
}

// IsNotFound reports whether err represents a missing segment.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}
