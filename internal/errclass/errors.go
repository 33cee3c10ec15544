// Package errclass defines the stable error classes returned by the state
// layer. Callers branch on class with errors.Is; the CLI maps classes to
// exit codes.
package errclass

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Error is a machine-readable error class with optional structured context.
type Error struct {
	Code      string
	Message   string
	Details   map[string]string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		b.WriteString(" (")
		for i, k := range slices.Sorted(maps.Keys(e.Details)) {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a copy of e with msg as its message.
func (e *Error) WithMessage(msg string) *Error {
	c := e.clone()
	c.Message = msg
	return c
}

// WithMessagef returns a copy of e with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key, value string) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]string)
	}
	c.Details[key] = value
	return c
}

// Wrap returns a copy of e whose cause is err.
func (e *Error) Wrap(err error) *Error {
	c := e.clone()
	c.Err = err
	return c
}

// AsRetryable returns a copy of e marked retryable.
func (e *Error) AsRetryable() *Error {
	c := e.clone()
	c.Retryable = true
	return c
}

func (e *Error) clone() *Error {
	c := *e
	if e.Details != nil {
		c.Details = maps.Clone(e.Details)
	}
	return &c
}

// Error classes.
var (
	// ErrIO is an underlying filesystem or store failure.
	ErrIO = &Error{Code: "E_IO"}
	// ErrValidation is a logical invariant violation: merge-key conflict,
	// cycle, disallowed transition, hash mismatch, projection drift.
	ErrValidation = &Error{Code: "E_VALIDATION"}
	// ErrNotFound is a missing ledger, row, revision or path.
	ErrNotFound = &Error{Code: "E_NOT_FOUND"}
	// ErrCorruption is an unparseable ledger line or a content hash that
	// does not match the stored one.
	ErrCorruption = &Error{Code: "E_CORRUPTION"}
)

// Code returns the class code of err, or "" when err carries no class.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether any class in err's chain is retryable.
func IsRetryable(err error) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Retryable {
			return true
		}
		err = e.Err
	}
	return false
}

// DetailsOf returns the details of the outermost class in err's chain.
func DetailsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
