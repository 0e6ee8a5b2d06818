// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the typed failures of kernel generation.
//
// Every failure carries a Kind, the offending value (a dimension, an extent, a stride, a dtype ...)
// and a stack trace (through github.com/pkg/errors), so "%+v" prints where it was detected.
//
// Kernel generation is deterministic: none of these failures is worth retrying with the same inputs.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the failure taxonomy of kernel generation.
type Kind int

const (
	// Unknown is returned by KindOf for errors not created by this package.
	Unknown Kind = iota

	// ShapeMismatch means two shapes are not broadcast compatible, or a dimension doesn't match its counterpart.
	ShapeMismatch

	// ShapeTooLarge means the number of elements exceeds what the hardware can address.
	ShapeTooLarge

	// UnsupportedDataType means the element type is outside the supported set for the operator.
	UnsupportedDataType

	// InvalidTiling means a tile extent violates the alignment unit or doesn't divide its dimension.
	InvalidTiling

	// BufferOverflow means a tile footprint exceeds the on-chip capacity of its tier.
	BufferOverflow

	// UnevenPartition means the outer dimension is not divisible by the number of cores.
	UnevenPartition

	// StrideLimitExceeded means a transfer exceeds the DMA addressing range and can't be decomposed.
	StrideLimitExceeded

	// LoweringError is an internal consistency failure during emission.
	LoweringError
)

var kindNames = map[Kind]string{
	Unknown:             "Unknown",
	ShapeMismatch:       "ShapeMismatch",
	ShapeTooLarge:       "ShapeTooLarge",
	UnsupportedDataType: "UnsupportedDataType",
	InvalidTiling:       "InvalidTiling",
	BufferOverflow:      "BufferOverflow",
	UnevenPartition:     "UnevenPartition",
	StrideLimitExceeded: "StrideLimitExceeded",
	LoweringError:       "LoweringError",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a kernel generation failure of a given Kind.
type Error struct {
	Kind Kind

	// Value is the offending value: a dimension, an extent, a stride, a shape, a dtype.
	Value any

	cause error
}

// Errorf creates a new *Error of the given kind, with a stack trace.
func Errorf(kind Kind, value any, format string, args ...any) error {
	return &Error{
		Kind:  kind,
		Value: value,
		cause: errors.Errorf(format, args...),
	}
}

// Wrapf wraps err as an *Error of the given kind. If err is nil it returns nil.
func Wrapf(err error, kind Kind, value any, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:  kind,
		Value: value,
		cause: errors.Wrapf(err, format, args...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

// Unwrap returns the underlying error, for errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// Format prints the stack trace of the underlying error with "%+v".
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "%s (value=%v): %+v", e.Kind, e.Value, e.cause)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ValueOf returns the offending value of the first *Error in err's chain, or nil.
func ValueOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Value
	}
	return nil
}

// Is returns whether err (or something it wraps) is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
