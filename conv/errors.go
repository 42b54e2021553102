// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"fmt"

	"github.com/gomlx/convdispatch/backends"
)

// The engine separates caller mistakes from resource and backend failures:
// ArgumentCountError, NegativeValueError, ShapeMismatchError and
// UnsupportedConfigurationError report misuse and are stable for a given
// call; OutOfMemoryError, NoDeterministicAlgorithmError and BackendError
// depend on the environment and may clear on retry. All are matched with
// errors.As.

// ArgumentCountError reports a window parameter whose length matches
// neither 1 nor the number of spatial axes.
type ArgumentCountError struct {
	Param    string
	Expected int
	Got      int
}

func (e *ArgumentCountError) Error() string {
	return fmt.Sprintf("expected %s to be a single integer value or a list of %d values to match the convolution dimensions, but got %d values",
		e.Param, e.Expected, e.Got)
}

// NegativeValueError reports a window parameter carrying a negative value
// where only zero or positive values are meaningful.
type NegativeValueError struct {
	Param  string
	Values []int
}

func (e *NegativeValueError) Error() string {
	return fmt.Sprintf("negative %s is not supported, got %v", e.Param, e.Values)
}

// ShapeMismatchError reports tensors whose geometry cannot be convolved
// under the given parameters.
type ShapeMismatchError struct {
	Reason string
}

func (e *ShapeMismatchError) Error() string { return e.Reason }

func shapeErrorf(format string, args ...any) error {
	return &ShapeMismatchError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedConfigurationError reports a parameter combination the engine
// has no implementation for.
type UnsupportedConfigurationError struct {
	Reason string
}

func (e *UnsupportedConfigurationError) Error() string { return e.Reason }

func unsupportedf(format string, args ...any) error {
	return &UnsupportedConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// NoDeterministicAlgorithmError reports that the benchmark sweep found no
// working deterministic algorithm while determinism was demanded.
type NoDeterministicAlgorithmError struct {
	Kind backends.OpKind
}

func (e *NoDeterministicAlgorithmError) Error() string {
	return fmt.Sprintf("no deterministic %s convolution algorithm available on this backend", e.Kind)
}

// OutOfMemoryError reports a workspace allocation that failed even after
// falling back to the default algorithm.
type OutOfMemoryError struct {
	Requested int64
	Cause     error
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of workspace memory allocating %d bytes: %v", e.Requested, e.Cause)
}

func (e *OutOfMemoryError) Unwrap() error { return e.Cause }

// BackendError wraps a failure reported by the execution backend.
type BackendError struct {
	Backend string
	Cause   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("convolution backend %q failed: %v", e.Backend, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }
