// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities holds what an accelerated backend supports. The engine's
// backend selector consults it before routing a problem.
type Capabilities struct {
	// NativeGroups indicates grouped convolutions can be passed down
	// directly. When false the engine splits the problem per group and
	// issues single-group calls (the legacy path).
	NativeGroups bool

	// Dilated indicates dilated (atrous) convolutions are supported at all.
	Dilated bool

	// DilatedDeterministic indicates dilated convolutions are supported
	// when the caller demands determinism. Some backends support dilation
	// only through nondeterministic algorithms.
	DilatedDeterministic bool

	// DTypes list the data types supported by the backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}

// SupportsDilated returns whether dilated convolution is available for the
// requested determinism mode.
func (c Capabilities) SupportsDilated(deterministic bool) bool {
	if deterministic {
		return c.DilatedDeterministic
	}
	return c.Dilated
}
