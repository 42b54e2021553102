// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package goref implements a pure Go convolution backend.
//
// It plays the accelerated role for the dispatch engine: it exposes numbered
// algorithms per operation kind, reports workspace requirements, times
// candidates empirically and executes through the backends.Accelerated
// contract. It also provides the plain ungrouped kernel set
// (backends.Generic) used by the engine's fallback path.
//
// Every algorithm is deterministic. Accelerator tensors are host-emulated:
// the backend reports tensors.CUDA and operates on host memory.
//
// To use it, import it as:
//
//	import _ "github.com/gomlx/convdispatch/backends/goref"
package goref

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// BackendName to be used in the registry to create a goref backend.
const BackendName = "goref"

// Backend implements backends.Accelerated.
type Backend struct {
	capabilities backends.Capabilities
}

var (
	_ backends.Accelerated = (*Backend)(nil)
	_ backends.Generic     = Kernels{}
)

// Capabilities of the goref backend. The "legacy" configuration clears
// NativeGroups, making the engine split grouped problems itself.
var Capabilities = backends.Capabilities{
	NativeGroups:         true,
	Dilated:              true,
	DilatedDeterministic: true,
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
}

// New constructs a goref Backend. The config string may carry
// comma-separated options; the only one recognized is "legacy", which
// disables native grouped convolutions.
func New(config string) *Backend {
	caps := Capabilities.Clone()
	switch config {
	case "":
	case "legacy":
		caps.NativeGroups = false
	default:
		klog.Warningf("goref backend: unknown configuration %q ignored", config)
	}
	return &Backend{capabilities: caps}
}

func init() {
	backends.Register(BackendName, func(config string) backends.Accelerated {
		return New(config)
	})
}

// Name implements backends.Accelerated.
func (b *Backend) Name() string { return BackendName }

// Device implements backends.Accelerated.
func (b *Backend) Device() tensors.Device { return tensors.CUDA }

// Capabilities implements backends.Accelerated.
func (b *Backend) Capabilities() backends.Capabilities { return b.capabilities.Clone() }
