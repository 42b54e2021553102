// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package conv implements convolution dispatch and algorithm selection.
//
// The Engine routes each convolution call to the best execution path: a
// specialized depthwise kernel, the accelerated backend with its numbered
// algorithms and workspace negotiation, the single-precision CPU fast path,
// or the generic fallback kernels (splitting grouped problems itself). The
// accelerated route selects algorithms through per-operation caches, an
// optional empirical benchmark sweep and a workspace-failure retry ladder.
//
// Backward and double-backward gradients are composed from the same forward
// dispatcher through convolution duality.
package conv

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/backends/goref"
)

// Engine dispatches convolutions. Engines are safe for concurrent use; the
// flag setters are meant for configuration between phases, not during
// in-flight calls.
type Engine struct {
	generic   backends.Generic
	accel     backends.Accelerated
	caps      backends.Capabilities
	allocator backends.Allocator

	benchmark      bool
	deterministic  bool
	backendEnabled bool

	caches [backends.NumOpKinds]algoCache
}

// Option configures an Engine.
type Option func(*Engine)

// WithGeneric replaces the fallback kernel set (default goref.Kernels).
func WithGeneric(g backends.Generic) Option {
	return func(e *Engine) { e.generic = g }
}

// WithAccelerated attaches an accelerated backend. Without one the engine
// runs everything through the generic kernels.
func WithAccelerated(a backends.Accelerated) Option {
	return func(e *Engine) { e.accel = a }
}

// WithBackendConfig attaches the accelerated backend described by a
// "<name>:<config>" string from the backend registry. A string without a
// colon is passed whole, as configuration, to the first registered backend;
// use "<name>:" to select a backend by name with an empty configuration.
func WithBackendConfig(config string) Option {
	return func(e *Engine) { e.accel = backends.New(config) }
}

// WithAllocator replaces the workspace allocator (default a HostAllocator
// with the default capacity).
func WithAllocator(a backends.Allocator) Option {
	return func(e *Engine) { e.allocator = a }
}

// WithBenchmark enables the empirical benchmark sweep when selecting
// algorithms for uncached problems.
func WithBenchmark(on bool) Option {
	return func(e *Engine) { e.benchmark = on }
}

// WithDeterministic restricts algorithm selection to deterministic
// algorithms.
func WithDeterministic(on bool) Option {
	return func(e *Engine) { e.deterministic = on }
}

// WithBackendEnabled toggles the accelerated route as a whole. Disabled,
// every call runs on the generic kernels regardless of device tags.
func WithBackendEnabled(on bool) Option {
	return func(e *Engine) { e.backendEnabled = on }
}

// New creates an Engine. By default it has the goref generic kernels, no
// accelerated backend, a host workspace allocator, the benchmark sweep off,
// determinism not required and the accelerated route enabled.
func New(options ...Option) *Engine {
	e := &Engine{
		generic:        goref.Kernels{},
		backendEnabled: true,
	}
	for _, option := range options {
		option(e)
	}
	if e.allocator == nil {
		e.allocator = backends.NewHostAllocator(0)
	}
	if e.accel != nil {
		e.caps = e.accel.Capabilities()
	}
	return e
}

// SetBenchmark toggles the benchmark sweep.
func (e *Engine) SetBenchmark(on bool) { e.benchmark = on }

// SetDeterministic toggles the determinism requirement.
func (e *Engine) SetDeterministic(on bool) { e.deterministic = on }

// SetBackendEnabled toggles the accelerated route.
func (e *Engine) SetBackendEnabled(on bool) { e.backendEnabled = on }

// CachedAlgorithms returns the number of cached algorithm choices across all
// operation kinds.
func (e *Engine) CachedAlgorithms() int {
	total := 0
	for kind := range e.caches {
		total += e.caches[kind].len()
	}
	return total
}

// ResetCaches drops every cached algorithm choice, including entries
// poisoned by workspace failures, so following calls renegotiate.
func (e *Engine) ResetCaches() {
	for kind := range e.caches {
		e.caches[kind].reset()
	}
}
