// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the contracts a convolution execution backend
// needs to implement to be driven by the dispatch engine in package conv.
//
// Two contracts are defined:
//
//   - Accelerated: the vendor-style backend with opaque numbered algorithms,
//     workspace (scratch memory) negotiation and empirical benchmarking. The
//     engine talks to it through a fixed four-call contract per operation
//     kind: describe the problem geometry, enumerate or heuristically select
//     an algorithm, query the workspace an algorithm needs, and execute.
//   - Generic: the plain ungrouped kernel set (2-D/3-D, dilated or not,
//     transposed or not) used by the fallback path.
//
// Backends register themselves by name, following the same constructor
// registry used elsewhere in GoMLX.
package backends

import (
	"strings"
	"time"

	"github.com/gomlx/convdispatch/shapes"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/exceptions"
)

// OpKind identifies which of the three convolution operations an algorithm
// applies to. Forward and the two backward directions expose separate
// algorithm sets and separate caches.
type OpKind int

const (
	Forward OpKind = iota
	BackwardInput
	BackwardWeight
	numOpKinds
)

// NumOpKinds is the number of operation kinds, for sizing per-kind tables.
const NumOpKinds = int(numOpKinds)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case Forward:
		return "forward"
	case BackwardInput:
		return "backward-input"
	case BackwardWeight:
		return "backward-weight"
	}
	return "invalid-op-kind"
}

// Algorithm is an opaque identifier of a backend's low-level convolution
// algorithm. Values are only meaningful to the backend that issued them.
type Algorithm int32

// AlgoPerf reports the outcome of empirically timing one algorithm against
// the real problem data.
type AlgoPerf struct {
	Algo          Algorithm
	Time          time.Duration
	Memory        int64 // Workspace bytes the run used.
	Deterministic bool
	Err           error // Non-nil if the candidate failed (e.g. workspace too small).
}

// ConvGeometry describes one convolution problem to the backend: the full
// input/weight/output shapes plus the window parameters. It is the
// "describe geometry" call of the four-call contract, passed by value.
//
// Tensors are laid out channels-first: input [batch, channels, spatial...],
// weight [outChannels, inChannels/groups, spatial...].
type ConvGeometry struct {
	Input, Weight, Output shapes.Shape
	Padding               []int
	Stride                []int
	Dilation              []int
	Groups                int
}

// SpatialRank is the number of spatial axes of the problem.
func (g ConvGeometry) SpatialRank() int { return g.Input.Rank() - 2 }

// Accelerated is the vendor-style backend contract.
//
// All calls are synchronous. Exec computes
//
//	output = alpha*op(input, weight) + beta*output
//
// so the engine can express accumulation without extra buffers.
type Accelerated interface {
	// Name returns the short name of the backend, e.g. "goref".
	Name() string

	// Device this backend executes on. The engine only routes tensors
	// tagged with this device to the backend.
	Device() tensors.Device

	// Capabilities of the backend. See Capabilities.
	Capabilities() Capabilities

	// Algorithms enumerates every algorithm the backend exposes for the
	// operation kind.
	Algorithms(kind OpKind) []Algorithm

	// DefaultAlgorithm is the safe default for the operation kind: it must
	// be deterministic and require a workspace the backend can always
	// satisfy (ideally none).
	DefaultAlgorithm(kind OpKind) Algorithm

	// HeuristicAlgorithm is the backend's cheap "get algorithm" guess for
	// the problem, without touching the data.
	HeuristicAlgorithm(kind OpKind, geom ConvGeometry) (Algorithm, error)

	// WorkspaceSize returns the scratch bytes the algorithm needs for the
	// problem geometry.
	WorkspaceSize(kind OpKind, geom ConvGeometry, algo Algorithm) (int64, error)

	// TimeAlgorithms runs every candidate against the real data, reusing
	// the provided workspace (candidates needing more scratch than it holds
	// report an error in their AlgoPerf). Results are sorted fastest-first.
	TimeAlgorithms(kind OpKind, geom ConvGeometry, candidates []Algorithm,
		input, weight, output *tensors.Tensor, ws *Workspace) ([]AlgoPerf, error)

	// Exec launches the kernel for the chosen algorithm. The three tensors
	// always match geom.Input, geom.Weight and geom.Output respectively;
	// the kind selects which of them is written:
	//
	//	Forward:        output = alpha*conv(input, weight) + beta*output
	//	BackwardInput:  input  = alpha*convGradInput(output, weight) + beta*input
	//	BackwardWeight: weight = alpha*convGradWeight(input, output) + beta*weight
	//
	// The written tensor is preallocated by the caller.
	Exec(kind OpKind, algo Algorithm, geom ConvGeometry,
		input, weight, output *tensors.Tensor, ws *Workspace, alpha, beta float64) error

	// DepthwiseConv2D is the specialized kernel for 4-D depthwise
	// convolutions (channels == groups); bias may be nil. No group count is
	// passed: the layout implies it.
	DepthwiseConv2D(input, weight, bias *tensors.Tensor,
		stride, padding, dilation []int) (*tensors.Tensor, error)
}

// Generic is the plain kernel-set contract used by the fallback path. All
// kernels are single-group; grouped convolutions are split by the engine
// before reaching them. Bias may be nil in every call.
type Generic interface {
	Conv2D(input, weight, bias *tensors.Tensor, stride, padding []int) (*tensors.Tensor, error)
	ConvDilated2D(input, weight, bias *tensors.Tensor, stride, padding, dilation []int) (*tensors.Tensor, error)
	Conv3D(input, weight, bias *tensors.Tensor, stride, padding []int) (*tensors.Tensor, error)
	ConvDilated3D(input, weight, bias *tensors.Tensor, stride, padding, dilation []int) (*tensors.Tensor, error)
	ConvTranspose2D(input, weight, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int) (*tensors.Tensor, error)
	ConvTranspose3D(input, weight, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int) (*tensors.Tensor, error)

	// Conv2DF32 is the optimized single-precision 2-D path (im2col+GEMM),
	// taken for CPU float32, non-dilated, non-transposed, single-group
	// problems.
	Conv2DF32(input, weight, bias *tensors.Tensor, stride, padding []int) (*tensors.Tensor, error)
}

// Constructor takes a backend-specific config string (possibly empty) and
// returns an Accelerated backend.
type Constructor func(config string) Accelerated

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an accelerated backend constructor under the given name.
// Call it during package initialization.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// New creates an Accelerated backend from a configuration string formatted
// as "<backend_name>:<backend_configuration>". A string without a colon,
// the empty string included, goes whole as the configuration of the first
// registered backend.
//
// It panics if no matching backend was registered.
func New(config string) Accelerated {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered convolution backends -- import one, e.g. _ "github.com/gomlx/convdispatch/backends/goref"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find convolution backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
