// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"math/rand"
	"testing"

	"github.com/gomlx/convdispatch/backends/goref"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillRandom(t *tensors.Tensor, rng *rand.Rand) {
	switch flat := t.Data().(type) {
	case []float32:
		for ii := range flat {
			flat[ii] = rng.Float32() - 0.5
		}
	case []float64:
		for ii := range flat {
			flat[ii] = rng.Float64() - 0.5
		}
	}
}

// newProblem builds input, weight and bias with the same pseudo-random data
// on every call, on the requested device.
func newProblem(device tensors.Device, inputDims, weightDims []int, biasLen int) (input, weight, bias *tensors.Tensor) {
	rng := rand.New(rand.NewSource(11))
	input = tensors.NewOnDevice(device, dtypes.Float32, inputDims...)
	weight = tensors.NewOnDevice(device, dtypes.Float32, weightDims...)
	fillRandom(input, rng)
	fillRandom(weight, rng)
	if biasLen > 0 {
		bias = tensors.NewOnDevice(device, dtypes.Float32, biasLen)
		fillRandom(bias, rng)
	}
	return
}

func assertClose(t *testing.T, want, got *tensors.Tensor, delta float64) {
	t.Helper()
	require.Equal(t, want.Dims(), got.Dims())
	wantFlat := tensors.Flat[float32](want.Contiguous())
	gotFlat := tensors.Flat[float32](got.Contiguous())
	for ii := range wantFlat {
		require.InDelta(t, wantFlat[ii], gotFlat[ii], delta, "element %d", ii)
	}
}

func TestConv1DHandComputed(t *testing.T) {
	e := New()
	input := tensors.FromFlat([]float32{1, 2, 3, 4, 5}, 1, 1, 5)
	weight := tensors.FromFlat([]float32{1, 0, -1}, 1, 1, 3)
	output, err := e.Conv1D(input, weight, nil, nil, nil, nil, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 3}, output.Dims())
	assert.Equal(t, []float32{-2, -2, -2}, tensors.Flat[float32](output))

	// Stride 2 with padding 1 keeps the even positions.
	output, err = e.Conv1D(input, weight, nil, []int{2}, []int{1}, nil, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 3}, output.Dims())
	assert.Equal(t, []float32{-2, -2, 4}, tensors.Flat[float32](output))
}

// One grouped, strided, dilated 2-D problem with bias, computed on every
// execution path. All must agree with the generic fallback.
func TestPathEquivalence(t *testing.T) {
	inputDims := []int{2, 4, 9, 9}
	weightDims := []int{6, 2, 3, 3}
	spec := Spec{Stride: []int{2, 1}, Padding: []int{1, 1}, Dilation: []int{1, 2}, Groups: 2}

	host := New()
	input, weight, bias := newProblem(tensors.CPU, inputDims, weightDims, weightDims[0])
	reference, err := host.Convolution(input, weight, bias, spec)
	require.NoError(t, err)
	require.Equal(t, []int{2, 6, 5, 7}, reference.Dims())

	engines := map[string]*Engine{
		"accel":         New(WithBackendConfig("goref:")),
		"accel-legacy":  New(WithBackendConfig("goref:legacy")),
		"benchmark":     New(WithBackendConfig("goref:"), WithBenchmark(true)),
		"deterministic": New(WithBackendConfig("goref:"), WithDeterministic(true)),
		"disabled":      New(WithBackendConfig("goref:"), WithBackendEnabled(false)),
	}
	for name, e := range engines {
		t.Run(name, func(t *testing.T) {
			input, weight, bias := newProblem(tensors.CUDA, inputDims, weightDims, weightDims[0])
			output, err := e.Convolution(input, weight, bias, spec)
			require.NoError(t, err)
			assertClose(t, reference, output, 1e-3)
		})
	}

	// The benchmark sweep cached its winner.
	assert.Equal(t, 1, engines["benchmark"].CachedAlgorithms())
	assert.Equal(t, 0, engines["accel"].CachedAlgorithms(), "the heuristic pick is not cached")
	engines["benchmark"].ResetCaches()
	assert.Equal(t, 0, engines["benchmark"].CachedAlgorithms())
}

func TestCPUFastPath(t *testing.T) {
	inputDims := []int{1, 3, 8, 8}
	weightDims := []int{5, 3, 3, 3}
	input, weight, bias := newProblem(tensors.CPU, inputDims, weightDims, 5)

	e := New()
	fast, err := e.Conv2D(input, weight, bias, []int{1, 1}, []int{1, 1}, nil, 1)
	require.NoError(t, err)

	slow, err := goref.Kernels{}.Conv2D(input, weight, bias, []int{1, 1}, []int{1, 1})
	require.NoError(t, err)
	assertClose(t, slow, fast, 1e-3)
}

func TestDepthwisePath(t *testing.T) {
	inputDims := []int{1, 3, 6, 6}
	weightDims := []int{6, 1, 3, 3}
	spec := Spec{Padding: []int{1, 1}, Groups: 3}

	hostInput, hostWeight, hostBias := newProblem(tensors.CPU, inputDims, weightDims, 6)
	reference, err := New().Convolution(hostInput, hostWeight, hostBias, spec)
	require.NoError(t, err)

	input, weight, bias := newProblem(tensors.CUDA, inputDims, weightDims, 6)
	e := New(WithBackendConfig("goref:"))
	output, err := e.Convolution(input, weight, bias, spec)
	require.NoError(t, err)
	assertClose(t, reference, output, 1e-3)

	// The depthwise kernel belongs to the device, not to the algorithm
	// library: disabling the backend keeps it available.
	disabled := New(WithBackendConfig("goref:"), WithBackendEnabled(false))
	output, err = disabled.Convolution(input, weight, bias, spec)
	require.NoError(t, err)
	assertClose(t, reference, output, 1e-3)
}

func TestTransposedConvolution(t *testing.T) {
	e := New()

	// Stride 2 with a 2x2 all-ones kernel tiles the output exactly.
	input := tensors.FromFlat([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	weight := tensors.FromFlat([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	output, err := e.ConvTranspose2D(input, weight, nil, []int{2, 2}, []int{0, 0}, nil, nil, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 4, 4}, output.Dims())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, tensors.Flat[float32](output))

	// Grouped transposed problem: host fallback against the accelerated
	// route, which runs it as the dual backward-input operation.
	inputDims := []int{2, 4, 5, 5}
	weightDims := []int{4, 3, 3, 3}
	spec := Spec{Stride: []int{2, 2}, Padding: []int{1, 1}, Transposed: true, Groups: 2}
	hostIn, hostW, hostB := newProblem(tensors.CPU, inputDims, weightDims, 6)
	reference, err := New().Convolution(hostIn, hostW, hostB, spec)
	require.NoError(t, err)
	require.Equal(t, []int{2, 6, 9, 9}, reference.Dims())

	for _, config := range []string{"goref:", "goref:legacy"} {
		in, w, b := newProblem(tensors.CUDA, inputDims, weightDims, 6)
		accel := New(WithBackendConfig(config))
		output, err := accel.Convolution(in, w, b, spec)
		require.NoError(t, err)
		assertClose(t, reference, output, 1e-3)
	}
}

func TestBigOutputPaddingFallsBack(t *testing.T) {
	// Output padding >= dilation cannot run on the backend kernels; the
	// generic fallback still handles it.
	inputDims := []int{1, 2, 4, 4}
	weightDims := []int{2, 2, 3, 3}
	spec := Spec{Stride: []int{3, 3}, OutputPadding: []int{2, 2}, Transposed: true}

	hostIn, hostW, _ := newProblem(tensors.CPU, inputDims, weightDims, 0)
	reference, err := New().Convolution(hostIn, hostW, nil, spec)
	require.NoError(t, err)

	in, w, _ := newProblem(tensors.CUDA, inputDims, weightDims, 0)
	accel := New(WithBackendConfig("goref:"))
	output, err := accel.Convolution(in, w, nil, spec)
	require.NoError(t, err)
	assertClose(t, reference, output, 1e-3)
}

func TestLift1DMatches2D(t *testing.T) {
	input, weight, _ := newProblem(tensors.CPU, []int{2, 3, 11}, []int{4, 3, 3}, 0)
	e := New()
	out1d, err := e.Conv1D(input, weight, nil, []int{2}, []int{1}, []int{2}, 1)
	require.NoError(t, err)

	out2d, err := e.Convolution(input.Unsqueeze(2).Contiguous(), weight.Unsqueeze(2).Contiguous(), nil,
		Spec{Stride: []int{1, 2}, Padding: []int{0, 1}, Dilation: []int{1, 2}})
	require.NoError(t, err)
	assertClose(t, out2d.Squeeze(2), out1d, 1e-4)
}

func TestConv3D(t *testing.T) {
	inputDims := []int{1, 2, 5, 5, 5}
	weightDims := []int{3, 2, 2, 2, 2}
	hostIn, hostW, _ := newProblem(tensors.CPU, inputDims, weightDims, 0)
	e := New()
	reference, err := e.Conv3D(hostIn, hostW, nil, nil, nil, nil, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 4, 4, 4}, reference.Dims())

	in, w, _ := newProblem(tensors.CUDA, inputDims, weightDims, 0)
	accel := New(WithBackendConfig("goref:"))
	output, err := accel.Conv3D(in, w, nil, nil, nil, nil, 1)
	require.NoError(t, err)
	assertClose(t, reference, output, 1e-3)
}

func TestAcceleratedDeterminism(t *testing.T) {
	e := New(WithBackendConfig("goref:"), WithBenchmark(true))
	input, weight, _ := newProblem(tensors.CUDA, []int{1, 2, 8, 8}, []int{4, 2, 3, 3}, 0)
	first, err := e.Convolution(input, weight, nil, Spec{Padding: []int{1, 1}})
	require.NoError(t, err)
	for run := 0; run < 3; run++ {
		again, err := e.Convolution(input, weight, nil, Spec{Padding: []int{1, 1}})
		require.NoError(t, err)
		assert.Equal(t, tensors.Flat[float32](first), tensors.Flat[float32](again))
	}
}

func TestConvolutionErrors(t *testing.T) {
	e := New()
	input, weight, _ := newProblem(tensors.CPU, []int{1, 2, 4, 4}, []int{2, 2, 3, 3}, 0)

	var shapeErr *ShapeMismatchError
	_, err := e.Convolution(nil, weight, nil, Spec{})
	require.ErrorAs(t, err, &shapeErr)

	var unsupported *UnsupportedConfigurationError
	_, err = e.Convolution(tensors.New(dtypes.Float32, 2, 2), weight, nil, Spec{})
	require.ErrorAs(t, err, &unsupported)
	_, err = e.Convolution(tensors.New(dtypes.Float32, 1, 1, 2, 2, 2, 2), weight, nil, Spec{})
	require.ErrorAs(t, err, &unsupported)

	var countErr *ArgumentCountError
	_, err = e.Convolution(input, weight, nil, Spec{Stride: []int{1, 1, 1}})
	require.ErrorAs(t, err, &countErr)

	// Geometry that shrinks below one output element.
	_, err = e.Convolution(tensors.New(dtypes.Float32, 1, 2, 2, 2), weight, nil, Spec{})
	require.ErrorAs(t, err, &shapeErr)

	// Rank helpers reject mismatched inputs.
	_, err = e.Conv2D(tensors.New(dtypes.Float32, 1, 2, 4), weight, nil, nil, nil, nil, 1)
	require.ErrorAs(t, err, &shapeErr)
}
