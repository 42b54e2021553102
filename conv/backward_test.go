// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"math/rand"
	"testing"

	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sumProduct is the scalar loss sum(a * b), the standard probe for gradient
// checks: dLoss/da = b.
func sumProduct(a, b *tensors.Tensor) float64 {
	aFlat := tensors.Flat[float64](a.Contiguous())
	bFlat := tensors.Flat[float64](b.Contiguous())
	total := 0.0
	for ii := range aFlat {
		total += aFlat[ii] * bFlat[ii]
	}
	return total
}

// numericalGrad perturbs every element of target and differentiates
// loss = sum(conv(input, weight) * gradOutput) by central differences.
func numericalGrad(t *testing.T, e *Engine, input, weight, gradOutput, target *tensors.Tensor, spec Spec) []float64 {
	t.Helper()
	const eps = 1e-6
	flat := tensors.Flat[float64](target)
	grad := make([]float64, len(flat))
	for ii := range flat {
		saved := flat[ii]
		flat[ii] = saved + eps
		plus, err := e.Convolution(input, weight, nil, spec)
		require.NoError(t, err)
		flat[ii] = saved - eps
		minus, err := e.Convolution(input, weight, nil, spec)
		require.NoError(t, err)
		flat[ii] = saved
		grad[ii] = (sumProduct(plus, gradOutput) - sumProduct(minus, gradOutput)) / (2 * eps)
	}
	return grad
}

func newF64Problem(inputDims, weightDims []int, seed int64) (input, weight *tensors.Tensor) {
	rng := rand.New(rand.NewSource(seed))
	input = tensors.New(dtypes.Float64, inputDims...)
	weight = tensors.New(dtypes.Float64, weightDims...)
	fillRandom(input, rng)
	fillRandom(weight, rng)
	return
}

func TestBackwardAgainstNumericalGradient(t *testing.T) {
	cases := []struct {
		name                  string
		inputDims, weightDims []int
		spec                  Spec
	}{
		{"plain", []int{1, 1, 4, 4}, []int{1, 1, 2, 2}, Spec{Padding: []int{1, 1}}},
		{"strided-dilated", []int{1, 2, 6, 6}, []int{2, 2, 2, 2}, Spec{Stride: []int{2, 2}, Dilation: []int{2, 2}}},
		{"grouped", []int{1, 4, 4, 4}, []int{4, 2, 2, 2}, Spec{Groups: 2}},
		{"transposed", []int{1, 2, 3, 3}, []int{2, 3, 2, 2}, Spec{Stride: []int{2, 2}, Transposed: true}},
		{"1d", []int{2, 1, 6}, []int{2, 1, 3}, Spec{Padding: []int{1}}},
	}
	e := New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input, weight := newF64Problem(tc.inputDims, tc.weightDims, 23)
			output, err := e.Convolution(input, weight, nil, tc.spec)
			require.NoError(t, err)
			gradOutput := tensors.New(dtypes.Float64, output.Dims()...)
			fillRandom(gradOutput, rand.New(rand.NewSource(29)))

			gradInput, err := e.BackwardInput(input.Dims(), weight, gradOutput, tc.spec)
			require.NoError(t, err)
			require.Equal(t, input.Dims(), gradInput.Dims())
			wantInput := numericalGrad(t, e, input, weight, gradOutput, input, tc.spec)
			gotInput := tensors.Flat[float64](gradInput)
			for ii := range wantInput {
				require.InDelta(t, wantInput[ii], gotInput[ii], 1e-5, "gradInput element %d", ii)
			}

			gradWeight, err := e.BackwardWeight(weight.Dims(), input, gradOutput, tc.spec)
			require.NoError(t, err)
			require.Equal(t, weight.Dims(), gradWeight.Dims())
			wantWeight := numericalGrad(t, e, input, weight, gradOutput, weight, tc.spec)
			gotWeight := tensors.Flat[float64](gradWeight)
			for ii := range wantWeight {
				require.InDelta(t, wantWeight[ii], gotWeight[ii], 1e-5, "gradWeight element %d", ii)
			}
		})
	}
}

// With a ones gradOutput, every input-gradient pixel is the sum of the
// weight taps whose windows reach it: the full per-channel weight sum in the
// interior, fewer taps towards the borders.
func TestBackwardInputOnesGradient(t *testing.T) {
	e := New()
	inputDims := []int{2, 3, 8, 8}
	weight := tensors.New(dtypes.Float64, 4, 3, 3, 3)
	fillRandom(weight, rand.New(rand.NewSource(37)))
	gradOutput := tensors.New(dtypes.Float64, 2, 4, 6, 6)
	tensors.Fill(gradOutput, 1)

	gradInput, err := e.BackwardInput(inputDims, weight, gradOutput, Spec{})
	require.NoError(t, err)
	require.Equal(t, inputDims, gradInput.Dims())

	outH, outW := gradOutput.Dim(2), gradOutput.Dim(3)
	for c := 0; c < inputDims[1]; c++ {
		for h := 0; h < inputDims[2]; h++ {
			for w := 0; w < inputDims[3]; w++ {
				want := 0.0
				for oc := 0; oc < weight.Dim(0); oc++ {
					for kh := 0; kh < weight.Dim(2); kh++ {
						if oh := h - kh; oh < 0 || oh >= outH {
							continue
						}
						for kw := 0; kw < weight.Dim(3); kw++ {
							if ow := w - kw; ow < 0 || ow >= outW {
								continue
							}
							want += tensors.At[float64](weight, oc, c, kh, kw)
						}
					}
				}
				for n := 0; n < inputDims[0]; n++ {
					require.InDelta(t, want, tensors.At[float64](gradInput, n, c, h, w),
						1e-9, "gradInput[%d,%d,%d,%d]", n, c, h, w)
				}
			}
		}
	}
}

// The accelerated backward operations must match the host composition.
func TestBackwardAcceleratedMatchesCompose(t *testing.T) {
	inputDims := []int{2, 4, 7, 7}
	weightDims := []int{6, 2, 3, 3}
	spec := Spec{Stride: []int{2, 2}, Padding: []int{1, 1}, Groups: 2}
	gradOutputDims := []int{2, 6, 4, 4}

	host := New()
	hostIn, hostW, _ := newProblem(tensors.CPU, inputDims, weightDims, 0)
	hostGradOut := tensors.New(dtypes.Float32, gradOutputDims...)
	fillRandom(hostGradOut, rand.New(rand.NewSource(31)))

	wantGradInput, err := host.BackwardInput(inputDims, hostW, hostGradOut, spec)
	require.NoError(t, err)
	wantGradWeight, err := host.BackwardWeight(weightDims, hostIn, hostGradOut, spec)
	require.NoError(t, err)

	for _, config := range []string{"goref:", "goref:legacy"} {
		t.Run(config, func(t *testing.T) {
			accel := New(WithBackendConfig(config))
			in, w, _ := newProblem(tensors.CUDA, inputDims, weightDims, 0)
			gradOut := tensors.NewOnDevice(tensors.CUDA, dtypes.Float32, gradOutputDims...)
			fillRandom(gradOut, rand.New(rand.NewSource(31)))

			gradInput, err := accel.BackwardInput(inputDims, w, gradOut, spec)
			require.NoError(t, err)
			assertClose(t, wantGradInput, gradInput, 1e-3)

			gradWeight, err := accel.BackwardWeight(weightDims, in, gradOut, spec)
			require.NoError(t, err)
			assertClose(t, wantGradWeight, gradWeight, 1e-3)
		})
	}
}

func TestBackwardBias(t *testing.T) {
	e := New()
	gradOutput := tensors.FromFlat([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, 1, 2, 2, 2)
	gradBias, err := e.BackwardBias(gradOutput)
	require.NoError(t, err)
	require.Equal(t, []int{2}, gradBias.Dims())
	assert.Equal(t, []float32{10, 26}, tensors.Flat[float32](gradBias))

	var shapeErr *ShapeMismatchError
	_, err = e.BackwardBias(nil)
	require.ErrorAs(t, err, &shapeErr)
	_, err = e.BackwardBias(tensors.New(dtypes.Float32, 2, 2))
	require.ErrorAs(t, err, &shapeErr)
}

func TestBackwardMask(t *testing.T) {
	e := New()
	input, weight, _ := newProblem(tensors.CPU, []int{1, 2, 5, 5}, []int{3, 2, 3, 3}, 0)
	output, err := e.Convolution(input, weight, nil, Spec{})
	require.NoError(t, err)

	gradInput, gradWeight, gradBias, err := e.Backward(input, weight, output, Spec{}, [3]bool{true, false, true})
	require.NoError(t, err)
	require.NotNil(t, gradInput)
	assert.Equal(t, input.Dims(), gradInput.Dims())
	assert.Nil(t, gradWeight)
	require.NotNil(t, gradBias)
	assert.Equal(t, []int{3}, gradBias.Dims())
}

func TestBackwardErrors(t *testing.T) {
	e := New()
	input, weight, _ := newProblem(tensors.CPU, []int{1, 2, 5, 5}, []int{3, 2, 3, 3}, 0)

	var shapeErr *ShapeMismatchError
	_, err := e.BackwardInput(input.Dims(), nil, input, Spec{})
	require.ErrorAs(t, err, &shapeErr)

	// gradOutput dims must match the forward result exactly.
	wrong := tensors.New(dtypes.Float32, 1, 3, 4, 4)
	_, err = e.BackwardInput(input.Dims(), weight, wrong, Spec{})
	require.ErrorAs(t, err, &shapeErr)
	_, err = e.BackwardWeight(weight.Dims(), input, wrong, Spec{})
	require.ErrorAs(t, err, &shapeErr)

	// Rank mismatch between inputDims and the tensors.
	good := tensors.New(dtypes.Float32, 1, 3, 3, 3)
	_, err = e.BackwardInput([]int{1, 2, 5}, weight, good, Spec{})
	require.ErrorAs(t, err, &shapeErr)
}
