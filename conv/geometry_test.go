// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"testing"

	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputSize(t *testing.T) {
	out, err := OutputSize([]int{2, 3, 8, 8}, []int{4, 3, 3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 8, 8}, out)

	// Kernel larger than the padded input.
	_, err = OutputSize([]int{1, 1, 2, 2}, []int{1, 1, 5, 5}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	var shapeErr *ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
}

func TestInputSizeInvertsOutputSize(t *testing.T) {
	inputDims := []int{2, 6, 13, 9}
	weightDims := []int{4, 3, 3, 3}
	padding, stride, dilation := []int{1, 0}, []int{2, 1}, []int{1, 2}
	groups := 2

	out, err := OutputSize(inputDims, weightDims, padding, stride, dilation)
	require.NoError(t, err)
	outputPadding := make([]int, 2)
	for d := 0; d < 2; d++ {
		covered := (out[2+d]-1)*stride[d] - 2*padding[d] + dilation[d]*(weightDims[2+d]-1) + 1
		outputPadding[d] = inputDims[2+d] - covered
	}
	in, err := InputSize(out, weightDims, padding, outputPadding, stride, dilation, groups)
	require.NoError(t, err)
	assert.Equal(t, inputDims, in)

	_, err = InputSize([]int{1, 1, 1, 1}, []int{1, 1, 9, 9}, []int{5, 5}, []int{0, 0}, []int{1, 1}, []int{1, 1}, 1)
	var shapeErr *ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
}

func TestWeightSize(t *testing.T) {
	w, err := WeightSize([]int{2, 4, 8, 8}, []int{2, 3, 8, 8}, []int{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 3, 3}, w)
}

func TestCheckShapeForward(t *testing.T) {
	mustParams := func(spec Spec) *params {
		p, err := normalize(spec, 2)
		require.NoError(t, err)
		return p
	}
	input := tensors.New(dtypes.Float32, 2, 6, 8, 8)
	weight := tensors.New(dtypes.Float32, 4, 3, 3, 3)
	bias := tensors.New(dtypes.Float32, 4)

	require.NoError(t, checkShapeForward(input, weight, bias, mustParams(Spec{Groups: 2})))

	// Rank mismatch.
	err := checkShapeForward(input, tensors.New(dtypes.Float32, 4, 3, 3), nil, mustParams(Spec{}))
	var shapeErr *ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)

	// Weight dim 0 must be divisible by groups.
	err = checkShapeForward(input, weight, nil, mustParams(Spec{Groups: 3}))
	require.ErrorAs(t, err, &shapeErr)
	err = checkShapeForward(input, weight, nil, mustParams(Spec{Groups: 8}))
	require.ErrorAs(t, err, &shapeErr)

	// DType agreement, input/weight and input/bias.
	err = checkShapeForward(input, tensors.New(dtypes.Float64, 4, 3, 3, 3), nil, mustParams(Spec{Groups: 2}))
	require.ErrorAs(t, err, &shapeErr)
	err = checkShapeForward(input, weight, tensors.New(dtypes.Float64, 4), mustParams(Spec{Groups: 2}))
	require.ErrorAs(t, err, &shapeErr)

	// Channel count: input channels = weight.Dim(1) * groups.
	err = checkShapeForward(input, weight, nil, mustParams(Spec{}))
	require.ErrorAs(t, err, &shapeErr)

	// Bias length follows weight.Dim(0).
	err = checkShapeForward(input, weight, tensors.New(dtypes.Float32, 3), mustParams(Spec{Groups: 2}))
	require.ErrorAs(t, err, &shapeErr)

	// Transposed layout swaps the channel roles: weight is [in, out/groups, ...].
	tInput := tensors.New(dtypes.Float32, 2, 4, 8, 8)
	tWeight := tensors.New(dtypes.Float32, 4, 3, 3, 3)
	tBias := tensors.New(dtypes.Float32, 6)
	require.NoError(t, checkShapeForward(tInput, tWeight, tBias, mustParams(Spec{Transposed: true, Groups: 2})))
	err = checkShapeForward(input, tWeight, nil, mustParams(Spec{Transposed: true, Groups: 2}))
	require.ErrorAs(t, err, &shapeErr)
	err = checkShapeForward(tInput, tWeight, tensors.New(dtypes.Float32, 4), mustParams(Spec{Transposed: true, Groups: 2}))
	require.ErrorAs(t, err, &shapeErr)
}
