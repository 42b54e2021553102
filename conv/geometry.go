// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
)

// OutputSize computes the full output dims of a forward convolution,
// batch and channel axes included. Parameter slices must have one entry per
// spatial axis. It fails when any output dim would not be positive.
func OutputSize(inputDims, weightDims, padding, stride, dilation []int) ([]int, error) {
	out := backends.ConvOutputDims(inputDims, weightDims, padding, stride, dilation)
	for d := 2; d < len(out); d++ {
		if out[d] <= 0 {
			return nil, shapeErrorf(
				"calculated output size %v is too small for input %v and weight %v (padding=%v, stride=%v, dilation=%v)",
				out, inputDims, weightDims, padding, stride, dilation)
		}
	}
	return out, nil
}

// InputSize inverts OutputSize: the input dims that produce the given output
// dims, which is also the output-size rule of a transposed convolution.
func InputSize(outputDims, weightDims, padding, outputPadding, stride, dilation []int, groups int) ([]int, error) {
	in := backends.ConvInputDims(outputDims, weightDims, padding, outputPadding, stride, dilation, groups)
	for d := 2; d < len(in); d++ {
		if in[d] <= 0 {
			return nil, shapeErrorf(
				"calculated input size %v is too small for output %v and weight %v (padding=%v, output_padding=%v, stride=%v, dilation=%v)",
				in, outputDims, weightDims, padding, outputPadding, stride, dilation)
		}
	}
	return in, nil
}

// WeightSize recovers the weight dims that connect the given input and
// output dims.
func WeightSize(outputDims, inputDims, padding, outputPadding, stride, dilation []int, groups int) ([]int, error) {
	weight := backends.ConvWeightDims(outputDims, inputDims, padding, outputPadding, stride, dilation, groups)
	for d := 2; d < len(weight); d++ {
		if weight[d] <= 0 {
			return nil, shapeErrorf(
				"calculated weight size %v is not positive for output %v and input %v (padding=%v, output_padding=%v, stride=%v, dilation=%v)",
				weight, outputDims, inputDims, padding, outputPadding, stride, dilation)
		}
	}
	return weight, nil
}

// checkShapeForward validates input, weight and bias against each other
// before dispatch. The transposed weight layout swaps the channel roles:
// non-transposed weight is [out, in/groups, kernel...], transposed weight is
// [in, out/groups, kernel...].
func checkShapeForward(input, weight, bias *tensors.Tensor, p *params) error {
	k := input.Rank()
	if weight.Rank() != k {
		return shapeErrorf("expected %d-dimensional weight for %d-dimensional input %v, but got weight of size %v instead",
			k, k, input.Dims(), weight.Dims())
	}
	if weight.Dim(0) < p.groups {
		return shapeErrorf("given groups=%d, expected weight to be at least %d at dimension 0, but got weight of size %v instead",
			p.groups, p.groups, weight.Dims())
	}
	if weight.Dim(0)%p.groups != 0 {
		return shapeErrorf("given groups=%d, expected weight to be divisible by %d at dimension 0, but got weight of size %v instead",
			p.groups, p.groups, weight.Dims())
	}
	if input.DType() != weight.DType() {
		return shapeErrorf("input dtype (%s) and weight dtype (%s) should be the same", input.DType(), weight.DType())
	}
	if bias != nil && input.DType() != bias.DType() {
		return shapeErrorf("input dtype (%s) and bias dtype (%s) should be the same", input.DType(), bias.DType())
	}

	if !p.transposed {
		if input.Dim(1) != weight.Dim(1)*p.groups {
			return shapeErrorf("given groups=%d, weight%v, so expected input%v to have %d channels, but got %d channels instead",
				p.groups, weight.Dims(), input.Dims(), weight.Dim(1)*p.groups, input.Dim(1))
		}
		if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != weight.Dim(0)) {
			return shapeErrorf("given weight of size %v, expected bias to be 1-dimensional with %d elements, but got bias of size %v instead",
				weight.Dims(), weight.Dim(0), bias.Dims())
		}
		return nil
	}
	if input.Dim(1) != weight.Dim(0) {
		return shapeErrorf("given transposed=true, weight%v, so expected input%v to have %d channels, but got %d channels instead",
			weight.Dims(), input.Dims(), weight.Dim(0), input.Dim(1))
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != weight.Dim(1)*p.groups) {
		return shapeErrorf("given transposed=true, weight of size %v, expected bias to be 1-dimensional with %d elements, but got bias of size %v instead",
			weight.Dims(), weight.Dim(1)*p.groups, bias.Dims())
	}
	return nil
}
