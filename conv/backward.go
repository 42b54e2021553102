// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"slices"

	"github.com/gomlx/convdispatch/tensors"
)

// BackwardInput computes the gradient of the convolution output with
// respect to its input. inputDims are the full dims of the original input,
// which the gradient will have.
//
// The gradient of a convolution is the transposed convolution of the output
// gradient with the same weight (and vice versa), so this reenters the
// forward dispatcher with the transposed flag flipped.
func (e *Engine) BackwardInput(inputDims []int, weight, gradOutput *tensors.Tensor, spec Spec) (*tensors.Tensor, error) {
	if weight == nil || gradOutput == nil {
		return nil, shapeErrorf("backward-input weight and gradOutput must not be nil")
	}
	k := weight.Rank()
	if gradOutput.Rank() != k || len(inputDims) != k {
		return nil, shapeErrorf("backward-input expects inputDims (%d), weight (%d axes) and gradOutput (%d axes) of matching rank",
			len(inputDims), k, gradOutput.Rank())
	}
	p, err := normalize(spec, k-2)
	if err != nil {
		return nil, err
	}
	if err := e.checkGradOutput(inputDims, weight.Dims(), gradOutput, p); err != nil {
		return nil, err
	}

	if !p.transposed {
		// Output padding recovers the input pixels past the last window.
		flip := p.spec()
		flip.Transposed = true
		flip.OutputPadding = make([]int, k-2)
		for d := 0; d < k-2; d++ {
			covered := (gradOutput.Dim(2+d)-1)*p.stride[d] - 2*p.padding[d] +
				p.dilation[d]*(weight.Dim(2+d)-1) + 1
			flip.OutputPadding[d] = inputDims[2+d] - covered
		}
		return e.Convolution(gradOutput, weight, nil, flip)
	}

	// Transposed forward: the gradient is a plain convolution; the result
	// covers at least the original input and is narrowed back to it.
	flip := p.spec()
	flip.Transposed = false
	flip.OutputPadding = nil
	gradInput, err := e.Convolution(gradOutput, weight, nil, flip)
	if err != nil {
		return nil, err
	}
	for d := 2; d < k; d++ {
		if gradInput.Dim(d) > inputDims[d] {
			gradInput = gradInput.Narrow(d, 0, inputDims[d])
		}
	}
	return gradInput.Contiguous(), nil
}

// BackwardWeight computes the gradient of the convolution output with
// respect to the weight, of the given full weight dims.
//
// On the accelerated route this is the backend's BackwardWeight operation,
// with its own algorithm set and cache. Elsewhere it is composed from the
// forward dispatcher by moving the batch axis into the channel position of
// both tensors and swapping stride with dilation.
func (e *Engine) BackwardWeight(weightDims []int, input, gradOutput *tensors.Tensor, spec Spec) (*tensors.Tensor, error) {
	if input == nil || gradOutput == nil {
		return nil, shapeErrorf("backward-weight input and gradOutput must not be nil")
	}
	k := input.Rank()
	if gradOutput.Rank() != k || len(weightDims) != k {
		return nil, shapeErrorf("backward-weight expects weightDims (%d), input (%d axes) and gradOutput (%d axes) of matching rank",
			len(weightDims), k, gradOutput.Rank())
	}
	p, err := normalize(spec, k-2)
	if err != nil {
		return nil, err
	}
	if err := e.checkGradOutput(input.Dims(), weightDims, gradOutput, p); err != nil {
		return nil, err
	}

	input = input.Contiguous()
	gradOutput = gradOutput.Contiguous()
	if e.useAccel(input, gradOutput, p) {
		gradWeight := tensors.NewOnDevice(input.Device(), input.DType(), weightDims...)
		if err := e.accelBackwardWeight(gradWeight, input, gradOutput, p); err != nil {
			return nil, err
		}
		return gradWeight, nil
	}
	return e.backwardWeightCompose(weightDims, input, gradOutput, p)
}

// backwardWeightCompose phrases the weight gradient as a forward
// convolution: transposing batch and channels on both tensors turns the
// batch into the reduction axis, with stride and dilation swapping roles.
// Groups are sliced by hand since the channel axes are rearranged.
func (e *Engine) backwardWeightCompose(weightDims []int, input, gradOutput *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	gwSpec := Spec{Stride: p.dilation, Padding: p.padding, Dilation: p.stride, Groups: 1}
	inputT := input.Transpose(0, 1)
	gradOutputT := gradOutput.Transpose(0, 1)

	var gradWeightT *tensors.Tensor
	var err error
	if p.groups == 1 {
		if p.transposed {
			gradWeightT, err = e.Convolution(gradOutputT, inputT, nil, gwSpec)
		} else {
			gradWeightT, err = e.Convolution(inputT, gradOutputT, nil, gwSpec)
		}
		if err != nil {
			return nil, err
		}
	} else {
		parts := make([]*tensors.Tensor, p.groups)
		for g := range parts {
			inputG := narrowGroup(inputT, 0, p.groups, g)
			gradOutputG := narrowGroup(gradOutputT, 0, p.groups, g)
			if p.transposed {
				parts[g], err = e.Convolution(gradOutputG, inputG, nil, gwSpec)
			} else {
				parts[g], err = e.Convolution(inputG, gradOutputG, nil, gwSpec)
			}
			if err != nil {
				return nil, err
			}
		}
		gradWeightT = tensors.Cat(parts, 1)
	}

	gradWeight := gradWeightT.Transpose(0, 1)
	// With stride and dilation swapped the spatial result can overshoot the
	// kernel size; only the leading window positions are real gradient.
	for d := 2; d < len(weightDims); d++ {
		if gradWeight.Dim(d) > weightDims[d] {
			gradWeight = gradWeight.Narrow(d, 0, weightDims[d])
		}
	}
	if !slices.Equal(gradWeight.Dims(), weightDims) {
		return nil, shapeErrorf("backward-weight produced %v, expected weight dims %v", gradWeight.Dims(), weightDims)
	}
	return gradWeight.Contiguous(), nil
}

// BackwardBias computes the gradient with respect to the bias: the output
// gradient summed over every axis except the channel axis.
func (e *Engine) BackwardBias(gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	if gradOutput == nil || gradOutput.Rank() < 3 {
		return nil, shapeErrorf("backward-bias expects a channels-first output gradient with at least 3 axes")
	}
	return tensors.SumExcept(gradOutput, 1), nil
}

// Backward computes the gradients requested by mask, in the order
// (input, weight, bias). Unrequested results are nil.
func (e *Engine) Backward(input, weight, gradOutput *tensors.Tensor, spec Spec,
	mask [3]bool) (gradInput, gradWeight, gradBias *tensors.Tensor, err error) {
	if mask[0] {
		gradInput, err = e.BackwardInput(input.Dims(), weight, gradOutput, spec)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if mask[1] {
		gradWeight, err = e.BackwardWeight(weight.Dims(), input, gradOutput, spec)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if mask[2] {
		gradBias, err = e.BackwardBias(gradOutput)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return gradInput, gradWeight, gradBias, nil
}

// checkGradOutput validates that gradOutput has exactly the dims the forward
// call would have produced.
func (e *Engine) checkGradOutput(inputDims, weightDims []int, gradOutput *tensors.Tensor, p *params) error {
	var expected []int
	var err error
	if p.transposed {
		expected, err = InputSize(inputDims, weightDims, p.padding, p.outputPadding, p.stride, p.dilation, p.groups)
	} else {
		expected, err = OutputSize(inputDims, weightDims, p.padding, p.stride, p.dilation)
	}
	if err != nil {
		return err
	}
	if !slices.Equal(gradOutput.Dims(), expected) {
		return shapeErrorf("gradOutput has dims %v, but the forward convolution of input %v with weight %v produces %v",
			gradOutput.Dims(), inputDims, weightDims, expected)
	}
	return nil
}
