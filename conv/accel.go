// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
)

// The accelerated route. Every operation is phrased as one of the backend's
// three kinds over a forward-problem geometry: a transposed convolution is
// the BackwardInput of the forward problem whose input is its result, so it
// lands on the BackwardInput algorithm set and cache.

func convGeometry(input, weight, output *tensors.Tensor, p *params, groups int) backends.ConvGeometry {
	return backends.ConvGeometry{
		Input:    input.Shape(),
		Weight:   weight.Shape(),
		Output:   output.Shape(),
		Padding:  p.padding,
		Stride:   p.stride,
		Dilation: p.dilation,
		Groups:   groups,
	}
}

// addBiasTo accumulates a rank-1 bias into the channel axis of output
// through a broadcasting view.
func addBiasTo(output, bias *tensors.Tensor) {
	view := bias.Unsqueeze(0)
	for view.Rank() < output.Rank() {
		view = view.Unsqueeze(view.Rank())
	}
	tensors.AccumulateInto(output, view.Expand(output.Dims()...))
}

func (e *Engine) accelForward(input, weight, bias *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	outDims, err := OutputSize(input.Dims(), weight.Dims(), p.padding, p.stride, p.dilation)
	if err != nil {
		return nil, err
	}
	output := tensors.NewOnDevice(input.Device(), input.DType(), outDims...)
	if e.caps.NativeGroups || p.groups == 1 {
		geom := convGeometry(input, weight, output, p, p.groups)
		if err := e.exec(backends.Forward, geom, input, weight, output); err != nil {
			return nil, err
		}
	} else {
		// Legacy backends take one group at a time.
		for g := 0; g < p.groups; g++ {
			inputG := narrowGroup(input, 1, p.groups, g)
			weightG := narrowGroup(weight, 0, p.groups, g)
			outputG := narrowGroup(output, 1, p.groups, g)
			geom := convGeometry(inputG, weightG, outputG, p, 1)
			if err := e.exec(backends.Forward, geom, inputG, weightG, outputG); err != nil {
				return nil, err
			}
		}
	}
	if bias != nil {
		addBiasTo(output, bias)
	}
	return output, nil
}

func (e *Engine) accelTransposeForward(input, weight, bias *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	outDims, err := InputSize(input.Dims(), weight.Dims(), p.padding, p.outputPadding, p.stride, p.dilation, p.groups)
	if err != nil {
		return nil, err
	}
	output := tensors.NewOnDevice(input.Device(), input.DType(), outDims...)
	// Dual forward problem: output plays the input role, input the output
	// role, the weight keeps its [in, out/groups, kernel...] layout.
	if e.caps.NativeGroups || p.groups == 1 {
		geom := convGeometry(output, weight, input, p, p.groups)
		if err := e.exec(backends.BackwardInput, geom, output, weight, input); err != nil {
			return nil, err
		}
	} else {
		for g := 0; g < p.groups; g++ {
			outputG := narrowGroup(output, 1, p.groups, g)
			weightG := narrowGroup(weight, 0, p.groups, g)
			inputG := narrowGroup(input, 1, p.groups, g)
			geom := convGeometry(outputG, weightG, inputG, p, 1)
			if err := e.exec(backends.BackwardInput, geom, outputG, weightG, inputG); err != nil {
				return nil, err
			}
		}
	}
	if bias != nil {
		addBiasTo(output, bias)
	}
	return output, nil
}

// accelBackwardWeight computes the weight gradient on the backend. For a
// transposed convolution the roles of input and output gradient swap, per
// the same duality as accelTransposeForward.
func (e *Engine) accelBackwardWeight(gradWeight, input, gradOutput *tensors.Tensor, p *params) error {
	in, gOut := input, gradOutput
	if p.transposed {
		in, gOut = gradOutput, input
	}
	if e.caps.NativeGroups || p.groups == 1 {
		geom := convGeometry(in, gradWeight, gOut, p, p.groups)
		return e.exec(backends.BackwardWeight, geom, in, gradWeight, gOut)
	}
	for g := 0; g < p.groups; g++ {
		inG := narrowGroup(in, 1, p.groups, g)
		gradWeightG := narrowGroup(gradWeight, 0, p.groups, g)
		gOutG := narrowGroup(gOut, 1, p.groups, g)
		geom := convGeometry(inG, gradWeightG, gOutG, p, 1)
		if err := e.exec(backends.BackwardWeight, geom, inG, gradWeightG, gOutG); err != nil {
			return err
		}
	}
	return nil
}
