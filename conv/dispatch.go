// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Convolution is the main entry point: it validates the call, lifts 1-D
// problems to 2-D, selects an execution path and runs it. The input may be
// 3-D to 5-D (one to three spatial axes), channels-first. Bias is optional.
func (e *Engine) Convolution(input, weight, bias *tensors.Tensor, spec Spec) (*tensors.Tensor, error) {
	if input == nil || weight == nil {
		return nil, shapeErrorf("convolution input and weight must not be nil")
	}
	k := input.Rank()
	if k < 3 || k > maxSpatialRank+2 {
		return nil, unsupportedf("convolution input must have 3 to %d axes, got %d", maxSpatialRank+2, k)
	}
	p, err := normalize(spec, k-2)
	if err != nil {
		return nil, err
	}
	input = input.Contiguous()
	if err := checkShapeForward(input, weight, bias, p); err != nil {
		return nil, err
	}

	lifted := k == 3
	if lifted {
		p = p.liftedTo2D()
		input = input.Unsqueeze(2)
		weight = weight.Unsqueeze(2)
	}

	output, err := e.dispatch(input, weight, bias, p)
	if err != nil {
		return nil, err
	}
	if lifted {
		output = output.Squeeze(2)
	}
	return output, nil
}

// Conv1D applies a 1-D convolution over a [batch, channels, width] input.
func (e *Engine) Conv1D(input, weight, bias *tensors.Tensor, stride, padding, dilation []int, groups int) (*tensors.Tensor, error) {
	if err := requireRank(input, 3); err != nil {
		return nil, err
	}
	return e.Convolution(input, weight, bias, Spec{Stride: stride, Padding: padding, Dilation: dilation, Groups: groups})
}

// Conv2D applies a 2-D convolution over a [batch, channels, height, width]
// input.
func (e *Engine) Conv2D(input, weight, bias *tensors.Tensor, stride, padding, dilation []int, groups int) (*tensors.Tensor, error) {
	if err := requireRank(input, 4); err != nil {
		return nil, err
	}
	return e.Convolution(input, weight, bias, Spec{Stride: stride, Padding: padding, Dilation: dilation, Groups: groups})
}

// Conv3D applies a 3-D convolution over a [batch, channels, depth, height,
// width] input.
func (e *Engine) Conv3D(input, weight, bias *tensors.Tensor, stride, padding, dilation []int, groups int) (*tensors.Tensor, error) {
	if err := requireRank(input, 5); err != nil {
		return nil, err
	}
	return e.Convolution(input, weight, bias, Spec{Stride: stride, Padding: padding, Dilation: dilation, Groups: groups})
}

// ConvTranspose1D applies a 1-D transposed convolution.
func (e *Engine) ConvTranspose1D(input, weight, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int, groups int) (*tensors.Tensor, error) {
	if err := requireRank(input, 3); err != nil {
		return nil, err
	}
	return e.Convolution(input, weight, bias, Spec{
		Stride: stride, Padding: padding, Dilation: dilation,
		OutputPadding: outputPadding, Transposed: true, Groups: groups,
	})
}

// ConvTranspose2D applies a 2-D transposed convolution.
func (e *Engine) ConvTranspose2D(input, weight, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int, groups int) (*tensors.Tensor, error) {
	if err := requireRank(input, 4); err != nil {
		return nil, err
	}
	return e.Convolution(input, weight, bias, Spec{
		Stride: stride, Padding: padding, Dilation: dilation,
		OutputPadding: outputPadding, Transposed: true, Groups: groups,
	})
}

// ConvTranspose3D applies a 3-D transposed convolution.
func (e *Engine) ConvTranspose3D(input, weight, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int, groups int) (*tensors.Tensor, error) {
	if err := requireRank(input, 5); err != nil {
		return nil, err
	}
	return e.Convolution(input, weight, bias, Spec{
		Stride: stride, Padding: padding, Dilation: dilation,
		OutputPadding: outputPadding, Transposed: true, Groups: groups,
	})
}

func requireRank(t *tensors.Tensor, rank int) error {
	if t == nil {
		return shapeErrorf("expected a %d-dimensional input, got nil", rank)
	}
	if t.Rank() != rank {
		return shapeErrorf("expected a %d-dimensional input, got %s", rank, t.Shape())
	}
	return nil
}

// dispatch selects the execution path. Precedence: depthwise kernel,
// accelerated backend, CPU fast path, generic fallback.
func (e *Engine) dispatch(input, weight, bias *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	// Fail on impossible geometry before any path commits to it.
	if p.transposed {
		if _, err := InputSize(input.Dims(), weight.Dims(), p.padding, p.outputPadding, p.stride, p.dilation, p.groups); err != nil {
			return nil, err
		}
	} else {
		if _, err := OutputSize(input.Dims(), weight.Dims(), p.padding, p.stride, p.dilation); err != nil {
			return nil, err
		}
	}

	switch {
	case e.useDepthwise(input, weight, p):
		klog.V(2).Infof("conv: depthwise path for input %s", input)
		output, err := e.accel.DepthwiseConv2D(input, weight, bias, p.stride, p.padding, p.dilation)
		if err != nil {
			return nil, &BackendError{Backend: e.accel.Name(), Cause: err}
		}
		return output, nil
	case e.useAccel(input, weight, p):
		klog.V(2).Infof("conv: accelerated path (%s) for input %s", e.accel.Name(), input)
		if p.transposed {
			return e.accelTransposeForward(input, weight, bias, p)
		}
		return e.accelForward(input, weight, bias, p)
	case e.useCPUFast(input, weight, p):
		klog.V(2).Infof("conv: cpu fast path for input %s", input)
		output, err := e.generic.Conv2DF32(input, weight, bias, p.stride, p.padding)
		if err != nil {
			return nil, &BackendError{Backend: "generic", Cause: err}
		}
		return output, nil
	}
	return e.fallback(input, weight, bias, p)
}

// useDepthwise gates the specialized depthwise kernel. Unlike useAccel it
// ignores the backend-enabled flag: the kernel belongs to the device, not to
// the algorithm library.
func (e *Engine) useDepthwise(input, weight *tensors.Tensor, p *params) bool {
	return e.accel != nil &&
		input.Device() == e.accel.Device() &&
		weight.Device() == input.Device() &&
		e.caps.DTypes[input.DType()] &&
		p.isDepthwise(input, weight)
}

// useAccel gates the accelerated algorithm-selection route.
func (e *Engine) useAccel(input, weight *tensors.Tensor, p *params) bool {
	if e.accel == nil || !e.backendEnabled {
		return false
	}
	if input.Device() != e.accel.Device() || weight.Device() != input.Device() {
		return false
	}
	if !e.caps.DTypes[input.DType()] {
		return false
	}
	if p.isDilated() && !e.caps.SupportsDilated(e.deterministic) {
		return false
	}
	return !p.isOutputPaddingBig()
}

// useCPUFast gates the single-precision 2-D fast path.
func (e *Engine) useCPUFast(input, weight *tensors.Tensor, p *params) bool {
	return e.generic != nil &&
		input.Device() == tensors.CPU &&
		weight.Device() == tensors.CPU &&
		input.DType() == dtypes.Float32 &&
		!p.transposed &&
		!p.isDilated() &&
		input.Rank() == 4 &&
		p.groups == 1
}

// fallback runs the generic kernels, splitting grouped problems into
// single-group calls and concatenating the results over the channel axis.
func (e *Engine) fallback(input, weight, bias *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	if e.generic == nil {
		return nil, unsupportedf("no generic convolution kernels configured")
	}
	if p.groups == 1 {
		return e.nogroup(input, weight, bias, p)
	}
	outputs := make([]*tensors.Tensor, p.groups)
	for g := range outputs {
		inputG := narrowGroup(input, 1, p.groups, g).Contiguous()
		weightG := narrowGroup(weight, 0, p.groups, g).Contiguous()
		var biasG *tensors.Tensor
		if bias != nil {
			biasG = narrowGroup(bias, 0, p.groups, g).Contiguous()
		}
		output, err := e.nogroup(inputG, weightG, biasG, p)
		if err != nil {
			return nil, err
		}
		outputs[g] = output
	}
	return tensors.Cat(outputs, 1), nil
}

// nogroup routes a single-group problem to the matching generic kernel.
func (e *Engine) nogroup(input, weight, bias *tensors.Tensor, p *params) (*tensors.Tensor, error) {
	var output *tensors.Tensor
	var err error
	dilated := p.isDilated()
	switch {
	case p.transposed && input.Rank() == 4:
		output, err = e.generic.ConvTranspose2D(input, weight, bias, p.stride, p.padding, p.outputPadding, p.dilation)
	case p.transposed:
		output, err = e.generic.ConvTranspose3D(input, weight, bias, p.stride, p.padding, p.outputPadding, p.dilation)
	case input.Rank() == 4 && dilated:
		output, err = e.generic.ConvDilated2D(input, weight, bias, p.stride, p.padding, p.dilation)
	case input.Rank() == 4:
		output, err = e.generic.Conv2D(input, weight, bias, p.stride, p.padding)
	case dilated || input.Device().IsAccelerator():
		output, err = e.generic.ConvDilated3D(input, weight, bias, p.stride, p.padding, p.dilation)
	default:
		output, err = e.generic.Conv3D(input, weight, bias, p.stride, p.padding)
	}
	if err != nil {
		return nil, &BackendError{Backend: "generic", Cause: err}
	}
	return output, nil
}

// narrowGroup returns the g-th of groups equal slices of t along axis.
func narrowGroup(t *tensors.Tensor, axis, groups, g int) *tensors.Tensor {
	n := t.Dim(axis) / groups
	return t.Narrow(axis, n*g, n)
}
