// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/convdispatch/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernels is the plain ungrouped kernel set, implementing backends.Generic.
// It serves the engine's fallback path for problems the accelerated route
// declines.
type Kernels struct{}

// forDType runs the variant matching the dtype.
func forDType(dtype dtypes.DType, f32, f64 func()) error {
	switch dtype {
	case dtypes.Float32:
		f32()
	case dtypes.Float64:
		f64()
	default:
		return errors.Errorf("goref: dtype %s not supported", dtype)
	}
	return nil
}

func addBiasAny(y, bias *tensors.Tensor) error {
	return forDType(y.DType(), func() {
		addBias[float32](y, bias)
	}, func() {
		addBias[float64](y, bias)
	})
}

func ones(n int) []int { return xslices.SliceWithValue(n, 1) }

func convForwardGeneric(x, w, bias *tensors.Tensor, stride, padding, dilation []int) (*tensors.Tensor, error) {
	outDims := backends.ConvOutputDims(x.Dims(), w.Dims(), padding, stride, dilation)
	y := tensors.NewOnDevice(x.Device(), x.DType(), outDims...)
	err := forDType(x.DType(), func() {
		directForward[float32](x, w, y, stride, padding, dilation, 1, 1, 0)
	}, func() {
		directForward[float64](x, w, y, stride, padding, dilation, 1, 1, 0)
	})
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if err := addBiasAny(y, bias); err != nil {
			return nil, err
		}
	}
	return y, nil
}

func convTransposeGeneric(x, w, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int) (*tensors.Tensor, error) {
	// A transposed convolution is the input-gradient of the forward
	// problem whose input is the result: weight stays [inChannels,
	// outChannels, kernel...] and x plays the output-gradient role.
	outDims := backends.ConvInputDims(x.Dims(), w.Dims(), padding, outputPadding, stride, dilation, 1)
	y := tensors.NewOnDevice(x.Device(), x.DType(), outDims...)
	err := forDType(x.DType(), func() {
		directBackwardInput[float32](y, w, x, stride, padding, dilation, 1, 1, 0)
	}, func() {
		directBackwardInput[float64](y, w, x, stride, padding, dilation, 1, 1, 0)
	})
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if err := addBiasAny(y, bias); err != nil {
			return nil, err
		}
	}
	return y, nil
}

// Conv2D implements backends.Generic.
func (Kernels) Conv2D(x, w, bias *tensors.Tensor, stride, padding []int) (*tensors.Tensor, error) {
	return convForwardGeneric(x, w, bias, stride, padding, ones(len(stride)))
}

// ConvDilated2D implements backends.Generic.
func (Kernels) ConvDilated2D(x, w, bias *tensors.Tensor, stride, padding, dilation []int) (*tensors.Tensor, error) {
	return convForwardGeneric(x, w, bias, stride, padding, dilation)
}

// Conv3D implements backends.Generic.
func (Kernels) Conv3D(x, w, bias *tensors.Tensor, stride, padding []int) (*tensors.Tensor, error) {
	return convForwardGeneric(x, w, bias, stride, padding, ones(len(stride)))
}

// ConvDilated3D implements backends.Generic.
func (Kernels) ConvDilated3D(x, w, bias *tensors.Tensor, stride, padding, dilation []int) (*tensors.Tensor, error) {
	return convForwardGeneric(x, w, bias, stride, padding, dilation)
}

// ConvTranspose2D implements backends.Generic.
func (Kernels) ConvTranspose2D(x, w, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int) (*tensors.Tensor, error) {
	return convTransposeGeneric(x, w, bias, stride, padding, outputPadding, dilation)
}

// ConvTranspose3D implements backends.Generic.
func (Kernels) ConvTranspose3D(x, w, bias *tensors.Tensor, stride, padding, outputPadding, dilation []int) (*tensors.Tensor, error) {
	return convTransposeGeneric(x, w, bias, stride, padding, outputPadding, dilation)
}

// scratchAllocator backs Conv2DF32's columns buffer.
var scratchAllocator = backends.NewHostAllocator(0)

// Conv2DF32 implements backends.Generic: the single-precision 2-D fast path,
// lowering to columns and multiplying packed weight rows. Falls back to the
// direct kernel if the scratch buffer cannot be allocated.
func (Kernels) Conv2DF32(x, w, bias *tensors.Tensor, stride, padding []int) (*tensors.Tensor, error) {
	if x.DType() != dtypes.Float32 {
		return nil, errors.Errorf("goref: Conv2DF32 requires Float32 input, got %s", x.DType())
	}
	dilation := ones(len(stride))
	outDims := backends.ConvOutputDims(x.Dims(), w.Dims(), padding, stride, dilation)
	y := tensors.NewOnDevice(x.Device(), x.DType(), outDims...)

	colsRows := w.Dim(1) * prod(w.Dims()[2:])
	nOut := prod(outDims[2:])
	size := int64(colsRows*nOut+w.Dim(0)*colsRows) * int64(x.DType().Memory())
	ws, err := scratchAllocator.Alloc(size)
	if err != nil {
		klog.V(1).Infof("goref: Conv2DF32 scratch of %d bytes unavailable, using direct kernel: %v", size, err)
		directForward[float32](x, w, y, stride, padding, dilation, 1, 1, 0)
	} else {
		defer ws.Release()
		im2colForward[float32](x, w, y, stride, padding, dilation, 1, ws, 1, 0)
	}
	if bias != nil {
		if err := addBiasAny(y, bias); err != nil {
			return nil, err
		}
	}
	return y, nil
}
