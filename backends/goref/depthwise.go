// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
)

// DepthwiseConv2D implements backends.Accelerated: each input channel is
// convolved with its own slab of filters (channel multiplier = outChannels /
// inChannels). The 4-D loop is written out instead of going through the
// generic odometer kernel.
func (b *Backend) DepthwiseConv2D(input, weight, bias *tensors.Tensor,
	stride, padding, dilation []int) (*tensors.Tensor, error) {
	outDims := backends.ConvOutputDims(input.Dims(), weight.Dims(), padding, stride, dilation)
	output := tensors.NewOnDevice(input.Device(), input.DType(), outDims...)
	err := forDType(input.DType(), func() {
		depthwise2D[float32](input, weight, output, stride, padding, dilation)
	}, func() {
		depthwise2D[float64](input, weight, output, stride, padding, dilation)
	})
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if err := addBiasAny(output, bias); err != nil {
			return nil, err
		}
	}
	return output, nil
}

func depthwise2D[T tensors.Supported](x, w, y *tensors.Tensor, stride, padding, dilation []int) {
	xv, wv, yv := planeOf[T](x), planeOf[T](w), planeOf[T](y)
	channels := xv.dims[1]
	multiplier := wv.dims[0] / channels
	inH, inW := xv.dims[2], xv.dims[3]
	outH, outW := yv.dims[2], yv.dims[3]
	kH, kW := wv.dims[2], wv.dims[3]

	for n := 0; n < xv.dims[0]; n++ {
		for c := 0; c < channels; c++ {
			xBase := xv.offset + n*xv.strides[0] + c*xv.strides[1]
			for j := 0; j < multiplier; j++ {
				oc := c*multiplier + j
				wBase := wv.offset + oc*wv.strides[0]
				yBase := yv.offset + n*yv.strides[0] + oc*yv.strides[1]
				for oh := 0; oh < outH; oh++ {
					for ow := 0; ow < outW; ow++ {
						acc := 0.0
						for kh := 0; kh < kH; kh++ {
							ih := oh*stride[0] - padding[0] + kh*dilation[0]
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*stride[1] - padding[1] + kw*dilation[1]
								if iw < 0 || iw >= inW {
									continue
								}
								acc += float64(xv.data[xBase+ih*xv.strides[2]+iw*xv.strides[3]]) *
									float64(wv.data[wBase+kh*wv.strides[2]+kw*wv.strides[3]])
							}
						}
						yv.data[yBase+oh*yv.strides[2]+ow*yv.strides[3]] = T(acc)
					}
				}
			}
		}
	}
}
