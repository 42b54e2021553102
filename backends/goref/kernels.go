// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"github.com/gomlx/convdispatch/internal/workerspool"
	"github.com/gomlx/convdispatch/tensors"
)

// pool fans the independent slices of the direct kernels (batch items,
// output channels) over the CPUs. The splits write disjoint elements, so the
// results stay deterministic.
var pool = workerspool.New()

// plane is a typed, strided window into a tensor's storage. Kernels work on
// planes so narrowed or transposed views run without copies.
type plane[T tensors.Supported] struct {
	data    []T
	offset  int
	strides []int
	dims    []int
}

func planeOf[T tensors.Supported](t *tensors.Tensor) plane[T] {
	return plane[T]{
		data:    t.Data().([]T),
		offset:  t.Offset(),
		strides: t.Strides(),
		dims:    t.Dims(),
	}
}

func (p plane[T]) at(n, c int, spatial []int) int {
	pos := p.offset + n*p.strides[0] + c*p.strides[1]
	for d, idx := range spatial {
		pos += idx * p.strides[2+d]
	}
	return pos
}

// next advances a multidimensional odometer, returning false on wrap-around.
func next(indices, dims []int) bool {
	for axis := len(indices) - 1; axis >= 0; axis-- {
		indices[axis]++
		if indices[axis] < dims[axis] {
			return true
		}
		indices[axis] = 0
	}
	return false
}

func prod(dims []int) int {
	p := 1
	for _, dim := range dims {
		p *= dim
	}
	return p
}

// scaleBy multiplies every element of t by beta. beta == 0 zeroes the view.
func scaleBy[T tensors.Supported](t plane[T], beta float64) {
	if beta == 1 {
		return
	}
	spatial := make([]int, len(t.dims)-2)
	for n := 0; n < t.dims[0]; n++ {
		for c := 0; c < t.dims[1]; c++ {
			clear(spatial)
			for {
				pos := t.at(n, c, spatial)
				if beta == 0 {
					t.data[pos] = 0
				} else {
					t.data[pos] = T(beta * float64(t.data[pos]))
				}
				if !next(spatial, t.dims[2:]) {
					break
				}
			}
		}
	}
}

// directForward computes y = alpha*conv(x, w) + beta*y with a direct
// (nested loop) kernel, any spatial rank. Accumulation is in float64.
//
// Layout is channels-first: x [batch, inChannels, spatial...],
// w [outChannels, inChannels/groups, kernel...].
func directForward[T tensors.Supported](x, w, y *tensors.Tensor,
	stride, padding, dilation []int, groups int, alpha, beta float64) {
	xv, wv, yv := planeOf[T](x), planeOf[T](w), planeOf[T](y)
	spatial := len(stride)
	inPerGroup := wv.dims[1]
	outPerGroup := wv.dims[0] / groups

	pool.Run(xv.dims[0], func(n int) {
		outIdx := make([]int, spatial)
		kIdx := make([]int, spatial)
		inIdx := make([]int, spatial)
		for g := 0; g < groups; g++ {
			for ocg := 0; ocg < outPerGroup; ocg++ {
				oc := g*outPerGroup + ocg
				clear(outIdx)
				for {
					acc := 0.0
					for icg := 0; icg < inPerGroup; icg++ {
						ic := g*inPerGroup + icg
						clear(kIdx)
						for {
							inBounds := true
							for d := 0; d < spatial; d++ {
								inIdx[d] = outIdx[d]*stride[d] - padding[d] + kIdx[d]*dilation[d]
								if inIdx[d] < 0 || inIdx[d] >= xv.dims[2+d] {
									inBounds = false
									break
								}
							}
							if inBounds {
								acc += float64(xv.data[xv.at(n, ic, inIdx)]) *
									float64(wv.data[wv.at(oc, icg, kIdx)])
							}
							if !next(kIdx, wv.dims[2:]) {
								break
							}
						}
					}
					yPos := yv.at(n, oc, outIdx)
					yv.data[yPos] = T(alpha*acc + beta*float64(yv.data[yPos]))
					if !next(outIdx, yv.dims[2:]) {
						break
					}
				}
			}
		}
	})
}

// directBackwardInput computes gx = alpha*gradInput(gy, w) + beta*gx by
// scattering every output-gradient element back over the window it came
// from. The scatter is split per batch item, so no two tasks touch the same
// gx element and the result stays deterministic.
func directBackwardInput[T tensors.Supported](gx, w, gy *tensors.Tensor,
	stride, padding, dilation []int, groups int, alpha, beta float64) {
	gxv, wv, gyv := planeOf[T](gx), planeOf[T](w), planeOf[T](gy)
	spatial := len(stride)
	inPerGroup := wv.dims[1]
	outPerGroup := wv.dims[0] / groups

	scaleBy(gxv, beta)
	pool.Run(gyv.dims[0], func(n int) {
		outIdx := make([]int, spatial)
		kIdx := make([]int, spatial)
		inIdx := make([]int, spatial)
		for g := 0; g < groups; g++ {
			for ocg := 0; ocg < outPerGroup; ocg++ {
				oc := g*outPerGroup + ocg
				clear(outIdx)
				for {
					gyVal := float64(gyv.data[gyv.at(n, oc, outIdx)])
					for icg := 0; icg < inPerGroup; icg++ {
						ic := g*inPerGroup + icg
						clear(kIdx)
						for {
							inBounds := true
							for d := 0; d < spatial; d++ {
								inIdx[d] = outIdx[d]*stride[d] - padding[d] + kIdx[d]*dilation[d]
								if inIdx[d] < 0 || inIdx[d] >= gxv.dims[2+d] {
									inBounds = false
									break
								}
							}
							if inBounds {
								gxPos := gxv.at(n, ic, inIdx)
								gxv.data[gxPos] += T(alpha * gyVal *
									float64(wv.data[wv.at(oc, icg, kIdx)]))
							}
							if !next(kIdx, wv.dims[2:]) {
								break
							}
						}
					}
					if !next(outIdx, gyv.dims[2:]) {
						break
					}
				}
			}
		}
	})
}

// directBackwardWeight computes gw = alpha*gradWeight(x, gy) + beta*gw: each
// weight element is the correlation of the input with the output gradient
// over all batches and output positions.
func directBackwardWeight[T tensors.Supported](x, gw, gy *tensors.Tensor,
	stride, padding, dilation []int, groups int, alpha, beta float64) {
	xv, gwv, gyv := planeOf[T](x), planeOf[T](gw), planeOf[T](gy)
	spatial := len(stride)
	inPerGroup := gwv.dims[1]
	outPerGroup := gwv.dims[0] / groups

	pool.Run(groups*outPerGroup, func(i int) {
		g, ocg := i/outPerGroup, i%outPerGroup
		oc := g*outPerGroup + ocg
		outIdx := make([]int, spatial)
		kIdx := make([]int, spatial)
		inIdx := make([]int, spatial)
		for icg := 0; icg < inPerGroup; icg++ {
			ic := g*inPerGroup + icg
			clear(kIdx)
			for {
				acc := 0.0
				for n := 0; n < xv.dims[0]; n++ {
					clear(outIdx)
					for {
						inBounds := true
						for d := 0; d < spatial; d++ {
							inIdx[d] = outIdx[d]*stride[d] - padding[d] + kIdx[d]*dilation[d]
							if inIdx[d] < 0 || inIdx[d] >= xv.dims[2+d] {
								inBounds = false
								break
							}
						}
						if inBounds {
							acc += float64(xv.data[xv.at(n, ic, inIdx)]) *
								float64(gyv.data[gyv.at(n, oc, outIdx)])
						}
						if !next(outIdx, gyv.dims[2:]) {
							break
						}
					}
				}
				gwPos := gwv.at(oc, icg, kIdx)
				gwv.data[gwPos] = T(alpha*acc + beta*float64(gwv.data[gwPos]))
				if !next(kIdx, gwv.dims[2:]) {
					break
				}
			}
		}
	})
}

// addBias adds bias[c] to every element of channel c of y.
func addBias[T tensors.Supported](y, bias *tensors.Tensor) {
	yv, bv := planeOf[T](y), plane[T]{
		data:    bias.Data().([]T),
		offset:  bias.Offset(),
		strides: bias.Strides(),
		dims:    bias.Dims(),
	}
	spatial := make([]int, len(yv.dims)-2)
	for n := 0; n < yv.dims[0]; n++ {
		for c := 0; c < yv.dims[1]; c++ {
			b := bv.data[bv.offset+c*bv.strides[0]]
			clear(spatial)
			for {
				yv.data[yv.at(n, c, spatial)] += b
				if !next(spatial, yv.dims[2:]) {
					break
				}
			}
		}
	}
}
