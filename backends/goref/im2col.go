// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"unsafe"

	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
)

// wsSlice reinterprets the workspace scratch bytes as a typed slice of n
// elements. The allocator hands out 8-byte aligned blocks.
func wsSlice[T tensors.Supported](ws *backends.Workspace, n int) []T {
	if n == 0 {
		return nil
	}
	b := ws.Bytes()
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// im2colFill lowers one (batch, group) slab of x into the cols matrix:
// cols[r*nOut+c] where r = icg*prod(kernel)+kFlat and c is the flattened
// output position. Out-of-bounds window taps are written as zero.
func im2colFill[T tensors.Supported](cols []T, xv plane[T], n, g, inPerGroup int,
	kernelDims, outSpatial, stride, padding, dilation []int) {
	spatial := len(stride)
	kernelSize := prod(kernelDims)
	nOut := prod(outSpatial)
	kIdx := make([]int, spatial)
	outIdx := make([]int, spatial)
	inIdx := make([]int, spatial)
	for icg := 0; icg < inPerGroup; icg++ {
		ic := g*inPerGroup + icg
		clear(kIdx)
		kFlat := 0
		for {
			row := cols[(icg*kernelSize+kFlat)*nOut : (icg*kernelSize+kFlat+1)*nOut]
			clear(outIdx)
			c := 0
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
					row[c] = xv.data[xv.at(n, ic, inIdx)]
				} else {
					row[c] = 0
				}
				c++
				if !next(outIdx, outSpatial) {
					break
				}
			}
			kFlat++
			if !next(kIdx, kernelDims) {
				break
			}
		}
	}
}

// im2colForward computes y = alpha*conv(x, w) + beta*y by lowering the input
// to a columns matrix and multiplying against packed weight rows. Scratch
// holds the columns matrix plus the packed rows of one group.
func im2colForward[T tensors.Supported](x, w, y *tensors.Tensor,
	stride, padding, dilation []int, groups int, ws *backends.Workspace, alpha, beta float64) {
	xv, wv, yv := planeOf[T](x), planeOf[T](w), planeOf[T](y)
	spatial := len(stride)
	inPerGroup := wv.dims[1]
	outPerGroup := wv.dims[0] / groups
	kernelDims := wv.dims[2:]
	kernelSize := prod(kernelDims)
	outSpatial := yv.dims[2:]
	nOut := prod(outSpatial)
	colsRows := inPerGroup * kernelSize

	scratch := wsSlice[T](ws, colsRows*nOut+outPerGroup*colsRows)
	cols := scratch[:colsRows*nOut]
	packed := scratch[colsRows*nOut:]

	kIdx := make([]int, spatial)
	outIdx := make([]int, spatial)
	for n := 0; n < xv.dims[0]; n++ {
		for g := 0; g < groups; g++ {
			im2colFill(cols, xv, n, g, inPerGroup, kernelDims, outSpatial, stride, padding, dilation)
			for ocg := 0; ocg < outPerGroup; ocg++ {
				oc := g*outPerGroup + ocg
				pos := ocg * colsRows
				for icg := 0; icg < inPerGroup; icg++ {
					clear(kIdx)
					for {
						packed[pos] = wv.data[wv.at(oc, icg, kIdx)]
						pos++
						if !next(kIdx, kernelDims) {
							break
						}
					}
				}
			}
			for ocg := 0; ocg < outPerGroup; ocg++ {
				oc := g*outPerGroup + ocg
				row := packed[ocg*colsRows : (ocg+1)*colsRows]
				clear(outIdx)
				c := 0
				for {
					acc := 0.0
					for r, wVal := range row {
						acc += float64(wVal) * float64(cols[r*nOut+c])
					}
					yPos := yv.at(n, oc, outIdx)
					yv.data[yPos] = T(alpha*acc + beta*float64(yv.data[yPos]))
					c++
					if !next(outIdx, outSpatial) {
						break
					}
				}
			}
		}
	}
}

// packedBackwardInput computes gx = alpha*gradInput(gy, w) + beta*gx as a
// gather: each input-gradient element collects the output-gradient taps
// whose windows cover it. The weight is repacked in scratch so the inner
// loop reads it with unit stride.
func packedBackwardInput[T tensors.Supported](gx, w, gy *tensors.Tensor,
	stride, padding, dilation []int, groups int, ws *backends.Workspace, alpha, beta float64) {
	gxv, wv, gyv := planeOf[T](gx), planeOf[T](w), planeOf[T](gy)
	spatial := len(stride)
	inPerGroup := wv.dims[1]
	outPerGroup := wv.dims[0] / groups
	kernelDims := wv.dims[2:]
	kernelSize := prod(kernelDims)
	outSpatial := gyv.dims[2:]

	// packed[(icg*kernelSize+kFlat)*outPerGroup+ocg], refilled per group.
	packed := wsSlice[T](ws, inPerGroup*kernelSize*outPerGroup)

	kIdx := make([]int, spatial)
	inIdx := make([]int, spatial)
	outIdx := make([]int, spatial)
	for g := 0; g < groups; g++ {
		for icg := 0; icg < inPerGroup; icg++ {
			clear(kIdx)
			kFlat := 0
			for {
				for ocg := 0; ocg < outPerGroup; ocg++ {
					packed[(icg*kernelSize+kFlat)*outPerGroup+ocg] =
						wv.data[wv.at(g*outPerGroup+ocg, icg, kIdx)]
				}
				kFlat++
				if !next(kIdx, kernelDims) {
					break
				}
			}
		}
		for n := 0; n < gxv.dims[0]; n++ {
			for icg := 0; icg < inPerGroup; icg++ {
				ic := g*inPerGroup + icg
				clear(inIdx)
				for {
					acc := 0.0
					clear(kIdx)
					kFlat := 0
					for {
						taps := true
						for d := 0; d < spatial; d++ {
							num := inIdx[d] + padding[d] - kIdx[d]*dilation[d]
							if num < 0 || num%stride[d] != 0 {
								taps = false
								break
							}
							outIdx[d] = num / stride[d]
							if outIdx[d] >= outSpatial[d] {
								taps = false
								break
							}
						}
						if taps {
							row := packed[(icg*kernelSize+kFlat)*outPerGroup:]
							for ocg := 0; ocg < outPerGroup; ocg++ {
								acc += float64(row[ocg]) *
									float64(gyv.data[gyv.at(n, g*outPerGroup+ocg, outIdx)])
							}
						}
						kFlat++
						if !next(kIdx, kernelDims) {
							break
						}
					}
					gxPos := gxv.at(n, ic, inIdx)
					gxv.data[gxPos] = T(alpha*acc + beta*float64(gxv.data[gxPos]))
					if !next(inIdx, gxv.dims[2:]) {
						break
					}
				}
			}
		}
	}
}

// colsBackwardWeight computes gw = alpha*gradWeight(x, gy) + beta*gw by
// lowering the input per batch and accumulating gy against the transposed
// cols matrix in a scratch
// accumulator, written back once per group.
func colsBackwardWeight[T tensors.Supported](x, gw, gy *tensors.Tensor,
	stride, padding, dilation []int, groups int, ws *backends.Workspace, alpha, beta float64) {
	xv, gwv, gyv := planeOf[T](x), planeOf[T](gw), planeOf[T](gy)
	spatial := len(stride)
	inPerGroup := gwv.dims[1]
	outPerGroup := gwv.dims[0] / groups
	kernelDims := gwv.dims[2:]
	kernelSize := prod(kernelDims)
	outSpatial := gyv.dims[2:]
	nOut := prod(outSpatial)
	colsRows := inPerGroup * kernelSize

	scratch := wsSlice[T](ws, colsRows*nOut+outPerGroup*colsRows)
	cols := scratch[:colsRows*nOut]
	accum := scratch[colsRows*nOut:]

	kIdx := make([]int, spatial)
	outIdx := make([]int, spatial)
	for g := 0; g < groups; g++ {
		clear(accum)
		for n := 0; n < xv.dims[0]; n++ {
			im2colFill(cols, xv, n, g, inPerGroup, kernelDims, outSpatial, stride, padding, dilation)
			for ocg := 0; ocg < outPerGroup; ocg++ {
				oc := g*outPerGroup + ocg
				clear(outIdx)
				c := 0
				for {
					gyVal := gyv.data[gyv.at(n, oc, outIdx)]
					if gyVal != 0 {
						row := accum[ocg*colsRows : (ocg+1)*colsRows]
						for r := range row {
							row[r] += gyVal * cols[r*nOut+c]
						}
					}
					c++
					if !next(outIdx, outSpatial) {
						break
					}
				}
			}
		}
		for ocg := 0; ocg < outPerGroup; ocg++ {
			oc := g*outPerGroup + ocg
			pos := ocg * colsRows
			for icg := 0; icg < inPerGroup; icg++ {
				clear(kIdx)
				for {
					gwPos := gwv.at(oc, icg, kIdx)
					gwv.data[gwPos] = T(alpha*float64(accum[pos]) + beta*float64(gwv.data[gwPos]))
					pos++
					if !next(kIdx, kernelDims) {
						break
					}
				}
			}
		}
	}
}
