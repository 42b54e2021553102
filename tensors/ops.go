// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Cat concatenates the given tensors along the given axis. All inputs must
// share dtype and rank, and agree on every dimension except axis.
// The result is a new contiguous tensor on the device of the first input.
func Cat(inputs []*Tensor, axis int) *Tensor {
	if len(inputs) == 0 {
		exceptions.Panicf("tensors.Cat: no inputs")
	}
	first := inputs[0]
	axis = first.checkAxis(axis)
	outDims := first.Dims()
	for _, t := range inputs[1:] {
		if t.DType() != first.DType() || t.Rank() != first.Rank() {
			exceptions.Panicf("tensors.Cat: mismatched inputs %s and %s", first.shape, t.shape)
		}
		for a, dim := range t.shape.Dimensions {
			if a == axis {
				continue
			}
			if dim != outDims[a] {
				exceptions.Panicf("tensors.Cat: inputs %s and %s differ on axis %d", first.shape, t.shape, a)
			}
		}
		outDims[axis] += t.shape.Dimensions[axis]
	}

	out := NewOnDevice(first.device, first.DType(), outDims...)
	shift := 0
	dstIndices := make([]int, out.Rank())
	for _, t := range inputs {
		t.iterIndices(func(indices []int, srcPos int) {
			copy(dstIndices, indices)
			dstIndices[axis] += shift
			out.set(out.flatIndexUnchecked(dstIndices), t.get(srcPos))
		})
		shift += t.shape.Dimensions[axis]
	}
	return out
}

// Add returns the elementwise sum of a and b, which must have the same
// dimensions and dtype (use Expand for broadcasting views).
// The result is a new contiguous tensor on a's device.
func Add(a, b *Tensor) *Tensor {
	if a.DType() != b.DType() || !slices.Equal(a.shape.Dimensions, b.shape.Dimensions) {
		exceptions.Panicf("tensors.Add: shapes %s and %s are incompatible", a.shape, b.shape)
	}
	out := NewOnDevice(a.device, a.DType(), a.shape.Dimensions...)
	pos := 0
	a.iterIndices(func(indices []int, aPos int) {
		out.set(pos, a.get(aPos)+b.get(b.flatIndexUnchecked(indices)))
		pos++
	})
	return out
}

// AccumulateInto adds src into dst in place. Same contract as Add.
func AccumulateInto(dst, src *Tensor) {
	if dst.DType() != src.DType() || !slices.Equal(dst.shape.Dimensions, src.shape.Dimensions) {
		exceptions.Panicf("tensors.AccumulateInto: shapes %s and %s are incompatible", dst.shape, src.shape)
	}
	dst.iterIndices(func(indices []int, dstPos int) {
		dst.set(dstPos, dst.get(dstPos)+src.get(src.flatIndexUnchecked(indices)))
	})
}

// SumExcept reduces t by summing over every axis except the given one,
// returning a rank-1 tensor of that axis' dimension.
func SumExcept(t *Tensor, axis int) *Tensor {
	axis = t.checkAxis(axis)
	out := NewOnDevice(t.device, t.DType(), t.shape.Dimensions[axis])
	sums := make([]float64, t.shape.Dimensions[axis])
	t.iterIndices(func(indices []int, pos int) {
		sums[indices[axis]] += t.get(pos)
	})
	for ii, sum := range sums {
		out.set(ii, sum)
	}
	return out
}

// Fill sets every element of t (including through views) to value.
func Fill(t *Tensor, value float64) {
	t.iterIndices(func(_ []int, pos int) {
		t.set(pos, value)
	})
}
