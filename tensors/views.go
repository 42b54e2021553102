// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// view returns a shallow copy sharing storage.
func (t *Tensor) view() *Tensor {
	view := *t
	view.shape = t.shape.Clone()
	view.strides = slices.Clone(t.strides)
	return &view
}

// Narrow returns a view of t restricted, on the given axis, to
// [start, start+length). The other axes are unchanged.
func (t *Tensor) Narrow(axis, start, length int) *Tensor {
	axis = t.checkAxis(axis)
	if start < 0 || length <= 0 || start+length > t.shape.Dimensions[axis] {
		exceptions.Panicf("tensors.Narrow(axis=%d, start=%d, length=%d) out-of-range for shape %s",
			axis, start, length, t.shape)
	}
	view := t.view()
	view.offset += start * t.strides[axis]
	view.shape.Dimensions[axis] = length
	return view
}

// Transpose returns a view of t with the two given axes swapped.
func (t *Tensor) Transpose(axis1, axis2 int) *Tensor {
	axis1, axis2 = t.checkAxis(axis1), t.checkAxis(axis2)
	view := t.view()
	view.shape.Dimensions[axis1], view.shape.Dimensions[axis2] =
		view.shape.Dimensions[axis2], view.shape.Dimensions[axis1]
	view.strides[axis1], view.strides[axis2] = view.strides[axis2], view.strides[axis1]
	return view
}

// Unsqueeze returns a view of t with a new axis of dimension 1 inserted at
// the given position. axis may be t.Rank(), appending the new axis at the end.
func (t *Tensor) Unsqueeze(axis int) *Tensor {
	if axis < 0 {
		axis += t.Rank() + 1
	}
	if axis < 0 || axis > t.Rank() {
		exceptions.Panicf("tensors.Unsqueeze(%d) out-of-range for shape %s", axis, t.shape)
	}
	view := t.view()
	view.shape.Dimensions = slices.Insert(view.shape.Dimensions, axis, 1)
	stride := 1
	if axis < t.Rank() {
		stride = t.strides[axis] * t.shape.Dimensions[axis]
	}
	view.strides = slices.Insert(view.strides, axis, stride)
	return view
}

// Squeeze returns a view of t with the given axis, which must have
// dimension 1, removed.
func (t *Tensor) Squeeze(axis int) *Tensor {
	axis = t.checkAxis(axis)
	if t.shape.Dimensions[axis] != 1 {
		exceptions.Panicf("tensors.Squeeze(%d): axis has dimension %d != 1 in shape %s",
			axis, t.shape.Dimensions[axis], t.shape)
	}
	view := t.view()
	view.shape.Dimensions = slices.Delete(view.shape.Dimensions, axis, axis+1)
	view.strides = slices.Delete(view.strides, axis, axis+1)
	return view
}

// Expand returns a broadcasting view of t with the given dimensions: axes of
// dimension 1 may be expanded to any size (their stride becomes 0), other
// axes must match.
func (t *Tensor) Expand(dimensions ...int) *Tensor {
	if len(dimensions) != t.Rank() {
		exceptions.Panicf("tensors.Expand(%v): rank mismatch with shape %s", dimensions, t.shape)
	}
	view := t.view()
	for axis, dim := range dimensions {
		current := t.shape.Dimensions[axis]
		if current == dim {
			continue
		}
		if current != 1 {
			exceptions.Panicf("tensors.Expand(%v): cannot expand axis %d from %d in shape %s",
				dimensions, axis, current, t.shape)
		}
		view.shape.Dimensions[axis] = dim
		view.strides[axis] = 0
	}
	return view
}

// IsContiguous returns whether the view is laid out in row-major order with
// no gaps -- axes of dimension 1 are disregarded.
func (t *Tensor) IsContiguous() bool {
	canonical := t.shape.Strides()
	for axis, dim := range t.shape.Dimensions {
		if dim == 1 {
			continue
		}
		if t.strides[axis] != canonical[axis] {
			return false
		}
	}
	return true
}

// Contiguous returns t itself when already contiguous, otherwise a
// contiguous copy with the same shape, dtype and device.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	return t.Clone()
}

// Clone returns a contiguous deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := NewOnDevice(t.device, t.shape.DType, t.shape.Dimensions...)
	pos := 0
	t.iterIndices(func(_ []int, srcPos int) {
		out.set(pos, t.get(srcPos))
		pos++
	})
	return out
}
