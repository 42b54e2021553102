// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense host tensor: a shape, explicit strides
// and a flat storage slice, plus the view operations (narrow, transpose,
// expand, concatenate, ...) the convolution engine composes with.
//
// Views share storage with their base tensor and cost O(rank) to create.
// Contiguous and Cat may copy.
//
// Misuse of the API (invalid axes, out-of-range narrows, dtype mismatches)
// panics with a stack trace, see github.com/gomlx/exceptions. This follows
// the usual contract for programmer errors; the convolution engine converts
// what is caller-reachable into typed errors at its own boundary.
package tensors

import (
	"slices"

	"github.com/gomlx/convdispatch/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Supported are the Go types tensors can hold.
// The convolution kernels operate on floats only.
type Supported interface {
	float32 | float64
}

// Tensor is a dense tensor or a view into one.
//
// The zero value is invalid; use New, NewOnDevice or FromFlat.
type Tensor struct {
	shape   shapes.Shape
	strides []int // in elements; may contain 0 for expanded axes.
	offset  int   // into data, in elements.
	device  Device
	data    any // flat storage, a slice of the Go type of shape.DType.
}

func newData(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported, only Float32 and Float64", dtype)
	return nil
}

// New returns a zero-initialized tensor on the CPU device.
func New(dtype dtypes.DType, dimensions ...int) *Tensor {
	return NewOnDevice(CPU, dtype, dimensions...)
}

// NewOnDevice returns a zero-initialized tensor tagged with the given device.
func NewOnDevice(device Device, dtype dtypes.DType, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	return &Tensor{
		shape:   shape,
		strides: shape.Strides(),
		device:  device,
		data:    newData(dtype, shape.Size()),
	}
}

// FromFlat wraps (without copying) the given flat slice as a CPU tensor of
// the given dimensions, in row-major order.
func FromFlat[T Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: got %d values for shape %s (%d values)",
			len(flat), shape, shape.Size())
	}
	return &Tensor{
		shape:   shape,
		strides: shape.Strides(),
		device:  CPU,
		data:    flat,
	}
}

// ZerosLike returns a zero-initialized contiguous tensor with the same
// shape, dtype and device as t.
func ZerosLike(t *Tensor) *Tensor {
	return NewOnDevice(t.device, t.shape.DType, t.shape.Dimensions...)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis; negative axes count from the
// end.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Dims returns a copy of the dimensions.
func (t *Tensor) Dims() []int { return slices.Clone(t.shape.Dimensions) }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Strides returns a copy of the view strides, in elements.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// Offset of the view into the underlying storage, in elements.
func (t *Tensor) Offset() int { return t.offset }

// Device the tensor is tagged with.
func (t *Tensor) Device() Device { return t.device }

// Data exposes the full underlying storage slice ([]float32 or []float64).
// It is meant for backends; most callers want Flat instead.
func (t *Tensor) Data() any { return t.data }

// ToDevice returns a view of t tagged with the given device.
// Storage stays on the host (accelerators are host-emulated).
func (t *Tensor) ToDevice(device Device) *Tensor {
	view := *t
	view.device = device
	return &view
}

// String implements fmt.Stringer.
func (t *Tensor) String() string { return t.shape.String() + "@" + t.device.String() }

func (t *Tensor) checkAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += t.Rank()
	}
	if adjusted < 0 || adjusted >= t.Rank() {
		exceptions.Panicf("tensors: axis %d out-of-bounds for shape %s", axis, t.shape)
	}
	return adjusted
}

// flatIndex converts multidimensional indices to a storage position.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("tensors: got %d indices for shape %s", len(indices), t.shape)
	}
	pos := t.offset
	for axis, index := range indices {
		if index < 0 || index >= t.shape.Dimensions[axis] {
			exceptions.Panicf("tensors: index %d out-of-bounds for axis %d of shape %s", index, axis, t.shape)
		}
		pos += index * t.strides[axis]
	}
	return pos
}

// At returns the element at the given indices.
// T must match the tensor dtype.
func At[T Supported](t *Tensor, indices ...int) T {
	flat, ok := t.data.([]T)
	if !ok {
		exceptions.Panicf("tensors.At[%s]: tensor holds %s", dtypes.FromGenericsType[T](), t.shape.DType)
	}
	return flat[t.flatIndex(indices)]
}

// Set stores value at the given indices.
// T must match the tensor dtype.
func Set[T Supported](t *Tensor, value T, indices ...int) {
	flat, ok := t.data.([]T)
	if !ok {
		exceptions.Panicf("tensors.Set[%s]: tensor holds %s", dtypes.FromGenericsType[T](), t.shape.DType)
	}
	flat[t.flatIndex(indices)] = value
}

// Flat returns the elements of a contiguous view as a flat slice, sharing
// storage. It panics if the view is not contiguous -- call Contiguous first.
func Flat[T Supported](t *Tensor) []T {
	if !t.IsContiguous() {
		exceptions.Panicf("tensors.Flat: tensor %s is not contiguous", t.shape)
	}
	flat, ok := t.data.([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%s]: tensor holds %s", dtypes.FromGenericsType[T](), t.shape.DType)
	}
	return flat[t.offset : t.offset+t.Size()]
}

// get and set move single elements through float64, which is lossless for
// both supported dtypes. View plumbing only; kernels use typed flat slices.
func (t *Tensor) get(pos int) float64 {
	switch flat := t.data.(type) {
	case []float32:
		return float64(flat[pos])
	case []float64:
		return flat[pos]
	}
	exceptions.Panicf("tensors: unsupported storage %T", t.data)
	return 0
}

func (t *Tensor) set(pos int, value float64) {
	switch flat := t.data.(type) {
	case []float32:
		flat[pos] = float32(value)
	case []float64:
		flat[pos] = value
	}
}

// iterIndices calls fn once per element with the multidimensional index and
// the corresponding storage position. Indices are reused across calls.
func (t *Tensor) iterIndices(fn func(indices []int, pos int)) {
	rank := t.Rank()
	if rank == 0 {
		fn(nil, t.offset)
		return
	}
	indices := make([]int, rank)
	for {
		fn(indices, t.flatIndexUnchecked(indices))
		axis := rank - 1
		for ; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < t.shape.Dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

func (t *Tensor) flatIndexUnchecked(indices []int) int {
	pos := t.offset
	for axis, index := range indices {
		pos += index * t.strides[axis]
	}
	return pos
}
