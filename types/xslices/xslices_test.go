// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceWithValue(t *testing.T) {
	assert.Equal(t, []int{7, 7, 7}, SliceWithValue(3, 7))
	assert.Empty(t, SliceWithValue(0, 1.0))
}

func TestIota(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4, 5}, Iota(2, 4))
	assert.Equal(t, []int32{0, 1, 2}, Iota[int32](0, 3))
}

func TestCopy(t *testing.T) {
	original := []int{1, 2, 3}
	copied := Copy(original)
	assert.Equal(t, original, copied)
	copied[0] = 9
	assert.Equal(t, 1, original[0])
	assert.Nil(t, Copy[int](nil))
	assert.Nil(t, Copy([]int{}))
}

func TestInsert(t *testing.T) {
	assert.Equal(t, []int{1, 9, 2, 3}, Insert([]int{1, 2, 3}, 1, 9))
	assert.Equal(t, []int{9, 1}, Insert([]int{1}, 0, 9))
	assert.Equal(t, []int{1, 9}, Insert([]int{1}, 1, 9))
}

func TestRemove(t *testing.T) {
	assert.Equal(t, []int{1, 3}, Remove([]int{1, 2, 3}, 1))
	assert.Empty(t, Remove([]int{1}, 0))
}

func TestMax(t *testing.T) {
	assert.Equal(t, 5, Max([]int{3, 5, 1}))
	assert.Equal(t, 2.5, Max([]float64{2.5}))
}
