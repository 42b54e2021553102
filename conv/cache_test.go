// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"sync"
	"testing"

	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/shapes"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry(inputDims, weightDims []int) backends.ConvGeometry {
	spatial := len(inputDims) - 2
	outDims := backends.ConvOutputDims(inputDims, weightDims,
		make([]int, spatial), onesSlice(spatial), onesSlice(spatial))
	return backends.ConvGeometry{
		Input:    shapes.Make(dtypes.Float32, inputDims...),
		Weight:   shapes.Make(dtypes.Float32, weightDims...),
		Output:   shapes.Make(dtypes.Float32, outDims...),
		Padding:  make([]int, spatial),
		Stride:   onesSlice(spatial),
		Dilation: onesSlice(spatial),
		Groups:   1,
	}
}

func onesSlice(n int) []int {
	ones := make([]int, n)
	for ii := range ones {
		ones[ii] = 1
	}
	return ones
}

func TestCacheKey(t *testing.T) {
	geom := testGeometry([]int{2, 3, 8, 8}, []int{4, 3, 3, 3})
	input := tensors.New(dtypes.Float32, 2, 3, 8, 8)

	key := newCacheKey(geom, input, false)
	same := newCacheKey(geom, input, false)
	assert.Equal(t, key, same)

	// Determinism mode is part of the key.
	assert.NotEqual(t, key, newCacheKey(geom, input, true))

	// A different layout of the same dims is a different problem.
	narrowed := tensors.New(dtypes.Float32, 2, 3, 8, 10).Narrow(3, 0, 8)
	require.Equal(t, input.Dims(), narrowed.Dims())
	assert.NotEqual(t, key, newCacheKey(geom, narrowed, false))

	// So is the same geometry on another device.
	assert.NotEqual(t, key, newCacheKey(geom, input.ToDevice(tensors.CUDA), false))

	// And another weight.
	other := testGeometry([]int{2, 3, 8, 8}, []int{4, 3, 5, 5})
	assert.NotEqual(t, key, newCacheKey(other, input, false))

	// Rank 2 and rank 3 spatial problems must not collide through the
	// zero-filled trailing slots.
	geom3d := testGeometry([]int{2, 3, 8, 8, 1}, []int{4, 3, 3, 3, 1})
	input3d := tensors.New(dtypes.Float32, 2, 3, 8, 8, 1)
	assert.NotEqual(t, key, newCacheKey(geom3d, input3d, false))
}

func TestAlgoCache(t *testing.T) {
	var cache algoCache
	geom := testGeometry([]int{1, 1, 4, 4}, []int{1, 1, 3, 3})
	key := newCacheKey(geom, tensors.New(dtypes.Float32, 1, 1, 4, 4), false)

	_, found := cache.find(key)
	assert.False(t, found)
	assert.Equal(t, 0, cache.len())

	cache.insert(key, 3)
	algo, found := cache.find(key)
	require.True(t, found)
	assert.Equal(t, backends.Algorithm(3), algo)
	assert.Equal(t, 1, cache.len())

	// Insert overwrites, e.g. after a workspace-failure fallback.
	cache.insert(key, 0)
	algo, _ = cache.find(key)
	assert.Equal(t, backends.Algorithm(0), algo)
	assert.Equal(t, 1, cache.len())

	cache.reset()
	_, found = cache.find(key)
	assert.False(t, found)
	assert.Equal(t, 0, cache.len())
}

func TestAlgoCacheConcurrent(t *testing.T) {
	var cache algoCache
	var wg sync.WaitGroup
	for ii := 0; ii < 8; ii++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dim := 4 + n
			geom := testGeometry([]int{1, 1, dim, dim}, []int{1, 1, 3, 3})
			key := newCacheKey(geom, tensors.New(dtypes.Float32, 1, 1, dim, dim), false)
			for jj := 0; jj < 100; jj++ {
				cache.insert(key, backends.Algorithm(jj%2))
				if _, found := cache.find(key); !found {
					t.Error("inserted key not found")
					return
				}
			}
		}(ii)
	}
	wg.Wait()
	assert.Equal(t, 8, cache.len())
}
