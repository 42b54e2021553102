// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"sync"

	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// maxSpatialRank is the largest spatial rank the engine dispatches (1-D
// problems are lifted to 2-D before reaching a cache).
const maxSpatialRank = 3

// cacheKey identifies one convolution problem for algorithm caching. It is
// a comparable value type: unused trailing slots of the fixed-size arrays
// stay zero, so two problems compare equal exactly when their geometry,
// layout and determinism mode agree. Transposed is deliberately absent:
// transposed problems reach the cache as the dual operation kind.
type cacheKey struct {
	DType         dtypes.DType
	Device        tensors.Device
	InputDims     [maxSpatialRank + 2]int
	InputStrides  [maxSpatialRank + 2]int
	WeightDims    [maxSpatialRank + 2]int
	Padding       [maxSpatialRank]int
	Stride        [maxSpatialRank]int
	Dilation      [maxSpatialRank]int
	Groups        int
	Deterministic bool
}

func newCacheKey(geom backends.ConvGeometry, input *tensors.Tensor, deterministic bool) cacheKey {
	key := cacheKey{
		DType:         geom.Input.DType,
		Device:        input.Device(),
		Groups:        geom.Groups,
		Deterministic: deterministic,
	}
	copy(key.InputDims[:], geom.Input.Dimensions)
	copy(key.InputStrides[:], input.Strides())
	copy(key.WeightDims[:], geom.Weight.Dimensions)
	copy(key.Padding[:], geom.Padding)
	copy(key.Stride[:], geom.Stride)
	copy(key.Dilation[:], geom.Dilation)
	return key
}

// algoCache maps convolution problems to the algorithm chosen for them.
// One instance exists per operation kind, owned by the Engine. Insert
// overwrites: a later benchmark or a workspace-failure fallback replaces the
// previous winner.
type algoCache struct {
	mu      sync.Mutex
	entries map[cacheKey]backends.Algorithm
}

func (c *algoCache) find(key cacheKey) (backends.Algorithm, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	algo, found := c.entries[key]
	return algo, found
}

func (c *algoCache) insert(key cacheKey, algo backends.Algorithm) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[cacheKey]backends.Algorithm)
	}
	c.entries[key] = algo
}

func (c *algoCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *algoCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
