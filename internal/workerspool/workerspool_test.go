// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(4)

	const n = 100
	results := make([]int, n)
	pool.Run(n, func(i int) { results[i] = i * i })
	for i, got := range results {
		require.Equal(t, i*i, got)
	}

	// Disabled parallelism runs inline, in order.
	pool.SetMaxParallelism(0)
	order := make([]int, 0, 5)
	pool.Run(5, func(i int) { order = append(order, i) })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	// Unlimited parallelism still completes every task.
	pool.SetMaxParallelism(-1)
	var count atomic.Int32
	pool.Run(n, func(i int) { count.Add(1) })
	assert.Equal(t, int32(n), count.Load())
}

func TestWaitToStartBoundsParallelism(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			now := running.Add(1)
			for {
				seen := peak.Load()
				if now <= seen || peak.CompareAndSwap(seen, now) {
					break
				}
			}
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(goroutineToParallelismRatio*2))
}

func TestStartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	block := make(chan struct{})
	var wg sync.WaitGroup
	started := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := pool.StartIfAvailable(func() {
			<-block
			wg.Done()
		})
		if !ok {
			wg.Done()
			continue
		}
		started++
	}
	// With parallelism 1 at most two slots exist; the rest are refused
	// instead of blocking.
	assert.LessOrEqual(t, started, goroutineToParallelismRatio)
	assert.Greater(t, started, 0)
	close(block)
	wg.Wait()
}
