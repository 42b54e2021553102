// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/convdispatch/backends"
	"github.com/gomlx/convdispatch/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// exec negotiates an algorithm for one backend operation and runs it. The
// tensor written is the one geom and kind designate, see
// backends.Accelerated.
func (e *Engine) exec(kind backends.OpKind, geom backends.ConvGeometry, x, w, y *tensors.Tensor) error {
	key := newCacheKey(geom, x, e.deterministic)
	algo, err := e.findAlgorithm(kind, key, geom, x, w, y)
	if err != nil {
		return err
	}
	return e.execWithRetry(kind, key, algo, geom, x, w, y)
}

// findAlgorithm walks the selection ladder: cached choice, deterministic
// default, heuristic, or full benchmark sweep. Only benchmark results are
// cached; the heuristic is cheap enough to re-ask.
func (e *Engine) findAlgorithm(kind backends.OpKind, key cacheKey, geom backends.ConvGeometry,
	x, w, y *tensors.Tensor) (backends.Algorithm, error) {
	cache := &e.caches[kind]
	if algo, found := cache.find(key); found {
		klog.V(2).Infof("conv: %s cache hit, algorithm %d", kind, algo)
		return algo, nil
	}
	if e.deterministic && !e.benchmark {
		return e.accel.DefaultAlgorithm(kind), nil
	}
	if !e.benchmark {
		algo, err := e.accel.HeuristicAlgorithm(kind, geom)
		if err != nil {
			return 0, &BackendError{Backend: e.accel.Name(), Cause: err}
		}
		return algo, nil
	}

	// Benchmark mode. Another goroutine may have finished the same sweep
	// between the lock-free miss above and here.
	if algo, found := cache.find(key); found {
		return algo, nil
	}
	perf, err := e.benchmarkSearch(kind, geom, x, w, y)
	if err != nil {
		return 0, err
	}
	cache.insert(key, perf.Algo)
	// The sweep leased the largest workspace of all candidates; hand the
	// cached blocks back instead of carrying them across calls.
	e.allocator.EmptyCache()
	return perf.Algo, nil
}

// benchmarkSearch times every algorithm of the backend on the real problem
// data and returns the fastest admissible one.
func (e *Engine) benchmarkSearch(kind backends.OpKind, geom backends.ConvGeometry,
	x, w, y *tensors.Tensor) (backends.AlgoPerf, error) {
	candidates := e.accel.Algorithms(kind)
	if len(candidates) == 0 {
		return backends.AlgoPerf{}, &BackendError{Backend: e.accel.Name(),
			Cause: errors.Errorf("backend exposes no %s algorithms", kind)}
	}

	// Size the shared workspace to the hungriest candidate that still fits
	// in free memory; candidates above the ceiling fail their run.
	limit := e.allocator.FreeMemory()
	var maxWs int64
	for _, algo := range candidates {
		size, err := e.accel.WorkspaceSize(kind, geom, algo)
		if err != nil || size > limit {
			continue
		}
		maxWs = max(maxWs, size)
	}
	ws, err := e.allocator.Alloc(maxWs)
	if err != nil {
		klog.V(1).Infof("conv: benchmark workspace of %d bytes unavailable (%v), timing workspace-free algorithms only", maxWs, err)
		ws, _ = e.allocator.Alloc(0)
	}
	defer ws.Release()

	perfs, err := e.accel.TimeAlgorithms(kind, geom, candidates, x, w, y, ws)
	if err != nil {
		return backends.AlgoPerf{}, &BackendError{Backend: e.accel.Name(), Cause: err}
	}
	anyWorked := false
	for _, perf := range perfs {
		if perf.Err != nil {
			continue
		}
		anyWorked = true
		if e.deterministic && !perf.Deterministic {
			continue
		}
		klog.V(1).Infof("conv: benchmark chose %s algorithm %d (%v, %d bytes workspace)",
			kind, perf.Algo, perf.Time, perf.Memory)
		return perf, nil
	}
	if anyWorked && e.deterministic {
		return backends.AlgoPerf{}, &NoDeterministicAlgorithmError{Kind: kind}
	}
	return backends.AlgoPerf{}, &BackendError{Backend: e.accel.Name(),
		Cause: errors.Errorf("no %s algorithm succeeded in the benchmark sweep", kind)}
}

// execWithRetry allocates the workspace the chosen algorithm needs and runs
// it. If the allocation fails, it falls back to the default algorithm and
// overwrites the cached choice so later calls skip the oversized one; a
// second allocation failure surfaces as OutOfMemoryError.
func (e *Engine) execWithRetry(kind backends.OpKind, key cacheKey, algo backends.Algorithm,
	geom backends.ConvGeometry, x, w, y *tensors.Tensor) error {
	size, err := e.accel.WorkspaceSize(kind, geom, algo)
	if err != nil {
		return &BackendError{Backend: e.accel.Name(), Cause: err}
	}
	ws, allocErr := e.allocator.Alloc(size)
	if allocErr != nil {
		fallback := e.accel.DefaultAlgorithm(kind)
		klog.V(1).Infof("conv: %s workspace of %d bytes failed (%v), falling back to default algorithm %d",
			kind, size, allocErr, fallback)
		algo = fallback
		e.caches[kind].insert(key, algo)
		size, err = e.accel.WorkspaceSize(kind, geom, algo)
		if err != nil {
			return &BackendError{Backend: e.accel.Name(), Cause: err}
		}
		// Retired blocks may be what is exhausting the allocator.
		e.allocator.EmptyCache()
		ws, allocErr = e.allocator.Alloc(size)
		if allocErr != nil {
			return &OutOfMemoryError{Requested: size, Cause: allocErr}
		}
	}
	defer ws.Release()
	if err := e.accel.Exec(kind, algo, geom, x, w, y, ws, 1, 0); err != nil {
		return &BackendError{Backend: e.accel.Name(), Cause: err}
	}
	return nil
}
