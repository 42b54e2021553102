// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Workspace is a scratch buffer leased from an Allocator. Release returns it
// to the allocator; releasing twice or releasing the zero-size workspace is
// a no-op.
type Workspace struct {
	allocator Allocator
	bytes     []byte
	released  bool
}

// Size of the workspace in bytes.
func (w *Workspace) Size() int64 {
	if w == nil {
		return 0
	}
	return int64(len(w.bytes))
}

// Bytes exposes the raw scratch buffer.
func (w *Workspace) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.bytes
}

// Release returns the workspace to its allocator. Idempotent.
func (w *Workspace) Release() {
	if w == nil || w.released {
		return
	}
	w.released = true
	if w.allocator != nil {
		w.allocator.free(w.bytes)
	}
	w.bytes = nil
}

// Allocator manages workspace (scratch) memory for a backend. The engine
// uses FreeMemory to cap benchmark workspace sizes and EmptyCache to return
// cached blocks after a benchmark sweep.
type Allocator interface {
	// Alloc leases a workspace of the given size. A size <= 0 returns an
	// empty workspace. Exceeding available memory returns an error the
	// engine maps to its out-of-memory kind.
	Alloc(size int64) (*Workspace, error)

	// FreeMemory reports the bytes currently available for workspaces.
	FreeMemory() int64

	// EmptyCache drops any cached free blocks, returning their memory.
	EmptyCache()

	free(block []byte)
}

// ErrAllocatorExhausted is wrapped by Alloc when the requested size exceeds
// the allocator's available memory.
var ErrAllocatorExhausted = errors.New("workspace allocator exhausted")

// HostAllocator is a caching workspace allocator backed by host memory, with
// a configurable capacity. Freed blocks are kept on a free list and reused
// for same-or-smaller requests until EmptyCache.
//
// It is safe for concurrent use.
type HostAllocator struct {
	mu       sync.Mutex
	capacity int64
	inUse    int64
	cached   []([]byte)
}

var _ Allocator = (*HostAllocator)(nil)

// DefaultWorkspaceCapacity caps workspace memory when NewHostAllocator is
// given a non-positive capacity: 1 GiB.
const DefaultWorkspaceCapacity = int64(1) << 30

// NewHostAllocator creates a HostAllocator with the given capacity in bytes.
// A non-positive capacity selects DefaultWorkspaceCapacity.
func NewHostAllocator(capacity int64) *HostAllocator {
	if capacity <= 0 {
		capacity = DefaultWorkspaceCapacity
	}
	return &HostAllocator{capacity: capacity}
}

// Alloc implements Allocator.
func (a *HostAllocator) Alloc(size int64) (*Workspace, error) {
	if size <= 0 {
		return &Workspace{allocator: a}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for ii, block := range a.cached {
		if int64(cap(block)) >= size {
			a.cached = append(a.cached[:ii], a.cached[ii+1:]...)
			a.inUse += size
			return &Workspace{allocator: a, bytes: block[:size]}, nil
		}
	}
	if a.inUse+size > a.capacity {
		return nil, errors.Wrapf(ErrAllocatorExhausted,
			"requested %s workspace, %s in use of %s capacity",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(a.inUse)), humanize.IBytes(uint64(a.capacity)))
	}
	a.inUse += size
	return &Workspace{allocator: a, bytes: make([]byte, size)}, nil
}

// FreeMemory implements Allocator. Cached blocks count as free: they are
// reusable or reclaimable through EmptyCache.
func (a *HostAllocator) FreeMemory() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.inUse
}

// EmptyCache implements Allocator, dropping the free list.
func (a *HostAllocator) EmptyCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if klog.V(2).Enabled() && len(a.cached) > 0 {
		klog.Infof("workspace allocator: dropping %d cached blocks", len(a.cached))
	}
	a.cached = nil
}

func (a *HostAllocator) free(block []byte) {
	if block == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse -= int64(len(block))
	a.cached = append(a.cached, block[:0])
}
