// Package fake provides deterministic, in-memory stand-ins for the
// runtime's external-facing interfaces (api.BufferPool, api.Transport),
// used by package tests in place of real RDMA hardware or a real
// shared-memory segment.
//
// Grounded on fake/buffer.go's original shape (fake struct + allocation
// counters, no syscalls), generalized from the teacher's api.Buffer-as-
// interface world onto the current api.Buffer struct and the current
// api.BufferPool method set.
package fake

import (
	"sync"

	"github.com/mschoenw/portals4/api"
)

// BufferPool is a fake api.BufferPool: plain heap allocation, with
// allocation/free counters for test assertions.
type BufferPool struct {
	mu        sync.Mutex
	allocated int64
	freed     int64
	inUse     int64
	numaStats map[int]int64
}

// NewBufferPool creates an empty fake buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{numaStats: make(map[int]int64)}
}

// Get returns a freshly allocated Buffer of the requested size.
func (p *BufferPool) Get(size int, numaPreferred int) api.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated++
	p.inUse++
	p.numaStats[numaPreferred]++
	return api.Buffer{Data: make([]byte, size), NUMA: numaPreferred, Pool: p}
}

// Put implements api.Releaser, returning b to the pool's accounting.
func (p *BufferPool) Put(b api.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed++
	if p.inUse > 0 {
		p.inUse--
	}
	if p.numaStats[b.NUMA] > 0 {
		p.numaStats[b.NUMA]--
	}
}

// Stats reports the pool's allocation counters.
func (p *BufferPool) Stats() api.BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[int]int64, len(p.numaStats))
	for k, v := range p.numaStats {
		cp[k] = v
	}
	return api.BufferPoolStats{TotalAlloc: p.allocated, TotalFree: p.freed, InUse: p.inUse, NUMAStats: cp}
}
