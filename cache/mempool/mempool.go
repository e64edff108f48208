/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mempool is a size-classed sync.Pool allocator: buffers are
// bucketed into power-of-two classes and tagged with a magic footer so
// Free can recognize and safely reject foreign buffers.
//
// Originally a package of global pools; turned into an instance type
// (Pool) with a bytes-ever-allocated counter so it can serve as the
// "system" backend behind the allocator package, where each instance
// tracks its own resource usage independently.
package mempool

import (
	"math/bits"
	"sync"
	"unsafe"
)

const (
	minPoolSize = 4 << 10   // 4KB, Malloc returns a buf with cap >= this
	maxPoolSize = 128 << 30 // 128GB, Malloc panics above this
)

const (
	// footer is a [8]byte containing magic(58 bits) and an index(6 bits)
	// into Pool.pools. Stored at the tail so Free is always safe
	// regardless of what slice it's handed.
	footerLen = 8

	footerMagicMask = uint64(0xFFFFFFFFFFFFFFC0)
	footerIndexMask = uint64(0x000000000000003F)
	footerMagic     = uint64(0xBADC0DEBADC0DEC0)
)

type sizePool struct {
	sync.Pool
	size int
}

// Pool is a self-contained size-classed byte-buffer allocator. It is
// not safe for concurrent use by design (the workbench is
// single-threaded throughout, see the concurrency model), which lets
// the allocated-bytes counter be a plain int64 rather than atomic.
type Pool struct {
	pools    []*sizePool
	bits2idx [64]int

	totalAllocated int64 // bytes ever newly created by a pool's New func; never shrinks
	inUse          int64
}

// New builds the size-class ladder from minPoolSize to maxPoolSize.
func New() *Pool {
	p := &Pool{}
	i := 0
	for sz := minPoolSize; sz <= maxPoolSize; sz <<= 1 {
		size := sz
		sp := &sizePool{size: size}
		sp.New = func() interface{} {
			p.totalAllocated += int64(size)
			b := make([]byte, 0, size)
			b = b[:size]
			return &b[0]
		}
		p.pools = append(p.pools, sp)
		p.bits2idx[bits.Len(uint(size))] = i
		i++
	}
	return p
}

func (p *Pool) poolIndex(sz int) int {
	if sz <= minPoolSize {
		return 0
	}
	i := p.bits2idx[bits.Len(uint(sz))]
	if uint(sz)&(uint(sz)-1) == 0 {
		return i
	}
	return i + 1
}

type sliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

// Malloc returns a buf of len size from the appropriate size class.
// The buf is not zero-initialized. Call Free when done; never resize
// via append/cap, since the tail bytes carry bookkeeping.
func (p *Pool) Malloc(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	c := size + footerLen
	i := p.poolIndex(c)
	pool := p.pools[i]
	ptr := pool.Get().(*byte)

	ret := []byte{}
	h := (*sliceHeader)(unsafe.Pointer(&ret))
	h.Data = unsafe.Pointer(ptr)
	h.Len = size
	h.Cap = pool.size

	*(*uint64)(unsafe.Add(h.Data, h.Cap-footerLen)) = footerMagic | uint64(i)
	p.inUse += int64(size)
	return ret
}

// Cap returns the max cap a buf returned by Malloc can be resized to.
func (p *Pool) Cap(buf []byte) int {
	if cap(buf)-len(buf) < footerLen || getFooter(buf)&footerMagicMask != footerMagic {
		panic("mempool: buf not malloc'd by this pool or len changed without using Cap")
	}
	return cap(buf) - footerLen
}

// Free returns buf to its size class. Buffers not recognized as
// having come from this pool (wrong magic, wrong size) are silently
// ignored: Free is always safe to call.
func (p *Pool) Free(buf []byte) {
	c := cap(buf)
	if c < minPoolSize {
		return
	}
	if uint(c)&uint(c-1) != 0 {
		return
	}
	size := len(buf)
	if c-size < footerLen {
		return
	}
	footer := getFooter(buf)
	if footer&footerMagicMask != footerMagic {
		return
	}
	i := int(footer & footerIndexMask)
	if i < len(p.pools) {
		if sp := p.pools[i]; sp.size == c {
			sp.Put(&buf[0])
			p.inUse -= int64(size)
		}
	}
}

func getFooter(buf []byte) uint64 {
	h := (*sliceHeader)(unsafe.Pointer(&buf))
	return *(*uint64)(unsafe.Add(h.Data, h.Cap-footerLen))
}

// ClassSize returns the capacity of the size class Malloc(size) would
// draw from, without allocating. Callers that need to reconstruct a
// slice header from a bare pointer+size (e.g. the allocator package's
// system backend) use this to recover the original cap.
func (p *Pool) ClassSize(size int) int {
	if size == 0 {
		return 0
	}
	i := p.poolIndex(size + footerLen)
	return p.pools[i].size
}

// TotalAllocatedBytes is the sum of bytes ever newly created by this
// pool's size classes (cache misses only); it only grows, matching
// the "arenas are never released" resource model used throughout.
func (p *Pool) TotalAllocatedBytes() int64 { return p.totalAllocated }

// BytesInUse is the sum of requested (not class-rounded) sizes
// currently outstanding between Malloc and Free.
func (p *Pool) BytesInUse() int64 { return p.inUse }
