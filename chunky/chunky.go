// Package chunky implements a splitter that decomposes one logical
// blob allocation into at most K power-of-two sub-allocations routed
// through any allocator.Allocator, so the wrapped backend's internal
// size-class waste is bounded by the size-class math in package
// sizeclass rather than by whatever granularity the backend itself
// imposes.
//
// A blob's logical header {size, other_chunks[K-1]} is kept as a
// concept, but the other-chunk pointers live in a Go-side map rather
// than embedded in the chunk's raw bytes — Go's garbage collector does
// not scan manually-managed byte regions for pointers, so storing a
// live heap (or unsafe-region) pointer inside one would either be
// invisible to the GC or, for regions obtained via dirtmake/mcache,
// simply undefined. Keeping the bookkeeping on the Go heap sidesteps
// that while preserving the same create-atomically, free-together
// semantics.
package chunky

import (
	"fmt"
	"unsafe"

	"github.com/fragbench/allocbench/allocator"
	"github.com/fragbench/allocbench/sizeclass"
)

type blob struct {
	orders []int
	chunk0 unsafe.Pointer
	others []unsafe.Pointer
}

// Splitter wraps backend, routing every Alloc through sizeclass math.
type Splitter struct {
	backend allocator.Allocator
	params  sizeclass.Params
	blobs   map[unsafe.Pointer]*blob
}

// chunkSize is the byte count requested from the backend for a chunk
// of the given order: 1<<order minus the backend's own per-block
// header, so that the backend's internal footprint lands exactly on
// the 1<<order size class instead of spilling into the next one.
// Params.BlockHeaderSize is sized to the worst header any wired
// backend charges; backends with a smaller (or no) header simply see
// a slightly smaller request, which can never push them up a class.
//
// Every one of the up-to-K chunks is charged a header here, while the
// decomposition's search target pads for only K-1 of them —
// Params.HeaderOverhead covers the remaining one, which
// sizeclass.Decompose validates (HeaderOverhead >= BlockHeaderSize).
func (s *Splitter) chunkSize(order int) int {
	n := (1 << uint(order)) - s.params.BlockHeaderSize
	if n < 1 {
		n = 1
	}
	return n
}

// New constructs a Splitter over backend using params for its
// size-class decomposition (K, order bounds, and overhead accounting).
func New(backend allocator.Allocator, params sizeclass.Params) *Splitter {
	return &Splitter{
		backend: backend,
		params:  params,
		blobs:   make(map[unsafe.Pointer]*blob),
	}
}

func (s *Splitter) Name() string { return "chunky(" + s.backend.Name() + ")" }

// Alloc decomposes size into sub-allocations and obtains them all or
// none: if any sub-allocation after the first fails, every chunk
// already obtained for this blob is freed before returning the error.
func (s *Splitter) Alloc(size int) (unsafe.Pointer, error) {
	orders, err := sizeclass.Decompose(size, s.params)
	if err != nil {
		return nil, err
	}

	chunk0Size := s.chunkSize(orders[0])
	chunk0, err := s.backend.Alloc(chunk0Size)
	if err != nil {
		return nil, fmt.Errorf("chunky: chunk 0 allocation failed: %w", err)
	}

	b := &blob{orders: orders, chunk0: chunk0}
	committed := false
	defer func() {
		if !committed {
			s.backend.Free(chunk0, chunk0Size)
			for i, p := range b.others {
				s.backend.Free(p, s.chunkSize(orders[i+1]))
			}
		}
	}()

	for i := 1; i < len(orders); i++ {
		if orders[i] == sizeclass.Unused {
			break
		}
		p, err := s.backend.Alloc(s.chunkSize(orders[i]))
		if err != nil {
			return nil, fmt.Errorf("chunky: sub-chunk %d allocation failed: %w", i, err)
		}
		b.others = append(b.others, p)
	}

	payload := unsafe.Add(chunk0, s.params.BlobHeaderSize)
	s.blobs[payload] = b
	committed = true
	return payload, nil
}

// Free releases every sub-allocation backing the blob returned for
// ptr. size is accepted for interface symmetry but unused: the
// original decomposition is recovered from the tracked blob.
func (s *Splitter) Free(ptr unsafe.Pointer, _ int) {
	b, ok := s.blobs[ptr]
	if !ok {
		panic("chunky: free of unknown or already-freed blob")
	}
	delete(s.blobs, ptr)

	s.backend.Free(b.chunk0, s.chunkSize(b.orders[0]))
	for i, p := range b.others {
		s.backend.Free(p, s.chunkSize(b.orders[i+1]))
	}
}

// TotalAllocatedBytes delegates to the wrapped backend: chunky itself
// never grants memory, it only orchestrates sub-allocations.
func (s *Splitter) TotalAllocatedBytes() int { return s.backend.TotalAllocatedBytes() }

// IterateChunks enumerates the physical sub-allocations making up the
// logical blob returned for ptr.
func (s *Splitter) IterateChunks(ptr unsafe.Pointer, _ int, fn func(chunkAddr unsafe.Pointer, chunkSize int)) {
	b, ok := s.blobs[ptr]
	if !ok {
		return
	}
	fn(b.chunk0, s.chunkSize(b.orders[0]))
	for i, p := range b.others {
		fn(p, s.chunkSize(b.orders[i+1]))
	}
}

var (
	_ allocator.Allocator     = (*Splitter)(nil)
	_ allocator.ChunkIterator = (*Splitter)(nil)
)
