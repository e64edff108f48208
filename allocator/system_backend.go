package allocator

import (
	"unsafe"

	"github.com/fragbench/allocbench/cache/mempool"
)

// systemBackend adapts a *mempool.Pool, a size-classed sync.Pool
// allocator, to the Allocator seam, standing in for an opaque
// general-purpose system backend.
type systemBackend struct {
	p *mempool.Pool
}

// NewSystemBackend wraps p.
func NewSystemBackend(p *mempool.Pool) Allocator {
	return &systemBackend{p: p}
}

func (s *systemBackend) Name() string { return "system" }

func (s *systemBackend) Alloc(size int) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	buf := s.p.Malloc(size)
	return unsafe.Pointer(&buf[0]), nil
}

// Free reconstructs the []byte mempool.Free expects: size gives len,
// and the size class the pointer was drawn from (a deterministic
// function of size) gives cap.
func (s *systemBackend) Free(ptr unsafe.Pointer, size int) {
	if size == 0 {
		return
	}
	capClass := s.p.ClassSize(size)
	full := unsafe.Slice((*byte)(ptr), capClass)
	s.p.Free(full[:size:capClass])
}

func (s *systemBackend) TotalAllocatedBytes() int { return int(s.p.TotalAllocatedBytes()) }
