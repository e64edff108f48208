package allocator

import (
	"unsafe"

	"github.com/fragbench/allocbench/mini"
)

// miniBackend adapts a *mini.Allocator to the Allocator seam. size is
// unused on Free — the span header already knows its own size — but
// kept for interface symmetry with the other backends.
type miniBackend struct {
	a *mini.Allocator
}

// NewMiniBackend wraps a.
func NewMiniBackend(a *mini.Allocator) Allocator {
	return &miniBackend{a: a}
}

func (m *miniBackend) Name() string { return "mini" }

func (m *miniBackend) Alloc(size int) (unsafe.Pointer, error) {
	return m.a.Alloc(size)
}

func (m *miniBackend) Free(ptr unsafe.Pointer, _ int) {
	m.a.Free(ptr)
}

func (m *miniBackend) TotalAllocatedBytes() int { return m.a.TotalAllocatedBytes() }
