package allocator

import (
	"fmt"
	"unsafe"

	"github.com/fragbench/allocbench/buddy"
)

// buddyBackend adapts a *buddy.Allocator to the Allocator seam. Every
// size maps deterministically to the smallest order that fits it plus
// the block header, so Free can recompute the order it was allocated
// with from size alone, mirroring the order-must-match contract of
// buddy.Free itself.
type buddyBackend struct {
	a *buddy.Allocator
}

// NewBuddyBackend wraps a.
func NewBuddyBackend(a *buddy.Allocator) Allocator {
	return &buddyBackend{a: a}
}

func orderFor(size, minOrder, maxOrder int) int {
	need := size + int(buddy.HeaderSize)
	if need > 1<<uint(maxOrder) {
		panic(fmt.Sprintf("allocator: size %d exceeds buddy top order %d", size, maxOrder))
	}
	o := minOrder
	for o < maxOrder && (1<<uint(o)) < need {
		o++
	}
	return o
}

func (b *buddyBackend) Name() string { return "buddy" }

func (b *buddyBackend) Alloc(size int) (unsafe.Pointer, error) {
	o := orderFor(size, b.a.MinOrder(), b.a.MaxOrder())
	return b.a.Alloc(o), nil
}

func (b *buddyBackend) Free(ptr unsafe.Pointer, size int) {
	o := orderFor(size, b.a.MinOrder(), b.a.MaxOrder())
	b.a.Free(ptr, o)
}

func (b *buddyBackend) TotalAllocatedBytes() int { return b.a.TotalAllocatedBytes() }

// IterateChunks reports the single block backing the allocation: a
// buddy allocation is never split across multiple physical regions.
func (b *buddyBackend) IterateChunks(ptr unsafe.Pointer, size int, fn func(unsafe.Pointer, int)) {
	o := orderFor(size, b.a.MinOrder(), b.a.MaxOrder())
	fn(ptr, 1<<uint(o))
}

var _ ChunkIterator = (*buddyBackend)(nil)
