// Package allocator defines the polymorphism seam every backend in
// this workbench implements, plus adapters that wrap the concrete
// buddy, mini, and two opaque-style backends ("system" and "je")
// behind it, and a fifth stdlib-GC-backed adapter ("dl") standing in
// for a plain malloc/free baseline.
//
// The same narrow five-operation shape covers five otherwise-unrelated
// backends: a pooled allocator wrapped behind Alloc/Free is a pattern
// worth generalizing into one explicit interface rather than repeating
// per backend.
package allocator

import "unsafe"

// Allocator is the common seam every backend satisfies: a display
// name, alloc/free by size, and a running total of bytes ever
// obtained from the OS (or, for pooled/GC-backed backends, ever
// newly created) — a monotonically increasing figure used to compute
// waste.
type Allocator interface {
	Name() string
	Alloc(size int) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer, size int)
	TotalAllocatedBytes() int
}

// ChunkIterator is an optional capability: backends implement it so
// callers can enumerate the physical pieces of one logical allocation,
// e.g. for a fragmentation chunk-map dump. The chunky splitter reports
// each of its sub-allocations; the buddy backend reports its single
// block.
type ChunkIterator interface {
	IterateChunks(ptr unsafe.Pointer, size int, fn func(chunkAddr unsafe.Pointer, chunkSize int))
}
