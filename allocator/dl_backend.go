package allocator

import "unsafe"

// dlBackend is a stdlib-GC-backed adapter standing in for a direct
// dlmalloc/glibc-malloc binding, treating it as an opaque backend
// reachable through the common interface rather than a specific
// internal algorithm. Every Alloc is a fresh make([]byte, n); Free
// drops this backend's own reference so the Go GC may reclaim it once
// nothing else still points at it — including the driver, by design,
// since in-use allocations are meant to leak on graceful exit.
type dlBackend struct {
	live  map[unsafe.Pointer][]byte
	total int
}

// NewDLBackend constructs a fresh dl-style backend.
func NewDLBackend() Allocator {
	return &dlBackend{live: make(map[unsafe.Pointer][]byte)}
}

func (d *dlBackend) Name() string { return "dl" }

func (d *dlBackend) Alloc(size int) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	ptr := unsafe.Pointer(&buf[0])
	d.live[ptr] = buf
	d.total += size
	return ptr, nil
}

func (d *dlBackend) Free(ptr unsafe.Pointer, _ int) {
	delete(d.live, ptr)
}

func (d *dlBackend) TotalAllocatedBytes() int { return d.total }
