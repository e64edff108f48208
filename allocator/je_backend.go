package allocator

import (
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
)

// jeBackend adapts bytedance/gopkg's mcache, a size-classed pooled
// allocator, standing in for an opaque third-party ("je") backend.
// mcache exposes no bytes-in-use or total-allocated counter of its
// own, so this backend tracks both explicitly, keyed by the returned
// pointer.
type jeBackend struct {
	live  map[unsafe.Pointer][]byte
	total int
}

// NewJeBackend constructs a fresh je-style backend.
func NewJeBackend() Allocator {
	return &jeBackend{live: make(map[unsafe.Pointer][]byte)}
}

func (j *jeBackend) Name() string { return "je" }

func (j *jeBackend) Alloc(size int) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	buf := mcache.Malloc(size)
	ptr := unsafe.Pointer(&buf[0])
	j.live[ptr] = buf
	j.total += cap(buf)
	return ptr, nil
}

func (j *jeBackend) Free(ptr unsafe.Pointer, _ int) {
	buf, ok := j.live[ptr]
	if !ok {
		return
	}
	delete(j.live, ptr)
	mcache.Free(buf)
}

func (j *jeBackend) TotalAllocatedBytes() int { return j.total }
