package chunky

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragbench/allocbench/sizeclass"
)

// fakeAllocator is a minimal in-test allocator.Allocator: every Alloc
// is a genuine make([]byte, n), giving tests full visibility into
// call counts and live state without depending on any real backend's
// internal layout.
type fakeAllocator struct {
	live   map[unsafe.Pointer][]byte
	total  int
	allocs int
}

func newFake() *fakeAllocator {
	return &fakeAllocator{live: make(map[unsafe.Pointer][]byte)}
}

func (f *fakeAllocator) Name() string { return "fake" }

func (f *fakeAllocator) Alloc(size int) (unsafe.Pointer, error) {
	buf := make([]byte, size)
	p := unsafe.Pointer(&buf[0])
	f.live[p] = buf
	f.total += size
	f.allocs++
	return p, nil
}

func (f *fakeAllocator) Free(ptr unsafe.Pointer, _ int) {
	delete(f.live, ptr)
}

func (f *fakeAllocator) TotalAllocatedBytes() int { return f.total }

// flakyAllocator fails every Alloc from the failAfter'th call onward,
// for exercising chunky's all-or-nothing rollback.
type flakyAllocator struct {
	*fakeAllocator
	failAfter int
}

func (f *flakyAllocator) Alloc(size int) (unsafe.Pointer, error) {
	if f.allocs >= f.failAfter {
		return nil, fmt.Errorf("flaky: out of memory")
	}
	return f.fakeAllocator.Alloc(size)
}

func chunkyParams() sizeclass.Params {
	return sizeclass.Params{
		K:               4,
		MinOrder:        5,
		MaxOrder:        20,
		BlobHeaderSize:  8,
		HeaderOverhead:  24, // covers the first block's header, >= BlockHeaderSize
		BlockHeaderSize: 24,
	}
}

func TestAlloc_SmallSizeUsesSingleChunk(t *testing.T) {
	f := newFake()
	s := New(f, chunkyParams())

	p, err := s.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, 1, f.allocs)

	var chunks [][2]int
	s.IterateChunks(p, 10, func(addr unsafe.Pointer, size int) {
		chunks = append(chunks, [2]int{int(uintptr(addr)), size})
	})
	assert.Len(t, chunks, 1)

	s.Free(p, 10)
	assert.Empty(t, f.live)
}

// Mirrors the size-class carry scenario: a 130-byte request still
// collapses to a single 256-byte chunk.
func TestAlloc_CarryScenarioStillOneChunk(t *testing.T) {
	f := newFake()
	s := New(f, chunkyParams())

	p, err := s.Alloc(130)
	require.NoError(t, err)
	assert.Equal(t, 1, f.allocs)
	s.Free(p, 130)
}

func TestAlloc_LargeSizeSpansMultipleChunks(t *testing.T) {
	f := newFake()
	params := sizeclass.Params{K: 4, MinOrder: 5, MaxOrder: 20, BlobHeaderSize: 8, HeaderOverhead: 8, BlockHeaderSize: 8}
	s := New(f, params)

	const size = 100000
	p, err := s.Alloc(size)
	require.NoError(t, err)
	assert.Greater(t, f.allocs, 1, "a size this far past 2*MinOrder should spread across multiple chunks")

	var total int
	s.IterateChunks(p, size, func(_ unsafe.Pointer, chunkSize int) {
		total += chunkSize
	})
	assert.GreaterOrEqual(t, total, size+params.BlobHeaderSize)

	s.Free(p, size)
	assert.Empty(t, f.live, "freeing the blob must release every sub-chunk")
}

// A size that drives all K decomposition slots: even with every chunk
// charged a block header, the physical chunks must still have payload
// room for the request plus the blob header.
func TestAlloc_AllSlotsUsedStillCoversRequest(t *testing.T) {
	f := newFake()
	s := New(f, chunkyParams())

	const size = 10780
	p, err := s.Alloc(size)
	require.NoError(t, err)

	var total, chunks int
	s.IterateChunks(p, size, func(_ unsafe.Pointer, chunkSize int) {
		total += chunkSize
		chunks++
	})
	assert.Equal(t, s.params.K, chunks, "this size should spread across every slot")
	assert.GreaterOrEqual(t, total, size+s.params.BlobHeaderSize)

	s.Free(p, size)
	assert.Empty(t, f.live)
}

func TestAlloc_SubChunkFailureRollsBackEverything(t *testing.T) {
	f := newFake()
	flaky := &flakyAllocator{fakeAllocator: f, failAfter: 1} // chunk 0 succeeds, the first extra chunk fails
	params := sizeclass.Params{K: 4, MinOrder: 5, MaxOrder: 20, BlobHeaderSize: 8, HeaderOverhead: 8, BlockHeaderSize: 8}
	s := New(flaky, params)

	_, err := s.Alloc(100000)
	require.Error(t, err)
	assert.Empty(t, f.live, "a failed sub-chunk allocation must roll back the already-obtained chunk 0")
}

func TestFree_UnknownPointerPanics(t *testing.T) {
	f := newFake()
	s := New(f, chunkyParams())
	assert.Panics(t, func() { s.Free(unsafe.Pointer(&f), 10) })
}

func TestTotalAllocatedBytes_DelegatesToBackend(t *testing.T) {
	f := newFake()
	s := New(f, chunkyParams())
	p, err := s.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, f.TotalAllocatedBytes(), s.TotalAllocatedBytes())
	s.Free(p, 10)
}
