package buddy

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragbench/allocbench/osregion"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(5, 12, osregion.Default())
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
		wantErr  bool
	}{
		{"valid", 5, 12, false},
		{"min_eq_max", 8, 8, false},
		{"max_lt_min", 10, 5, true},
		{"negative_min", -1, 10, true},
		{"min_too_small_for_header", 1, 10, true},
	}
	for _, tt := range tests {
		_, err := New(tt.min, tt.max, osregion.Default())
		if tt.wantErr {
			assert.Error(t, err, tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
	}
}

// Two small blocks carved from one top-order OS grant; after both
// frees, the top-order free list has exactly one block and all
// smaller lists are empty again.
func TestFreeBothBuddiesCoalescesBackToTopBlock(t *testing.T) {
	a := newTestAllocator(t)
	order := 5 // MinOrder: 32-byte blocks, 8 payload bytes past the header

	p1 := a.Alloc(order)
	p2 := a.Alloc(order)
	assert.Equal(t, 1, a.TotalAllocatedBytes()/(1<<12))

	a.Free(p1, order)
	a.Free(p2, order)

	for o := a.MinOrder(); o < a.MaxOrder(); o++ {
		assert.Equal(t, 0, a.FreeListLen(o), "order %d should be empty after full coalesce", o)
	}
	assert.Equal(t, 1, a.FreeListLen(a.MaxOrder()))
}

// Two same-order blocks split from the same parent are buddies: their
// header addresses differ by exactly the order bit.
func TestSiblingBlocksAreAddressXORBuddies(t *testing.T) {
	a := newTestAllocator(t)
	order := a.MinOrder()

	p1 := a.Alloc(order)
	p2 := a.Alloc(order)

	h1 := blockHeader(p1)
	h2 := blockHeader(p2)
	got := uintptr(unsafe.Pointer(h1)) ^ uintptr(unsafe.Pointer(h2))
	assert.Equal(t, uintptr(1<<uint(order)), got)
}

func TestAllocFree_RoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	order := 6
	p := a.Alloc(order)

	buf := unsafe.Slice((*byte)(p), 1<<uint(order)-int(HeaderSize))
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		assert.Equal(t, byte(i), buf[i])
	}
	a.Free(p, order)
}

func TestFree_DoubleFreePanics(t *testing.T) {
	a := newTestAllocator(t)
	order := 6
	p := a.Alloc(order)
	a.Free(p, order)
	assert.Panics(t, func() { a.Free(p, order) })
}

func TestFree_NoCoalesceWhileBuddyStillUsed(t *testing.T) {
	a := newTestAllocator(t)
	order := a.MinOrder()

	p1 := a.Alloc(order)
	p2 := a.Alloc(order) // buddy of p1

	a.Free(p1, order)
	assert.Equal(t, 1, a.FreeListLen(order), "buddy still used, no coalesce expected")

	a.Free(p2, order)
	assert.Equal(t, 0, a.FreeListLen(order), "both buddies free, should have coalesced upward")
}

func TestTotalAllocatedBytesGrowsOnlyViaOS(t *testing.T) {
	a := newTestAllocator(t)
	before := a.TotalAllocatedBytes()
	order := a.MinOrder()
	p := a.Alloc(order)
	after := a.TotalAllocatedBytes()
	assert.GreaterOrEqual(t, after, before)
	a.Free(p, order)
	assert.Equal(t, after, a.TotalAllocatedBytes())
}

func TestAlloc_OrderOutOfRangePanics(t *testing.T) {
	a := newTestAllocator(t)
	assert.Panics(t, func() { a.Alloc(a.MaxOrder() + 1) })
	assert.Panics(t, func() { a.Alloc(a.MinOrder() - 1) })
}
