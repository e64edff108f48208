// Package buddy implements a power-of-two buddy allocator with
// intrusive doubly linked free lists and eager recursive coalescing.
//
// The free lists are intrusive (header fields live inside the block
// itself, as in a classic C buddy allocator) so that unlinking an
// interior node is O(1) without walking the list — see
// header.prevLink.
package buddy

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/fragbench/allocbench/osregion"
)

// header is the prefix stored at the start of every block, free or
// used. In the free state, order caches the block's order so that
// equal-order buddy coalescing (see Free) can be validated without a
// separate lookup table.
type header struct {
	next     *header
	prevLink **header // address of the slot that points to this node: either &head or &prev.next
	order    int32
	used     int32
}

// usedMarker is written into next for allocated blocks; it is never a
// valid *header (headers are at least pointer-aligned, and this value
// deliberately breaks alignment), so it doubles as a poison check.
const usedSentinel = 1

func usedMarker() *header {
	return (*header)(unsafe.Pointer(uintptr(usedSentinel)))
}

// Allocator is a buddy allocator over a range of orders
// [MinOrder, MaxOrder]. It is not safe for concurrent use, matching
// the single-threaded design of the rest of this workbench.
type Allocator struct {
	minOrder, maxOrder int
	freeLists          []*header // indexed by order - minOrder

	grant          osregion.Granter
	topBlocksGrant int // count of MaxOrder blocks ever obtained from the OS
}

// New creates a buddy allocator for orders in [minOrder, maxOrder]
// granting top-order blocks from grant. grant is typically
// osregion.Default().
func New(minOrder, maxOrder int, grant osregion.Granter) (*Allocator, error) {
	if minOrder < 0 {
		return nil, fmt.Errorf("buddy: minOrder must be >= 0, got %d", minOrder)
	}
	if maxOrder < minOrder {
		return nil, fmt.Errorf("buddy: maxOrder (%d) must be >= minOrder (%d)", maxOrder, minOrder)
	}
	if maxOrder >= bits.UintSize-1 {
		return nil, fmt.Errorf("buddy: maxOrder (%d) too large for %d-bit uintptr", maxOrder, bits.UintSize)
	}
	if 1<<uint(minOrder) <= int(unsafe.Sizeof(header{})) {
		return nil, fmt.Errorf("buddy: minOrder must cover header size (%d bytes), got order %d",
			unsafe.Sizeof(header{}), minOrder)
	}
	if grant == nil {
		grant = osregion.Default()
	}
	return &Allocator{
		minOrder:  minOrder,
		maxOrder:  maxOrder,
		freeLists: make([]*header, maxOrder-minOrder+1),
		grant:     grant,
	}, nil
}

func (a *Allocator) slot(order int) int { return order - a.minOrder }

// Alloc returns the payload pointer of a freshly allocated block of
// exactly 1<<order bytes including the header, aligned to 1<<order.
// It aborts (panics) if order is out of range or the OS refuses a
// top-order grant, matching the no-soft-errors failure model of the
// buddy backend.
func (a *Allocator) Alloc(order int) unsafe.Pointer {
	if order < a.minOrder || order > a.maxOrder {
		panic(fmt.Sprintf("buddy: order %d out of range [%d,%d]", order, a.minOrder, a.maxOrder))
	}
	h := a.popFree(order)
	if h == nil {
		h = a.split(order)
	}
	h.next = usedMarker()
	h.prevLink = nil
	h.used = 1
	return payload(h)
}

// split obtains a free block of exactly the given order, recursively
// splitting a block of order+1 (or granting a fresh top-order block
// from the OS) when none is on hand.
func (a *Allocator) split(order int) *header {
	if order == a.maxOrder {
		return a.allocTopBlock()
	}
	parent := a.popFree(order + 1)
	if parent == nil {
		parent = a.split(order + 1)
	}
	buddy := (*header)(unsafe.Add(unsafe.Pointer(parent), 1<<uint(order)))
	a.pushFree(buddy, order)
	return parent
}

func (a *Allocator) allocTopBlock() *header {
	region, err := a.grant.Grant(1 << uint(a.maxOrder))
	if err != nil {
		panic(fmt.Sprintf("buddy: OS refused top-order grant: %v", err))
	}
	a.topBlocksGrant++
	return (*header)(unsafe.Pointer(&region[0]))
}

// popFree removes and returns the head of free_lists[order], or nil.
func (a *Allocator) popFree(order int) *header {
	h := a.freeLists[a.slot(order)]
	if h == nil {
		return nil
	}
	a.unlink(h)
	return h
}

// pushFree marks h free of the given order and links it at the head
// of free_lists[order].
func (a *Allocator) pushFree(h *header, order int) {
	slot := a.slot(order)
	head := &a.freeLists[slot]
	h.next = *head
	h.prevLink = head
	h.order = int32(order)
	h.used = 0
	if *head != nil {
		(*head).prevLink = &h.next
	}
	*head = h
}

// unlink removes an interior free-list node in O(1) using its
// back-pointer to the slot that references it.
func (a *Allocator) unlink(h *header) {
	*h.prevLink = h.next
	if h.next != nil {
		h.next.prevLink = h.prevLink
	}
}

// Free releases a block previously returned by Alloc for the same
// order, coalescing eagerly with its buddy when possible.
func (a *Allocator) Free(ptr unsafe.Pointer, order int) {
	if order < a.minOrder || order > a.maxOrder {
		panic(fmt.Sprintf("buddy: order %d out of range [%d,%d]", order, a.minOrder, a.maxOrder))
	}
	h := blockHeader(ptr)
	if h.next != usedMarker() || h.used == 0 {
		panic("buddy: double free or invalid block")
	}
	a.free(h, order)
}

func (a *Allocator) free(h *header, order int) {
	if order < a.maxOrder {
		buddy := buddyOf(h, order)
		if buddy.next != usedMarker() && int(buddy.order) == order {
			a.unlink(buddy)
			if uintptr(unsafe.Pointer(buddy)) < uintptr(unsafe.Pointer(h)) {
				h = buddy
			}
			a.free(h, order+1)
			return
		}
	}
	a.pushFree(h, order)
}

// buddyOf computes the buddy of a block of the given order via
// address XOR (1<<order), expressed relative to the block's own
// address (valid regardless of the absolute base, since XOR-ing the
// low bits of an aligned address toggles exactly the order bit).
func buddyOf(h *header, order int) *header {
	addr := uintptr(unsafe.Pointer(h))
	return (*header)(unsafe.Pointer(addr ^ (1 << uint(order))))
}

func payload(h *header) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), unsafe.Sizeof(header{}))
}

func blockHeader(ptr unsafe.Pointer) *header {
	return (*header)(unsafe.Add(ptr, -int(unsafe.Sizeof(header{}))))
}

// TotalAllocatedBytes is the sum of bytes ever granted by the OS; it
// only grows — grants are never released back.
func (a *Allocator) TotalAllocatedBytes() int {
	return a.topBlocksGrant << uint(a.maxOrder)
}

// FreeListLen reports how many blocks sit in free_lists[order], for
// tests and diagnostics.
func (a *Allocator) FreeListLen(order int) int {
	n := 0
	for h := a.freeLists[a.slot(order)]; h != nil; h = h.next {
		n++
	}
	return n
}

// MinOrder and MaxOrder expose the configured order range.
func (a *Allocator) MinOrder() int { return a.minOrder }
func (a *Allocator) MaxOrder() int { return a.maxOrder }

// HeaderSize is the per-block prefix size, exposed so callers (e.g.
// sizeclass.Params.BlockHeaderSize) can account for it.
const HeaderSize = unsafe.Sizeof(header{})
