// Package mini implements a boundary-tag free-list allocator over
// OS-backed arenas, indexed by an ordered tree keyed (size, address)
// for best-fit-with-address-tiebreak allocation and O(log n)
// coalescing.
//
// Headers and footers are single machine words read and written
// directly against memory granted by osregion.Granter, the same way
// package buddy treats a granted region as a raw header overlay.
package mini

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/google/btree"

	"github.com/fragbench/allocbench/osregion"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// Flag bits live in the two high bits of the header word; the
// remaining bits hold the span size, which is always a multiple of
// wordSize, leaving low-order bits free in principle — here the flags
// sit at the opposite end of the same word instead, an equivalent
// encoding.
const (
	freeFlag     = uintptr(1) << (bits.UintSize - 1)
	prevFreeFlag = uintptr(1) << (bits.UintSize - 2)
	sizeMask     = ^(freeFlag | prevFreeFlag)
)

// minSpanSize is the smallest size field (payload+footer) a span may
// carry; below this, splitting off a tail is not worthwhile.
const minSpanSize = 2 * wordSize

// arenaOverhead is the linkage word, a span header word, and the
// trailing sentinel word every arena pays once.
const arenaOverhead = 3 * wordSize

// defaultChunkSize is used when the caller does not request a larger
// arena.
const defaultChunkSize = 4 << 20 // 4 MiB

func readWord(addr uintptr) uintptr        { return *(*uintptr)(unsafe.Pointer(addr)) }
func writeWord(addr uintptr, v uintptr)    { *(*uintptr)(unsafe.Pointer(addr)) = v }
func spanSize(headerAddr uintptr) uintptr  { return readWord(headerAddr) & sizeMask }
func spanIsFree(headerAddr uintptr) bool   { return readWord(headerAddr)&freeFlag != 0 }
func spanPrevFree(headerAddr uintptr) bool { return readWord(headerAddr)&prevFreeFlag != 0 }

func setPrevFreeFlag(headerAddr uintptr, prevFree bool) {
	w := readWord(headerAddr)
	if prevFree {
		w |= prevFreeFlag
	} else {
		w &^= prevFreeFlag
	}
	writeWord(headerAddr, w)
}

// writeHeader writes both the header word and the mirroring footer
// word. The footer never carries flags, only the size.
func writeHeader(headerAddr, size uintptr, free, prevFree bool) {
	w := size
	if free {
		w |= freeFlag
	}
	if prevFree {
		w |= prevFreeFlag
	}
	writeWord(headerAddr, w)
	writeWord(headerAddr+size, size)
}

// span is the Go-heap key used to index a free span in the ordered
// tree. It carries no allocator state of its own; the real state
// lives in the raw header word at addr. real is false only for the
// synthetic probe key used by findFit.
type span struct {
	size uintptr
	addr uintptr
	real bool
}

func (s *span) Less(than btree.Item) bool {
	o := than.(*span)
	if s.size != o.size {
		return s.size < o.size
	}
	if s.real != o.real {
		return !s.real
	}
	return s.addr < o.addr
}

// Allocator is a boundary-tag, best-fit-by-size-then-address heap
// over one or more OS-backed arenas. Not safe for concurrent use.
type Allocator struct {
	grant     osregion.Granter
	chunkSize uintptr
	free      *btree.BTree

	totalBytes int
	headArena  uintptr // address of the most recently granted arena's linkage word, 0 if none
}

// New creates a mini allocator granting arenas of at least chunkSize
// bytes (rounded up as needed to satisfy a large request) from grant.
// chunkSize <= 0 selects a 4 MiB default.
func New(grant osregion.Granter, chunkSize int) (*Allocator, error) {
	if grant == nil {
		grant = osregion.Default()
	}
	cs := uintptr(chunkSize)
	if chunkSize <= 0 {
		cs = defaultChunkSize
	}
	return &Allocator{
		grant:     grant,
		chunkSize: cs,
		free:      btree.New(32),
	}, nil
}

func (a *Allocator) Name() string { return "mini" }

// TotalAllocatedBytes is the sum of bytes ever granted by the OS
// across all arenas; it only grows.
func (a *Allocator) TotalAllocatedBytes() int { return a.totalBytes }

func nextPow2(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	return uintptr(1) << uint(bits.Len(uint(n-1)))
}

// addArena grants a fresh arena able to satisfy at least minSize
// bytes of span payload, initialises it as a single free span, and
// indexes that span.
func (a *Allocator) addArena(minSize uintptr) error {
	want := a.chunkSize
	need := minSize + arenaOverhead
	if need > want {
		want = need
	}
	granted := nextPow2(want)

	region, err := a.grant.Grant(int(granted))
	if err != nil {
		return fmt.Errorf("mini: OS refused arena grant: %w", err)
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	a.totalBytes += len(region)

	linkageAddr := base
	writeWord(linkageAddr, a.headArena)
	a.headArena = linkageAddr

	spanHeaderAddr := base + wordSize
	payloadSize := uintptr(len(region)) - arenaOverhead
	writeHeader(spanHeaderAddr, payloadSize, true, false)

	sentinelAddr := spanHeaderAddr + wordSize + payloadSize
	writeWord(sentinelAddr, 0) // FREE and PREV_FREE both clear: a permanent stop for coalescing

	a.free.ReplaceOrInsert(&span{size: payloadSize, addr: spanHeaderAddr, real: true})
	return nil
}

// findFit returns the lowest-address span among those of the
// smallest size >= effective, via a synthetic probe key that compares
// strictly less than any real span of equal size.
func (a *Allocator) findFit(effective uintptr) *span {
	probe := &span{size: effective, real: false}
	var found *span
	a.free.AscendGreaterOrEqual(probe, func(i btree.Item) bool {
		found = i.(*span)
		return false
	})
	return found
}

// Alloc returns a payload pointer to at least size usable bytes, or
// an error if the OS refuses the arena grant needed to serve it.
func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, fmt.Errorf("mini: negative size %d", size)
	}
	effective := uintptr(size) + wordSize
	if effective < minSpanSize {
		effective = minSpanSize
	}
	if rem := effective % wordSize; rem != 0 {
		effective += wordSize - rem
	}

	node := a.findFit(effective)
	if node == nil {
		if err := a.addArena(effective); err != nil {
			return nil, err
		}
		node = a.findFit(effective)
		if node == nil {
			return nil, fmt.Errorf("mini: arena grant insufficient for %d bytes", size)
		}
	}
	return a.carve(node, effective), nil
}

// carve removes node from the free tree and hands its space to the
// caller, splitting off a free tail span when the leftover is large
// enough to be useful.
func (a *Allocator) carve(node *span, effective uintptr) unsafe.Pointer {
	a.free.Delete(node)
	headerAddr := node.addr
	total := node.size
	prevFree := spanPrevFree(headerAddr)

	remaining := total - effective
	if remaining >= wordSize+minSpanSize {
		tailHeaderAddr := headerAddr + wordSize + effective
		tailSize := remaining - wordSize
		writeHeader(tailHeaderAddr, tailSize, true, false)
		a.free.ReplaceOrInsert(&span{size: tailSize, addr: tailHeaderAddr, real: true})
		writeHeader(headerAddr, effective, false, prevFree)
	} else {
		writeHeader(headerAddr, total, false, prevFree)
		nextAddr := headerAddr + wordSize + total
		setPrevFreeFlag(nextAddr, false)
	}
	return unsafe.Pointer(headerAddr + wordSize)
}

// Free releases a payload pointer previously returned by Alloc,
// eagerly coalescing with a free predecessor and/or successor span.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	headerAddr := uintptr(ptr) - wordSize
	size := spanSize(headerAddr)
	prevFree := spanPrevFree(headerAddr)

	if prevFree {
		predFooterAddr := headerAddr - wordSize
		predSize := readWord(predFooterAddr)
		predHeaderAddr := headerAddr - wordSize - predSize
		a.free.Delete(&span{size: predSize, addr: predHeaderAddr, real: true})
		size = predSize + wordSize + size
		headerAddr = predHeaderAddr
		prevFree = spanPrevFree(headerAddr)
	}

	nextAddr := headerAddr + wordSize + size
	if spanIsFree(nextAddr) {
		nextSize := spanSize(nextAddr)
		a.free.Delete(&span{size: nextSize, addr: nextAddr, real: true})
		size = size + wordSize + nextSize
	}

	writeHeader(headerAddr, size, true, prevFree)
	a.free.ReplaceOrInsert(&span{size: size, addr: headerAddr, real: true})

	succAddr := headerAddr + wordSize + size
	setPrevFreeFlag(succAddr, true)
}

// Realloc allocates a new size-byte block, copies min(oldSize, size)
// bytes from ptr, frees ptr, and returns the new block. There is no
// in-place growth.
func (a *Allocator) Realloc(ptr unsafe.Pointer, oldSize, size int) (unsafe.Pointer, error) {
	newPtr, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if size < n {
		n = size
	}
	if n > 0 {
		copy(unsafe.Slice((*byte)(newPtr), n), unsafe.Slice((*byte)(ptr), n))
	}
	a.Free(ptr)
	return newPtr, nil
}

// Stats reports the number of OS arenas, the number of free spans,
// and the total free bytes across them, invoking cb (if non-nil) for
// every free span in ascending (size, address) order.
//
// TotalFreeBytes accumulates across every span visited; an earlier
// revision of this walk assigned rather than accumulated, undercounting
// whenever more than one free span existed.
func (a *Allocator) Stats(cb func(addr uintptr, size int)) Stats {
	var st Stats
	st.OSChunks = a.arenaCount()
	a.free.Ascend(func(i btree.Item) bool {
		s := i.(*span)
		st.FreeSpansCount++
		st.TotalFreeBytes += int(s.size)
		if cb != nil {
			cb(s.addr, int(s.size))
		}
		return true
	})
	return st
}

// Stats is the snapshot returned by (*Allocator).Stats.
type Stats struct {
	OSChunks       int
	FreeSpansCount int
	TotalFreeBytes int
}

func (a *Allocator) arenaCount() int {
	n := 0
	for addr := a.headArena; addr != 0; addr = readWord(addr) {
		n++
	}
	return n
}

// HeaderWordSize is the size in bytes of one header/footer word,
// exposed for tests and callers that need to account for it.
const HeaderWordSize = wordSize
