// Package osregion is the workbench's stand-in for the sbrk-like byte
// grant the core allocators consume: a function that yields a
// properly aligned, never-reclaimed region of memory. It never
// returns regions back to the OS: arenas and top-order blocks
// acquired here are never released back, which is what makes
// steady-state waste measurable instead of confounded by reclaim
// timing.
package osregion

import (
	"bufio"
	"fmt"
	"os"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// Granter yields a byte region of exactly size bytes. Implementations
// may additionally guarantee alignment; Default's does.
type Granter interface {
	Grant(size int) ([]byte, error)
}

// AlignedGranter grants regions aligned to size itself (size must be
// a power of two), which is what the buddy allocator's top-order
// blocks and the mini allocator's arenas require.
//
// It uses dirtmake.Bytes, an uninitialized-allocation helper, since
// these regions are immediately carved into headers and payloads by
// their owning allocator and never need zeroing.
type AlignedGranter struct {
	totalGranted int64

	// retained pins every raw grant for the life of the granter. The
	// owning allocators hold regions only through unsafe pointers (and
	// uintptr-encoded header words), which the garbage collector does
	// not trace; without this anchor a granted arena could be reclaimed
	// out from under its allocator.
	retained [][]byte
}

var _ Granter = (*AlignedGranter)(nil)

// Default returns a new AlignedGranter.
func Default() *AlignedGranter { return &AlignedGranter{} }

// Grant returns size bytes aligned to size (size must be a power of
// two). It over-allocates and slices to the first aligned offset; the
// granter retains the oversized backing array for its own lifetime,
// which is intentional: regions are never released.
func (g *AlignedGranter) Grant(size int) ([]byte, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("osregion: size must be a positive power of two, got %d", size)
	}
	raw := dirtmake.Bytes(size*2, size*2)
	g.retained = append(g.retained, raw)
	base := uintptr(unsafe.Pointer(&raw[0]))
	misalign := base & uintptr(size-1)
	var off int
	if misalign != 0 {
		off = size - int(misalign)
	}
	region := raw[off : off+size : off+size]

	g.totalGranted += int64(size)
	return region, nil
}

// TotalGranted returns the cumulative bytes handed out so far.
func (g *AlignedGranter) TotalGranted() int64 { return g.totalGranted }

// ReadRSS best-effort reads the process's resident set size from
// /proc/self/statm; cmd/fragbench uses it as the PRNG seed for -n. It
// is not load-bearing for any allocator invariant.
func ReadRSS() (uint64, error) {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 256), 256)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("osregion: empty /proc/self/statm")
	}
	var size, rssPages uint64
	if _, err := fmt.Sscanf(sc.Text(), "%d %d", &size, &rssPages); err != nil {
		return 0, fmt.Errorf("osregion: parse /proc/self/statm: %w", err)
	}
	const pageSize = 4096
	return rssPages * pageSize, nil
}
