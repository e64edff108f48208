// Package sizeclass decomposes a requested byte count into at most K
// power-of-two orders that cover it with minimal excess. It backs the
// chunky splitter (package chunky) and is also usable standalone.
package sizeclass

import (
	"fmt"
	"math/bits"
)

// Unused marks an unused slot in a Decompose result.
const Unused = -1

// Params fixes the shape of a decomposition: the slot capacity K, the
// allowed order range, and the overhead accounted for on top of the
// caller's requested size.
type Params struct {
	// K is the maximum number of orders in a decomposition.
	K int
	// MinOrder and MaxOrder bound every order in the result.
	MinOrder, MaxOrder int
	// BlobHeaderSize is the fixed header every decomposition pays once
	// (e.g. the chunky blob header).
	BlobHeaderSize int
	// HeaderOverhead is additional fixed overhead folded into "need".
	// It must be at least BlockHeaderSize: the decomposition budgets a
	// block header for only K-1 of the K possible sub-blocks, and
	// HeaderOverhead is what covers the first block's header. A caller
	// that charges every sub-block a header (the chunky splitter does)
	// would under-cover the request otherwise.
	HeaderOverhead int
	// BlockHeaderSize is the per-sub-block header the underlying
	// allocator charges; the search target is padded by K-1 of these
	// so the extra splits are conservatively accounted for, with the
	// first block's header carried by HeaderOverhead.
	BlockHeaderSize int
}

func (p Params) validate() error {
	if p.K <= 0 {
		return fmt.Errorf("sizeclass: K must be positive, got %d", p.K)
	}
	if p.MinOrder < 0 {
		return fmt.Errorf("sizeclass: MinOrder must be >= 0, got %d", p.MinOrder)
	}
	if p.MaxOrder < p.MinOrder {
		return fmt.Errorf("sizeclass: MaxOrder (%d) must be >= MinOrder (%d)", p.MaxOrder, p.MinOrder)
	}
	if p.MaxOrder >= bits.UintSize-1 {
		return fmt.Errorf("sizeclass: MaxOrder (%d) too large for %d-bit uint", p.MaxOrder, bits.UintSize)
	}
	if p.HeaderOverhead < p.BlockHeaderSize {
		return fmt.Errorf("sizeclass: HeaderOverhead (%d) must cover BlockHeaderSize (%d)",
			p.HeaderOverhead, p.BlockHeaderSize)
	}
	return nil
}

// Decompose produces an ordered (largest-first), Unused-padded slice of
// K orders whose powers of two sum to at least size+overhead, per the
// algorithm in the allocator-fragmentation design: a single small order
// is chosen directly for small requests, otherwise orders are picked
// greedily from the remaining gap and a final low-bit carry closes any
// residual gap when K orders were not enough to land exactly.
func Decompose(size int, p Params) ([]int, error) {
	if size < 0 {
		return nil, fmt.Errorf("sizeclass: negative size %d", size)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	orders := make([]int, p.K)
	for i := range orders {
		orders[i] = Unused
	}

	need := size + p.BlobHeaderSize + p.HeaderOverhead

	if need <= 2<<uint(p.MinOrder) {
		o := p.MinOrder
		if need > 1<<uint(p.MinOrder) {
			o = p.MinOrder + 1
		}
		if o > p.MaxOrder {
			return nil, fmt.Errorf("sizeclass: size %d needs order %d > MaxOrder %d", size, o, p.MaxOrder)
		}
		orders[0] = o
		assertCoverage(orders, need)
		return orders, nil
	}

	needPadded := need + (p.K-1)*p.BlockHeaderSize

	var covered uint
	used := 0
	for used < p.K && covered < uint(needPadded) {
		delta := uint(needPadded) - covered
		if delta == 0 {
			break
		}
		o := bits.Len(delta) - 1
		used++
		if o < p.MinOrder {
			covered += 1 << uint(p.MinOrder)
			break
		}
		if o > p.MaxOrder {
			o = p.MaxOrder
		}
		covered |= 1 << uint(o)
	}

	if used >= p.K && covered < uint(needPadded) {
		low := covered & (-covered)
		if low == 0 {
			low = 1
		}
		covered += low
	}

	idx := 0
	for covered != 0 && idx < p.K {
		o := bits.Len(covered) - 1
		if o > p.MaxOrder {
			return nil, fmt.Errorf("sizeclass: size %d needs order %d > MaxOrder %d within %d slots", size, o, p.MaxOrder, p.K)
		}
		orders[idx] = o
		covered &^= 1 << uint(o)
		idx++
	}
	for ; idx < p.K; idx++ {
		orders[idx] = Unused
	}

	assertCoverage(orders, need)
	return orders, nil
}

// assertCoverage panics if the decomposition doesn't cover the
// requested need — this is an internal invariant, not a user error.
func assertCoverage(orders []int, need int) {
	sum := 0
	for _, o := range orders {
		if o == Unused {
			continue
		}
		sum += 1 << uint(o)
	}
	if sum < need {
		panic(fmt.Sprintf("sizeclass: decomposition covers %d bytes, need %d", sum, need))
	}
}

// Sum returns the total bytes covered by a Decompose result.
func Sum(orders []int) int {
	sum := 0
	for _, o := range orders {
		if o == Unused {
			continue
		}
		sum += 1 << uint(o)
	}
	return sum
}
