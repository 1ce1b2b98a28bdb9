package grid

import (
	"fmt"
	"math/bits"
)

// A Mask is a set of address bits that the interconnect
// ignores when it matches a destination address.
//
// A transfer addressed to A with mask M reaches (or, for a
// reduction, collects from) every node whose address B
// satisfies A&^M == B&^M.
type Mask uint64

// BuildAxisMask creates the mask selecting axisSize
// consecutive nodes whose ids differ only in the bits
// starting at axisBitOffset.
func BuildAxisMask(axisSize int, axisBitOffset uint) (Mask, error) {
	if !IsPowerOfTwo(axisSize) {
		return 0, fmt.Errorf("build axis mask: axis of %d nodes: %w", axisSize, ErrNotPowerOfTwo)
	}
	return Mask(uint64(axisSize-1) << axisBitOffset), nil
}

// BuildComplementMask returns the bits of total that are
// not in axis, so that the two masks partition total.
func BuildComplementMask(total, axis Mask) (Mask, error) {
	if axis&^total != 0 {
		return 0, fmt.Errorf("build complement mask: %v in %v: %w", axis, total, ErrMaskNotSubset)
	}
	return total &^ axis, nil
}

// Overlaps checks if two masks share any bit.
func (m Mask) Overlaps(other Mask) bool {
	return m&other != 0
}

// Union combines two masks.
func (m Mask) Union(other Mask) Mask {
	return m | other
}

// NumBits returns the number of wildcard bits.
func (m Mask) NumBits() int {
	return bits.OnesCount64(uint64(m))
}

// GroupSize returns how many addresses the mask matches
// for any fixed destination.
func (m Mask) GroupSize() int {
	return 1 << m.NumBits()
}

func (m Mask) String() string {
	return fmt.Sprintf("0x%08x", uint64(m))
}
