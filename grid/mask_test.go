package grid

import (
	"errors"
	"fmt"
	"testing"
)

func ExampleBuildComplementMask() {
	stage1, _ := BuildAxisMask(4, DefaultNodeBits)
	total, _ := BuildAxisMask(16, DefaultNodeBits)
	stage2, _ := BuildComplementMask(total, stage1)
	fmt.Println(stage1, stage2, total)
	// Output: 0x000c0000 0x00300000 0x003c0000
}

func TestBuildAxisMask(t *testing.T) {
	mask, err := BuildAxisMask(4, 18)
	if err != nil {
		t.Fatal(err)
	} else if mask != 0x000C0000 {
		t.Errorf("unexpected mask %v", mask)
	}
	if mask.GroupSize() != 4 {
		t.Errorf("expected group of 4 but got %d", mask.GroupSize())
	}
	if _, err := BuildAxisMask(3, 18); !errors.Is(err, ErrNotPowerOfTwo) {
		t.Errorf("expected ErrNotPowerOfTwo but got %v", err)
	}
	if mask, _ := BuildAxisMask(1, 18); mask != 0 {
		t.Errorf("single node axis should have an empty mask, got %v", mask)
	}
}

func TestMaskPartition(t *testing.T) {
	for _, numNodes := range []int{8, 16} {
		t.Run(fmt.Sprintf("Nodes=%d", numNodes), func(t *testing.T) {
			stage1, err := BuildAxisMask(4, DefaultNodeBits)
			if err != nil {
				t.Fatal(err)
			}
			total, err := BuildAxisMask(numNodes, DefaultNodeBits)
			if err != nil {
				t.Fatal(err)
			}
			stage2, err := BuildComplementMask(total, stage1)
			if err != nil {
				t.Fatal(err)
			}
			if stage1.Overlaps(stage2) {
				t.Errorf("stages overlap: %v & %v", stage1, stage2)
			}
			if stage1.Union(stage2) != total {
				t.Errorf("stages do not cover %v: %v | %v", total, stage1, stage2)
			}
			if stage1.GroupSize()*stage2.GroupSize() != numNodes {
				t.Errorf("group sizes %d*%d do not multiply to %d", stage1.GroupSize(),
					stage2.GroupSize(), numNodes)
			}
		})
	}
}

func TestBuildComplementMaskNotSubset(t *testing.T) {
	total, _ := BuildAxisMask(4, DefaultNodeBits)
	axis, _ := BuildAxisMask(8, DefaultNodeBits)
	if _, err := BuildComplementMask(total, axis); !errors.Is(err, ErrMaskNotSubset) {
		t.Errorf("expected ErrMaskNotSubset but got %v", err)
	}
}
