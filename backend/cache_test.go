package backend

import (
	"testing"

	"github.com/colorfulnotion/dynarec/ir"
)

func TestRangeIndexOverlap(t *testing.T) {
	var x blockRangeIndex
	locA := ir.NewLocationDescriptor(0x100, false, false, 0)
	locB := ir.NewLocationDescriptor(0x200, false, false, 0)
	x.AddRange(0x100, 0x10F, locA)
	x.AddRange(0x200, 0x20F, locB)

	// touching the last byte of A is an overlap; a byte past it is not
	if hit := x.InvalidateRange(0x10F, 0x10F); len(hit) != 1 || hit[0] != locA {
		t.Fatalf("closed-interval end not treated as overlap: %v", hit)
	}
	if hit := x.InvalidateRange(0x110, 0x1FF); len(hit) != 0 {
		t.Fatalf("gap between blocks reported overlaps: %v", hit)
	}
	if hit := x.InvalidateRange(0x1FF, 0x200); len(hit) != 1 || hit[0] != locB {
		t.Fatalf("range ending on a block start missed it: %v", hit)
	}
	if x.Len() != 0 {
		t.Fatalf("%d entries left after everything invalidated", x.Len())
	}
}

func TestRangeIndexSameRangeDifferentModes(t *testing.T) {
	// the same PC compiled in two modes is two distinct blocks; a write
	// there must take out both
	var x blockRangeIndex
	arm := ir.NewLocationDescriptor(0x100, false, false, 0)
	thumb := ir.NewLocationDescriptor(0x100, true, false, 0)
	x.AddRange(0x100, 0x103, arm)
	x.AddRange(0x100, 0x101, thumb)

	hit := x.InvalidateRange(0x100, 0x100)
	if len(hit) != 2 {
		t.Fatalf("expected both mode variants, got %v", hit)
	}
}

func TestRangeIndexInvalidateLocations(t *testing.T) {
	var x blockRangeIndex
	locA := ir.NewLocationDescriptor(0x100, false, false, 0)
	locB := ir.NewLocationDescriptor(0x200, false, false, 0)
	x.AddRange(0x100, 0x10F, locA)
	x.AddRange(0x200, 0x20F, locB)

	x.InvalidateLocations([]ir.LocationDescriptor{locA})
	if x.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", x.Len())
	}
	if hit := x.InvalidateRange(0, 0xFFFFFFFF); len(hit) != 1 || hit[0] != locB {
		t.Fatalf("wrong survivor: %v", hit)
	}
}

func TestGuestRange(t *testing.T) {
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	d := BlockDescriptor{Location: loc, EndLocation: loc.AdvancePC(8)}
	start, end := d.GuestRange()
	if start != 0x100 || end != 0x107 {
		t.Fatalf("guest range [%#x, %#x], want [0x100, 0x107]", start, end)
	}
}
