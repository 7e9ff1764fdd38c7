package backend

import (
	"sort"

	"github.com/colorfulnotion/dynarec/ir"
)

// BlockDescriptor records where a compiled block landed in the code buffer.
type BlockDescriptor struct {
	Entrypoint CodePtr
	Size       int

	Location    ir.LocationDescriptor
	EndLocation ir.LocationDescriptor
}

// GuestRange returns the closed guest byte range the block translates.
func (d BlockDescriptor) GuestRange() (start, end uint32) {
	start = d.Location.PC()
	end = d.EndLocation.PC()
	if end > start {
		end--
	}
	return start, end
}

// blockRangeIndex maps guest address ranges to the blocks covering them, so
// a write to guest memory can be turned into the set of blocks to throw away.
// Entries are kept sorted by range start.
type blockRangeIndex struct {
	entries []blockRangeEntry
}

type blockRangeEntry struct {
	start, end uint32 // closed range
	location   ir.LocationDescriptor
}

// AddRange records that the block at location covers [start, end].
func (x *blockRangeIndex) AddRange(start, end uint32, location ir.LocationDescriptor) {
	e := blockRangeEntry{start: start, end: end, location: location}
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].start >= start
	})
	x.entries = append(x.entries, blockRangeEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
}

// InvalidateRange removes and returns the locations of all blocks whose
// guest range overlaps [start, end].
func (x *blockRangeIndex) InvalidateRange(start, end uint32) []ir.LocationDescriptor {
	var hit []ir.LocationDescriptor
	kept := x.entries[:0]
	for _, e := range x.entries {
		if e.start <= end && start <= e.end {
			hit = append(hit, e.location)
		} else {
			kept = append(kept, e)
		}
	}
	x.entries = kept
	return hit
}

// InvalidateLocations removes index entries for the given block locations.
func (x *blockRangeIndex) InvalidateLocations(locations []ir.LocationDescriptor) {
	drop := make(map[ir.LocationDescriptor]struct{}, len(locations))
	for _, loc := range locations {
		drop[loc] = struct{}{}
	}
	kept := x.entries[:0]
	for _, e := range x.entries {
		if _, ok := drop[e.location]; !ok {
			kept = append(kept, e)
		}
	}
	x.entries = kept
}

func (x *blockRangeIndex) Clear() {
	x.entries = x.entries[:0]
}

func (x *blockRangeIndex) Len() int {
	return len(x.entries)
}
