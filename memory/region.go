package memory

import (
	"errors"
	"sort"
)

// Kind classifies the backing and purpose of a Region, mirroring the
// distinctions a real VMA needs for fault handling and /proc/*/maps
// style introspection.
type Kind int

const (
	KindAnonymous Kind = iota
	KindFileBacked
	KindShared
	KindStack
	KindHeap
	KindCode
	KindData
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindFileBacked:
		return "file"
	case KindShared:
		return "shared"
	case KindStack:
		return "stack"
	case KindHeap:
		return "heap"
	case KindCode:
		return "code"
	case KindData:
		return "data"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Region is a contiguous, permission-uniform range of a process's
// virtual address space, the unit mmap/munmap/mprotect operate on.
type Region struct {
	Start      uint64
	End        uint64 // exclusive
	Kind       Kind
	Writable   bool
	Executable bool
	Shared     bool
	// CopyOnWrite marks pages in this region as not-yet-duplicated
	// after a Clone; the first write fault materializes a private copy.
	CopyOnWrite bool

	// FileRef/FileOffset describe the backing file of a file-backed
	// region; FileRef 0 means anonymous. Name labels special regions
	// ("[stack]", "[heap]") in dumps.
	FileRef    int
	FileOffset uint64
	Name       string
}

// Len returns the region's size in bytes.
func (r Region) Len() uint64 { return r.End - r.Start }

// Contains reports whether addr falls within [Start, End).
func (r Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// Overlaps reports whether r and o share any address.
func (r Region) Overlaps(o Region) bool { return r.Start < o.End && o.Start < r.End }

func (r Region) samePermissions(o Region) bool {
	return r.Kind == o.Kind && r.Writable == o.Writable &&
		r.Executable == o.Executable && r.Shared == o.Shared && r.CopyOnWrite == o.CopyOnWrite &&
		r.FileRef == o.FileRef && r.Name == o.Name
}

// mergeableWith reports whether o can be folded onto r's tail: same
// attributes and, for file-backed regions, contiguous file offsets.
func (r Region) mergeableWith(o Region) bool {
	if !r.samePermissions(o) || r.End != o.Start {
		return false
	}

	return r.FileRef == 0 || r.FileOffset+r.Len() == o.FileOffset
}

var (
	// ErrRegionOverlap is returned when inserting a region that
	// overlaps an existing one.
	ErrRegionOverlap = errors.New("memory: region overlaps an existing mapping")
	// ErrNoSuchRegion is returned when an operation names an address
	// not covered by any region.
	ErrNoSuchRegion = errors.New("memory: no region contains the given address")
	// ErrUnalignedAddress is returned when an address or length isn't
	// page aligned, per the mmap/munmap/mprotect contract.
	ErrUnalignedAddress = errors.New("memory: address or length is not page aligned")
)

// RegionSet is a sorted, non-overlapping collection of Regions — the
// VMA list of an address space, holding heterogeneous region kinds
// rather than just identity-mapped kernel entries.
type RegionSet struct {
	regions []Region
}

// Regions returns a copy of the set's regions in address order.
func (rs *RegionSet) Regions() []Region {
	out := make([]Region, len(rs.regions))
	copy(out, rs.regions)

	return out
}

func (rs *RegionSet) indexOf(addr uint64) int {
	return sort.Search(len(rs.regions), func(i int) bool {
		return rs.regions[i].End > addr
	})
}

// Find returns the region containing addr, if any.
func (rs *RegionSet) Find(addr uint64) (Region, bool) {
	i := rs.indexOf(addr)
	if i < len(rs.regions) && rs.regions[i].Contains(addr) {
		return rs.regions[i], true
	}

	return Region{}, false
}

// Insert adds a new region, merging it with an immediately adjacent
// region of identical permissions and rejecting overlap with anything
// else.
func (rs *RegionSet) Insert(r Region) error {
	if r.Start%PageSize != 0 || r.End%PageSize != 0 || r.Start >= r.End {
		return ErrUnalignedAddress
	}

	i := rs.indexOf(r.Start)

	if i < len(rs.regions) && rs.regions[i].Overlaps(r) {
		return ErrRegionOverlap
	}

	if i > 0 && rs.regions[i-1].Overlaps(r) {
		return ErrRegionOverlap
	}

	merged := r

	// Merge with predecessor if contiguous and attribute-identical.
	if i > 0 && rs.regions[i-1].mergeableWith(merged) {
		merged.Start = rs.regions[i-1].Start
		merged.FileOffset = rs.regions[i-1].FileOffset
		rs.regions = append(rs.regions[:i-1], rs.regions[i:]...)
		i--
	}

	// Merge with successor if contiguous and attribute-identical.
	if i < len(rs.regions) && merged.mergeableWith(rs.regions[i]) {
		merged.End = rs.regions[i].End
		rs.regions = append(rs.regions[:i], rs.regions[i+1:]...)
	}

	rs.regions = append(rs.regions, Region{})
	copy(rs.regions[i+1:], rs.regions[i:])
	rs.regions[i] = merged

	return nil
}

// Remove deletes the address range [start, end), splitting any region
// that only partially overlaps it. Addresses not covered by any
// region are silently skipped, matching munmap's POSIX semantics.
func (rs *RegionSet) Remove(start, end uint64) error {
	if start%PageSize != 0 || end%PageSize != 0 || start >= end {
		return ErrUnalignedAddress
	}

	var kept []Region

	for _, r := range rs.regions {
		switch {
		case r.End <= start || r.Start >= end:
			kept = append(kept, r)
		case r.Start >= start && r.End <= end:
			// fully removed
		case r.Start < start && r.End > end:
			// split into two
			left, right := r, r
			left.End = start
			right.FileOffset += end - right.Start
			right.Start = end
			kept = append(kept, left, right)
		case r.Start < start:
			r.End = start
			kept = append(kept, r)
		default:
			r.FileOffset += end - r.Start
			r.Start = end
			kept = append(kept, r)
		}
	}

	rs.regions = kept

	return nil
}

// SetPermissions updates writable/executable flags across [start,
// end), splitting boundary regions as needed. The range must be fully
// covered by existing regions, per the mprotect contract.
func (rs *RegionSet) SetPermissions(start, end uint64, writable, executable bool) error {
	if start%PageSize != 0 || end%PageSize != 0 || start >= end {
		return ErrUnalignedAddress
	}

	if !rs.fullyCovered(start, end) {
		return ErrNoSuchRegion
	}

	var out []Region

	for _, r := range rs.regions {
		if r.End <= start || r.Start >= end {
			out = append(out, r)

			continue
		}

		if r.Start < start {
			head := r
			head.End = start
			out = append(out, head)
			r.FileOffset += start - r.Start
			r.Start = start
		}

		var tail *Region

		if r.End > end {
			t := r
			t.FileOffset += end - t.Start
			t.Start = end
			tail = &t
			r.End = end
		}

		r.Writable = writable
		r.Executable = executable
		out = append(out, r)

		if tail != nil {
			out = append(out, *tail)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	rs.regions = mergeAdjacent(out)

	return nil
}

func (rs *RegionSet) fullyCovered(start, end uint64) bool {
	cursor := start

	for _, r := range rs.regions {
		if r.Start > cursor {
			break
		}

		if r.Start <= cursor && r.End > cursor {
			cursor = r.End
		}

		if cursor >= end {
			return true
		}
	}

	return cursor >= end
}

func mergeAdjacent(regions []Region) []Region {
	if len(regions) == 0 {
		return regions
	}

	out := regions[:1]

	for _, r := range regions[1:] {
		last := &out[len(out)-1]
		if last.mergeableWith(r) {
			last.End = r.End

			continue
		}

		out = append(out, r)
	}

	return out
}
