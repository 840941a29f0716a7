package memory

import (
	"encoding/binary"
	"errors"
)

// EntryFlags mirrors the x86_64 page table entry flag bits used by
// this core.
type EntryFlags uint64

const (
	FlagPresent    EntryFlags = 1 << 0
	FlagWritable   EntryFlags = 1 << 1
	FlagUser       EntryFlags = 1 << 2
	FlagWriteThrough EntryFlags = 1 << 3
	FlagNoCache    EntryFlags = 1 << 4
	FlagAccessed   EntryFlags = 1 << 5
	FlagDirty      EntryFlags = 1 << 6
	FlagHuge       EntryFlags = 1 << 7
	FlagGlobal     EntryFlags = 1 << 8
	FlagNoExecute  EntryFlags = 1 << 63

	frameAddrMask = 0x000f_ffff_ffff_f000
)

const (
	entriesPerTable = 512
	pageLevels      = 4

	// pageLevelShifts[i] is the bit offset of level i's 9-bit index
	// within a virtual address: level 0 = PML4, level 3 = PT.
)

var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

var (
	// ErrInvalidMapping is returned by Translate/Unmap/UpdateFlags
	// when the walk hits a not-present entry.
	ErrInvalidMapping = errors.New("memory: no mapping for virtual address")
	errHugePage       = errors.New("memory: huge pages are not supported")
)

// entry is a single 8-byte page table entry.
type entry struct {
	bytes []byte
}

func (e entry) raw() uint64           { return binary.LittleEndian.Uint64(e.bytes) }
func (e entry) setRaw(v uint64)       { binary.LittleEndian.PutUint64(e.bytes, v) }
func (e entry) hasFlags(f EntryFlags) bool { return EntryFlags(e.raw())&f == f }
func (e entry) frame() Frame          { return Frame((e.raw() & frameAddrMask) / PageSize) }

func (e entry) setFrame(f Frame) {
	e.setRaw((e.raw() &^ frameAddrMask) | f.Address())
}

func (e entry) setFlags(f EntryFlags) {
	e.setRaw(e.raw() | uint64(f))
}

func (e entry) clearFlags(f EntryFlags) {
	e.setRaw(e.raw() &^ uint64(f))
}

// PageTable is a four-level x86_64 translation tree rooted at a
// physical frame. A bare-metal kernel walks the currently active MMU
// table through a recursive virtual mapping; this core walks a
// PhysicalAccessor's simulated physical memory directly, since it is
// a portable library rather than code executing with an active CR3.
type PageTable struct {
	root Frame
	mem  PhysicalAccessor
}

// NewPageTable wraps an existing, zeroed root frame as a PageTable.
func NewPageTable(root Frame, mem PhysicalAccessor) *PageTable {
	return &PageTable{root: root, mem: mem}
}

// Root returns the physical frame backing this table, the value that
// would be loaded into CR3.
func (pt *PageTable) Root() Frame { return pt.root }

func entryAt(mem PhysicalAccessor, table Frame, index uint64) entry {
	b := mem.FrameBytes(table)

	return entry{bytes: b[index*8 : index*8+8]}
}

func index(vaddr uint64, level int) uint64 {
	return (vaddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// walk descends the table for vaddr, calling alloc to materialize any
// missing intermediate table at levels 0..pageLevels-2, and returns
// the level-(pageLevels-1) entry (the PTE itself). If alloc is nil,
// a missing intermediate table is reported as ErrInvalidMapping
// instead of being created — the read-only walk used by Translate/
// Unmap/UpdateFlags.
func (pt *PageTable) walk(vaddr uint64, alloc FrameAllocator) (entry, error) {
	table := pt.root

	for level := 0; level < pageLevels; level++ {
		e := entryAt(pt.mem, table, index(vaddr, level))

		if level == pageLevels-1 {
			return e, nil
		}

		if e.hasFlags(FlagHuge) {
			return entry{}, errHugePage
		}

		if !e.hasFlags(FlagPresent) {
			if alloc == nil {
				return entry{}, ErrInvalidMapping
			}

			newTable, err := alloc.AllocateFrame()
			if err != nil {
				return entry{}, err
			}

			zero(pt.mem.FrameBytes(newTable))
			e.setRaw(0)
			e.setFrame(newTable)
			e.setFlags(FlagPresent | FlagWritable | FlagUser)
		}

		table = e.frame()
	}

	panic("unreachable")
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Map establishes a mapping between a virtual page and a physical
// frame, allocating any missing intermediate tables via alloc.
func (pt *PageTable) Map(vaddr uint64, frame Frame, flags EntryFlags, alloc FrameAllocator) error {
	e, err := pt.walk(vaddr, alloc)
	if err != nil {
		return err
	}

	e.setRaw(0)
	e.setFrame(frame)
	e.setFlags(FlagPresent | flags)

	return nil
}

// Unmap clears the present bit for vaddr's mapping. It does not free
// the underlying frame or intermediate tables; the caller (the
// address space) owns frame lifetime.
func (pt *PageTable) Unmap(vaddr uint64) error {
	e, err := pt.walk(vaddr, nil)
	if err != nil {
		return err
	}

	if !e.hasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	e.clearFlags(FlagPresent)

	return nil
}

// Translate returns the physical frame vaddr currently maps to, or
// ok=false if there is no present mapping.
func (pt *PageTable) Translate(vaddr uint64) (Frame, bool) {
	e, err := pt.walk(vaddr, nil)
	if err != nil || !e.hasFlags(FlagPresent) {
		return 0, false
	}

	return e.frame(), true
}

// UpdateFlags replaces the flag bits (not the frame) of vaddr's
// mapping.
func (pt *PageTable) UpdateFlags(vaddr uint64, flags EntryFlags) error {
	e, err := pt.walk(vaddr, nil)
	if err != nil {
		return err
	}

	if !e.hasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	frame := e.frame()
	e.setRaw(0)
	e.setFrame(frame)
	e.setFlags(FlagPresent | flags)

	return nil
}

// DeriveFlags computes the page-table flag set for a region's
// read/write/execute permissions.
func DeriveFlags(writable, executable bool) EntryFlags {
	f := FlagPresent | FlagUser

	if writable {
		f |= FlagWritable
	}

	if !executable {
		f |= FlagNoExecute
	}

	return f
}
