package memory

import (
	"errors"
	"fmt"
)

// MapFlags mirrors the subset of mmap(2)'s MAP_* flags this core
// recognizes.
type MapFlags int

const (
	MapPrivate MapFlags = 0
	MapShared  MapFlags = 1 << iota
	// MapFixed takes addr literally: the call fails instead of falling
	// back to a kernel-chosen range when the address is taken.
	MapFixed
)

var (
	// ErrInvalidLength is returned when a requested length is zero or
	// not page aligned.
	ErrInvalidLength = errors.New("memory: length must be a non-zero multiple of the page size")
	// ErrAlreadyMapped is returned by a MapFixed request whose range
	// overlaps an existing region.
	ErrAlreadyMapped = errors.New("memory: fixed address range is already mapped")
	// ErrPermissionDenied is returned when a mapping or protection
	// request violates an enforced invariant, such as W+X under W^X.
	ErrPermissionDenied = errors.New("memory: permission denied")
)

// Mmap establishes a new anonymous region of length bytes with the
// given permissions, returning its base address. addr is a hint: when
// zero, or when the hinted range is unavailable (and MapFixed is not
// set), a free range is chosen starting from the address space's mmap
// search cursor, growing downward the way glibc's mmap allocator
// walks the gap below the stack.
func (as *AddressSpace) Mmap(addr, length uint64, writable, executable bool, flags MapFlags) (uint64, error) {
	if length == 0 || length%PageSize != 0 {
		return 0, ErrInvalidLength
	}

	if as.wxEnforced && writable && executable {
		return 0, fmt.Errorf("%w: writable+executable mapping", ErrPermissionDenied)
	}

	base := addr

	if flags&MapFixed != 0 {
		if base == 0 || base%PageSize != 0 {
			return 0, ErrUnalignedAddress
		}

		if as.overlapsExisting(base, base+length) {
			return 0, fmt.Errorf("%w: [%#x,%#x)", ErrAlreadyMapped, base, base+length)
		}
	} else if base == 0 || as.overlapsExisting(base, base+length) {
		var err error

		base, err = as.findFreeRange(length)
		if err != nil {
			return 0, err
		}
	} else if base%PageSize != 0 {
		return 0, ErrUnalignedAddress
	}

	kind := KindAnonymous
	if flags&MapShared != 0 {
		kind = KindShared
	}

	region := Region{
		Start: base, End: base + length, Kind: kind,
		Writable: writable, Executable: executable, Shared: flags&MapShared != 0,
	}

	if err := as.regions.Insert(region); err != nil {
		return 0, err
	}

	pteFlags := DeriveFlags(writable, executable)

	for page := region.Start; page < region.End; page += PageSize {
		frame, err := as.alloc.AllocateFrame()
		if err != nil {
			as.rollbackMapping(region.Start, page, region.End)

			return 0, fmt.Errorf("memory: mmap: %w", err)
		}

		as.adoptFrame(frame)
		zero(as.mem.FrameBytes(frame))

		if err := as.table.Map(page, frame, pteFlags, as.alloc); err != nil {
			as.releaseFrame(frame)
			as.rollbackMapping(region.Start, page, region.End)

			return 0, err
		}
	}

	return base, nil
}

// rollbackMapping undoes a partially built mapping after a mid-loop
// failure: every frame mapped in [start, mapped) is unmapped and
// released, and the reserved region [start, end) is removed, so the
// failed call leaves no trace.
func (as *AddressSpace) rollbackMapping(start, mapped, end uint64) {
	for page := start; page < mapped; page += PageSize {
		if frame, ok := as.table.Translate(page); ok {
			as.table.Unmap(page)
			as.releaseFrame(frame)
		}
	}

	as.regions.Remove(start, end)
}

// FileStore supplies backing bytes for file-backed mappings. The VFS
// layer implements it; the core only asks for page-sized reads at
// fault time.
type FileStore interface {
	ReadAt(ref int, offset uint64, dst []byte) error
}

// SetFileStore attaches the backing store MmapFile regions are
// demand-filled from.
func (as *AddressSpace) SetFileStore(fs FileStore) { as.backing = fs }

// MmapFile establishes a file-backed region over [offset,
// offset+length) of the file identified by ref. Unlike anonymous
// Mmap, no frames are populated up front: every page is demand-paged
// from the file store on first access.
func (as *AddressSpace) MmapFile(addr, length uint64, writable, executable bool, flags MapFlags, ref int, offset uint64) (uint64, error) {
	if length == 0 || length%PageSize != 0 {
		return 0, ErrInvalidLength
	}

	if as.wxEnforced && writable && executable {
		return 0, fmt.Errorf("%w: writable+executable mapping", ErrPermissionDenied)
	}

	base := addr

	if flags&MapFixed != 0 {
		if base == 0 || base%PageSize != 0 {
			return 0, ErrUnalignedAddress
		}

		if as.overlapsExisting(base, base+length) {
			return 0, fmt.Errorf("%w: [%#x,%#x)", ErrAlreadyMapped, base, base+length)
		}
	} else if base == 0 || as.overlapsExisting(base, base+length) {
		var err error

		base, err = as.findFreeRange(length)
		if err != nil {
			return 0, err
		}
	} else if base%PageSize != 0 {
		return 0, ErrUnalignedAddress
	}

	region := Region{
		Start: base, End: base + length, Kind: KindFileBacked,
		Writable: writable, Executable: executable, Shared: flags&MapShared != 0,
		FileRef: ref, FileOffset: offset,
	}

	if err := as.regions.Insert(region); err != nil {
		return 0, err
	}

	return base, nil
}

func (as *AddressSpace) overlapsExisting(start, end uint64) bool {
	for _, r := range as.regions.Regions() {
		if r.Overlaps(Region{Start: start, End: end}) {
			return true
		}
	}

	return false
}

func (as *AddressSpace) findFreeRange(length uint64) (uint64, error) {
	candidate := as.nextMmapHint

	for candidate > as.heapBreak {
		start := candidate - length
		if start < as.heapBreak {
			break
		}

		if !as.overlapsExisting(start, candidate) {
			as.nextMmapHint = start

			return start, nil
		}

		candidate = start
	}

	return 0, ErrMmapExhausted
}

// Munmap unmaps [addr, addr+length), freeing the backing frames of
// any page that had one. Addresses outside any mapping are ignored,
// matching POSIX munmap semantics.
func (as *AddressSpace) Munmap(addr, length uint64) error {
	if length == 0 || length%PageSize != 0 {
		return ErrInvalidLength
	}

	for page := addr; page < addr+length; page += PageSize {
		if frame, ok := as.table.Translate(page); ok {
			as.table.Unmap(page)
			as.releaseFrame(frame)
		}
	}

	return as.regions.Remove(addr, addr+length)
}

// Mprotect changes the read/write/execute permissions of [addr,
// addr+length). The range must be fully covered by existing regions.
func (as *AddressSpace) Mprotect(addr, length uint64, writable, executable bool) error {
	if length == 0 || length%PageSize != 0 {
		return ErrInvalidLength
	}

	if as.wxEnforced && writable && executable {
		return fmt.Errorf("%w: writable+executable protection", ErrPermissionDenied)
	}

	if err := as.regions.SetPermissions(addr, addr+length, writable, executable); err != nil {
		return err
	}

	flags := DeriveFlags(writable, executable)

	for page := addr; page < addr+length; page += PageSize {
		if _, ok := as.table.Translate(page); ok {
			if err := as.table.UpdateFlags(page, flags); err != nil {
				return err
			}
		}
	}

	return nil
}

// Brk sets the heap break to target, mapping or unmapping whole pages
// to match. It refuses to move the break below the heap's base or
// past the heap band's ceiling.
func (as *AddressSpace) Brk(target uint64) (uint64, error) {
	if target == 0 {
		return as.heapBreak, nil
	}

	if target < as.heapBase {
		return 0, ErrBrkBelowHeapBase
	}

	if as.heapLimit != 0 && target > as.heapLimit {
		return 0, fmt.Errorf("%w: brk target %#x past heap ceiling %#x", ErrOutOfMemory, target, as.heapLimit)
	}

	newMapped := alignUp(target)
	oldMapped := as.heapMapped

	switch {
	case newMapped > oldMapped:
		region := Region{Start: oldMapped, End: newMapped, Kind: KindHeap, Writable: true, Name: "[heap]"}
		if err := as.regions.Insert(region); err != nil {
			return 0, err
		}

		flags := DeriveFlags(true, false)

		for page := oldMapped; page < newMapped; page += PageSize {
			frame, err := as.alloc.AllocateFrame()
			if err != nil {
				as.rollbackMapping(oldMapped, page, newMapped)

				return 0, fmt.Errorf("memory: brk: %w", err)
			}

			as.adoptFrame(frame)
			zero(as.mem.FrameBytes(frame))

			if err := as.table.Map(page, frame, flags, as.alloc); err != nil {
				as.releaseFrame(frame)
				as.rollbackMapping(oldMapped, page, newMapped)

				return 0, err
			}
		}
	case newMapped < oldMapped:
		if err := as.Munmap(newMapped, oldMapped-newMapped); err != nil {
			return 0, err
		}
	}

	// heapBreak tracks the exact byte-granular break; heapMapped tracks
	// the page-rounded boundary of its backing mappings.
	as.heapBreak = target
	as.heapMapped = newMapped

	return target, nil
}

// Sbrk adjusts the heap break by delta bytes (which may be negative)
// and returns the address of the break before the adjustment, the
// traditional sbrk(2) contract.
func (as *AddressSpace) Sbrk(delta int64) (uint64, error) {
	before := as.heapBreak

	target := int64(before) + delta
	if target < 0 {
		return 0, ErrBrkBelowHeapBase
	}

	if _, err := as.Brk(uint64(target)); err != nil {
		return 0, err
	}

	return before, nil
}
