package memory

import (
	"errors"
	"fmt"
)

// FaultKind classifies the access that triggered a page fault.
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExecute
)

// FaultOutcome describes how a fault was resolved, for the scheduler
// and diagnostics layer to log or act on.
type FaultOutcome int

const (
	// FaultResolved means the fault was handled transparently (a COW
	// copy was made, or a lazily-backed page was populated) and the
	// faulting instruction should be retried.
	FaultResolved FaultOutcome = iota
	// FaultFatal means the access violated the region's permissions or
	// named an unmapped address; the process should be terminated.
	FaultFatal
)

// ErrSegmentationFault is wrapped into the error returned by
// HandlePageFault whenever the outcome is FaultFatal, so callers can
// errors.Is against it regardless of the specific cause.
var ErrSegmentationFault = errors.New("memory: segmentation fault")

// HandlePageFault resolves a fault at addr of the given kind: a write
// to a copy-on-write page makes a private copy, an access to a
// present-but-unbacked region (demand paging) allocates and zeroes a
// frame, and anything else — unmapped address, permission mismatch —
// is reported fatal.
func (as *AddressSpace) HandlePageFault(addr uint64, kind FaultKind) (FaultOutcome, error) {
	region, ok := as.regions.Find(addr)
	if !ok {
		return FaultFatal, fmt.Errorf("%w: unmapped address %#x", ErrSegmentationFault, addr)
	}

	if kind == FaultWrite && !region.Writable && !region.CopyOnWrite {
		return FaultFatal, fmt.Errorf("%w: write to read-only region at %#x", ErrSegmentationFault, addr)
	}

	if kind == FaultExecute && !region.Executable {
		return FaultFatal, fmt.Errorf("%w: execute of non-executable region at %#x", ErrSegmentationFault, addr)
	}

	page := alignDown(addr)

	frame, present := as.table.Translate(page)

	if region.CopyOnWrite && kind == FaultWrite {
		return as.resolveCopyOnWrite(page, frame, present, region)
	}

	if !present {
		return as.resolveDemandPage(page, region)
	}

	return FaultFatal, fmt.Errorf("%w: permission violation at %#x", ErrSegmentationFault, addr)
}

func (as *AddressSpace) resolveCopyOnWrite(page uint64, oldFrame Frame, present bool, region Region) (FaultOutcome, error) {
	if !present {
		return as.resolveDemandPage(page, region)
	}

	newFrame, err := as.alloc.AllocateFrame()
	if err != nil {
		return FaultFatal, fmt.Errorf("memory: copy-on-write fault: %w", err)
	}

	as.adoptFrame(newFrame)
	copy(as.mem.FrameBytes(newFrame), as.mem.FrameBytes(oldFrame))

	if err := as.table.Unmap(page); err != nil {
		return FaultFatal, err
	}

	as.releaseFrame(oldFrame)

	if err := as.table.Map(page, newFrame, DeriveFlags(true, region.Executable), as.alloc); err != nil {
		return FaultFatal, err
	}

	as.clearRegionCopyOnWrite(page)

	return FaultResolved, nil
}

// clearRegionCopyOnWrite splits off the single faulted page from its
// region's copy-on-write status once it has its own private copy,
// leaving the rest of the region pending.
func (as *AddressSpace) clearRegionCopyOnWrite(page uint64) {
	region, ok := as.regions.Find(page)
	if !ok {
		return
	}

	remaining := region
	remaining.FileOffset += page - region.Start
	remaining.Start = page
	remaining.End = page + PageSize
	remaining.CopyOnWrite = false

	as.regions.Remove(page, page+PageSize)
	as.regions.Insert(remaining)
}

func (as *AddressSpace) resolveDemandPage(page uint64, region Region) (FaultOutcome, error) {
	frame, err := as.alloc.AllocateFrame()
	if err != nil {
		return FaultFatal, fmt.Errorf("memory: demand page fault: %w", err)
	}

	as.adoptFrame(frame)

	dst := as.mem.FrameBytes(frame)
	zero(dst)

	if region.Kind == KindFileBacked && as.backing != nil {
		off := region.FileOffset + (page - region.Start)
		if err := as.backing.ReadAt(region.FileRef, off, dst); err != nil {
			as.releaseFrame(frame)

			return FaultFatal, fmt.Errorf("memory: file-backed fill at %#x: %w", page, err)
		}
	}

	flags := DeriveFlags(region.Writable, region.Executable)
	if err := as.table.Map(page, frame, flags, as.alloc); err != nil {
		return FaultFatal, err
	}

	return FaultResolved, nil
}

// Clone creates a child address space sharing all frames with as
// under copy-on-write, the fork(2) contract. Both the parent's and
// child's writable private regions are marked copy-on-write and their
// page table entries stripped of the writable bit so the next write to
// either traps into HandlePageFault. Shared writable regions stay
// writable and shared; read-only regions share frames as they are.
func (as *AddressSpace) Clone() (*AddressSpace, error) {
	root, err := as.alloc.AllocateFrame()
	if err != nil {
		return nil, fmt.Errorf("memory: clone: allocating page table root: %w", err)
	}

	zero(as.mem.FrameBytes(root))

	child := &AddressSpace{
		table:        NewPageTable(root, as.mem),
		mem:          as.mem,
		alloc:        as.alloc,
		refs:         as.refs, // shared: a COW frame is freed only at its last reference
		backing:      as.backing,
		heapBase:     as.heapBase,
		heapBreak:    as.heapBreak,
		heapMapped:   as.heapMapped,
		heapLimit:    as.heapLimit,
		nextMmapHint: as.nextMmapHint,
		stackTop:     as.stackTop,
		wxEnforced:   as.wxEnforced,
	}

	parentRegions := as.regions.Regions()
	as.regions = RegionSet{}

	for _, r := range parentRegions {
		childRegion := r
		parentRegion := r

		// Only writable private regions go copy-on-write. Read-only
		// regions (code, rodata) share their frames directly and must
		// keep faulting fatally on write.
		if !r.Shared && r.Writable {
			childRegion.CopyOnWrite = true
			parentRegion.CopyOnWrite = true
		}

		if err := child.regions.Insert(childRegion); err != nil {
			return nil, err
		}

		if err := as.regions.Insert(parentRegion); err != nil {
			return nil, err
		}

		for page := r.Start; page < r.End; page += PageSize {
			frame, ok := as.table.Translate(page)
			if !ok {
				continue
			}

			writable := r.Writable && r.Shared

			child.adoptFrame(frame)

			if err := child.table.Map(page, frame, DeriveFlags(writable, r.Executable), child.alloc); err != nil {
				return nil, err
			}

			if !r.Shared && r.Writable {
				if err := as.table.UpdateFlags(page, DeriveFlags(false, r.Executable)); err != nil {
					return nil, err
				}
			}
		}
	}

	return child, nil
}
