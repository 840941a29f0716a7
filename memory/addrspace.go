package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vzwjustin/Rustos-sub005/elfimage"
)

var (
	// ErrBrkBelowHeapBase is returned when Brk is asked to move the
	// break below the heap's original base.
	ErrBrkBelowHeapBase = errors.New("memory: brk target is below heap base")
	// ErrMmapExhausted is returned when the unmapped-region search
	// cannot find a free hint address below the user-space ceiling.
	ErrMmapExhausted = errors.New("memory: no free virtual address range")
)

const userSpaceCeiling = 0x0000_7fff_ffff_f000

// AddressSpace is the complete virtual memory state of one process:
// its region set, its root page table, and the heap/mmap/stack
// cursors mmap(2)/brk(2) advance.
type AddressSpace struct {
	regions      RegionSet
	table        *PageTable
	mem          PhysicalAccessor
	alloc        FrameAllocator
	refs         *frameRefs
	backing      FileStore
	heapBase     uint64
	heapBreak    uint64 // exact byte-granular break returned by brk/sbrk
	heapMapped   uint64 // page-aligned end of the heap's backing mappings
	heapLimit    uint64 // heap band ceiling; 0 before LoadFromPlan
	nextMmapHint uint64
	stackTop     uint64
	wxEnforced   bool
}

// heapBandSize bounds how far brk may grow above the heap base.
const heapBandSize = 1 << 30

// NewAddressSpace allocates a fresh root page table and an empty
// address space, ready to receive LoadFromPlan.
func NewAddressSpace(mem PhysicalAccessor, alloc FrameAllocator) (*AddressSpace, error) {
	root, err := alloc.AllocateFrame()
	if err != nil {
		return nil, fmt.Errorf("memory: allocating page table root: %w", err)
	}

	zero(mem.FrameBytes(root))

	return &AddressSpace{
		table:      NewPageTable(root, mem),
		mem:        mem,
		alloc:      alloc,
		refs:       newFrameRefs(),
		wxEnforced: true,
		// Same mmap cursor LoadFromPlan installs, so hint-less Mmap
		// works before an image is loaded.
		nextMmapHint: 0x0000_7f00_0000_0000,
	}, nil
}

// SetWXEnforced toggles the write-xor-execute policy for subsequent
// Mmap/Mprotect calls.
func (as *AddressSpace) SetWXEnforced(on bool) { as.wxEnforced = on }

// LoadFromPlan maps every loadable segment of an ELF load plan into
// the address space, backing each page with a freshly allocated
// frame and copying in the segment's file contents (zero-filling the
// memsz-filesz tail, the .bss convention). It also establishes the
// heap immediately above the highest loaded address and a default
// mmap search hint below the canonical stack region.
func (as *AddressSpace) LoadFromPlan(plan elfimage.LoadPlan, image []byte) error {
	for _, seg := range plan.Segments {
		kind := KindData
		if seg.Perm.Executable() {
			kind = KindCode
		}

		region := Region{
			Start:      alignDown(seg.Vaddr),
			End:        alignUp(seg.Vaddr + seg.Memsz),
			Kind:       kind,
			Writable:   seg.Perm.Writable(),
			Executable: seg.Perm.Executable(),
		}

		if err := as.regions.Insert(region); err != nil {
			return fmt.Errorf("memory: loading segment at %#x: %w", seg.Vaddr, err)
		}

		if err := as.populateSegment(seg, image, region); err != nil {
			return err
		}
	}

	as.heapBase = alignUp(plan.MaxAddr)
	as.heapBreak = as.heapBase
	as.heapMapped = as.heapBase
	as.heapLimit = as.heapBase + heapBandSize
	as.nextMmapHint = 0x0000_7f00_0000_0000
	as.stackTop = userSpaceCeiling

	return as.mapStack()
}

func (as *AddressSpace) populateSegment(seg elfimage.ProgramHeader, image []byte, region Region) error {
	flags := DeriveFlags(region.Writable, region.Executable)

	for page := region.Start; page < region.End; page += PageSize {
		frame, err := as.alloc.AllocateFrame()
		if err != nil {
			return fmt.Errorf("memory: mapping %#x: %w", page, err)
		}

		as.adoptFrame(frame)

		dst := as.mem.FrameBytes(frame)
		zero(dst)

		fileStart := int64(page) - int64(seg.Vaddr) + int64(seg.Offset)
		fileEnd := fileStart + PageSize

		copyFileRange(dst, image, fileStart, fileEnd, int64(seg.Offset), int64(seg.Offset+seg.Filesz))

		if err := as.table.Map(page, frame, flags, as.alloc); err != nil {
			return err
		}
	}

	return nil
}

// copyFileRange copies image[max(fileStart,validStart):min(fileEnd,validEnd)]
// into the matching offset of dst, leaving the rest of dst (already
// zeroed by the caller) untouched — this is how the trailing
// memsz-filesz hole of a segment becomes .bss.
func copyFileRange(dst []byte, image []byte, fileStart, fileEnd, validStart, validEnd int64) {
	lo := max64(fileStart, validStart)
	hi := min64(fileEnd, validEnd)

	if lo >= hi {
		return
	}

	copy(dst[lo-fileStart:hi-fileStart], image[lo:hi])
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}

const defaultStackSize = 8 * PageSize

func (as *AddressSpace) mapStack() error {
	start := as.stackTop - defaultStackSize

	region := Region{
		Start: start, End: as.stackTop, Kind: KindStack, Writable: true, Name: "[stack]",
	}

	if err := as.regions.Insert(region); err != nil {
		return fmt.Errorf("memory: mapping initial stack: %w", err)
	}

	flags := DeriveFlags(true, false)

	for page := region.Start; page < region.End; page += PageSize {
		frame, err := as.alloc.AllocateFrame()
		if err != nil {
			return fmt.Errorf("memory: mapping stack: %w", err)
		}

		as.adoptFrame(frame)
		zero(as.mem.FrameBytes(frame))

		if err := as.table.Map(page, frame, flags, as.alloc); err != nil {
			return err
		}
	}

	return nil
}

func alignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }
func alignUp(addr uint64) uint64   { return (addr + PageSize - 1) &^ (PageSize - 1) }

// Table returns the address space's root page table, the value a
// scheduler loads into CR3 on context switch.
func (as *AddressSpace) Table() *PageTable { return as.table }

// Regions returns the address space's region set, for /proc/*/maps
// style introspection and test assertions.
func (as *AddressSpace) Regions() []Region { return as.regions.Regions() }

// HeapBreak returns the current program break without moving it.
func (as *AddressSpace) HeapBreak() uint64 { return as.heapBreak }

// StackTop returns the highest stack address; the initial user RSP
// starts just below it.
func (as *AddressSpace) StackTop() uint64 { return as.stackTop }

// ReadWord reads the 8 bytes at vaddr, failing if the page is unmapped.
func (as *AddressSpace) ReadWord(vaddr uint64) (uint64, error) {
	page := alignDown(vaddr)

	frame, ok := as.table.Translate(page)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNoSuchRegion, vaddr)
	}

	off := vaddr - page

	return binary.LittleEndian.Uint64(as.mem.FrameBytes(frame)[off : off+8]), nil
}

// ReadBytes copies n bytes starting at vaddr, crossing page
// boundaries as needed. Used by fault diagnostics to fetch the
// faulting instruction's bytes.
func (as *AddressSpace) ReadBytes(vaddr uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)

	for len(out) < n {
		page := alignDown(vaddr)

		frame, ok := as.table.Translate(page)
		if !ok {
			return nil, fmt.Errorf("%w: %#x", ErrNoSuchRegion, vaddr)
		}

		off := vaddr - page
		avail := PageSize - off

		take := uint64(n - len(out))
		if take > avail {
			take = avail
		}

		out = append(out, as.mem.FrameBytes(frame)[off:off+take]...)
		vaddr += take
	}

	return out, nil
}

// WriteBytes copies b into the address space starting at vaddr,
// crossing page boundaries as needed. Like WriteWord it bypasses the
// region's writable bit; the PCB builder uses it to place argv/envp
// on the new process's stack before the process exists.
func (as *AddressSpace) WriteBytes(vaddr uint64, b []byte) error {
	for len(b) > 0 {
		page := alignDown(vaddr)

		frame, ok := as.table.Translate(page)
		if !ok {
			return fmt.Errorf("%w: %#x", ErrNoSuchRegion, vaddr)
		}

		off := vaddr - page
		avail := PageSize - off

		take := uint64(len(b))
		if take > avail {
			take = avail
		}

		copy(as.mem.FrameBytes(frame)[off:off+take], b[:take])
		vaddr += take
		b = b[take:]
	}

	return nil
}

// WriteWord writes an 8-byte little-endian value at vaddr, failing if
// the page is unmapped. It bypasses the region's writable bit
// deliberately — this is how the dynamic linker patches relocations
// into segments that will only be marked read-only afterward.
func (as *AddressSpace) WriteWord(vaddr uint64, v uint64) error {
	page := alignDown(vaddr)

	frame, ok := as.table.Translate(page)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoSuchRegion, vaddr)
	}

	off := vaddr - page

	binary.LittleEndian.PutUint64(as.mem.FrameBytes(frame)[off:off+8], v)

	return nil
}
