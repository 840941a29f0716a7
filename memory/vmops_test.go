package memory_test

import (
	"errors"
	"testing"

	"github.com/vzwjustin/Rustos-sub005/memory"
)

func newSpace(t *testing.T) (*memory.AddressSpace, *memory.BitmapFrameAllocator) {
	t.Helper()

	alloc := memory.NewBitmapFrameAllocator(4096)

	as, err := memory.NewAddressSpace(alloc, alloc)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	return as, alloc
}

// TestMmapMunmapRoundTrip checks that mapping and then unmapping an
// anonymous region leaves no trace in either the region set or the
// page table.
func TestMmapMunmapRoundTrip(t *testing.T) {
	as, _ := newSpace(t)

	addr, err := as.Mmap(0, 3*memory.PageSize, true, false, memory.MapPrivate)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	if _, ok := as.Table().Translate(addr); !ok {
		t.Fatalf("expected mapping to be present after Mmap")
	}

	if err := as.Munmap(addr, 3*memory.PageSize); err != nil {
		t.Fatalf("Munmap: %v", err)
	}

	if _, ok := as.Table().Translate(addr); ok {
		t.Fatalf("expected mapping to be gone after Munmap")
	}

	for _, r := range as.Regions() {
		if r.Contains(addr) {
			t.Fatalf("expected no region after Munmap, found %+v", r)
		}
	}
}

// TestMprotectUpgradeThenFault checks that a region mapped read-only
// rejects a write fault as fatal, and that after Mprotect grants
// write permission a fault at the same address resolves instead.
func TestMprotectUpgradeThenFault(t *testing.T) {
	as, _ := newSpace(t)

	addr, err := as.Mmap(0, memory.PageSize, false, false, memory.MapPrivate)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	_, err = as.HandlePageFault(addr, memory.FaultWrite)
	if !errors.Is(err, memory.ErrSegmentationFault) {
		t.Fatalf("HandlePageFault err = %v, want ErrSegmentationFault", err)
	}

	if err := as.Mprotect(addr, memory.PageSize, true, false); err != nil {
		t.Fatalf("Mprotect: %v", err)
	}

	as.Table().Unmap(addr) // simulate the page having never been touched since the upgrade

	outcome, err := as.HandlePageFault(addr, memory.FaultWrite)
	if err != nil {
		t.Fatalf("HandlePageFault after Mprotect: %v", err)
	}

	if outcome != memory.FaultResolved {
		t.Fatalf("outcome = %v, want FaultResolved", outcome)
	}
}

func TestBrkGrowsAndShrinksHeap(t *testing.T) {
	as, _ := newSpace(t)

	base, err := as.Brk(0x600000)
	if err != nil {
		t.Fatalf("Brk: %v", err)
	}

	if base != 0x600000 {
		t.Fatalf("Brk = %#x, want 0x600000", base)
	}

	// A fresh space's heap base is 0, so this is a legal shrink.
	if got, err := as.Brk(0x500000); err != nil || got != 0x500000 {
		t.Fatalf("Brk shrink = %#x, %v; want 0x500000, nil", got, err)
	}

	if _, err := as.Sbrk(-int64(0x500000 + memory.PageSize)); !errors.Is(err, memory.ErrBrkBelowHeapBase) {
		t.Fatalf("Sbrk below base: err = %v, want ErrBrkBelowHeapBase", err)
	}
}

func TestSbrkReturnsPriorBreak(t *testing.T) {
	as, _ := newSpace(t)

	before, err := as.Sbrk(int64(4 * memory.PageSize))
	if err != nil {
		t.Fatalf("Sbrk: %v", err)
	}

	after, err := as.Sbrk(int64(memory.PageSize))
	if err != nil {
		t.Fatalf("Sbrk: %v", err)
	}

	if after != before+4*memory.PageSize {
		t.Fatalf("second Sbrk returned %#x, want %#x", after, before+4*memory.PageSize)
	}
}

func TestMmapRejectsUnalignedLength(t *testing.T) {
	as, _ := newSpace(t)

	if _, err := as.Mmap(0, 100, true, false, memory.MapPrivate); !errors.Is(err, memory.ErrInvalidLength) {
		t.Fatalf("Mmap err = %v, want ErrInvalidLength", err)
	}
}

func TestMunmapUnmappedAddressIsNotAnError(t *testing.T) {
	as, _ := newSpace(t)

	if err := as.Munmap(0x700000, memory.PageSize); err != nil {
		t.Fatalf("Munmap of unmapped range: %v", err)
	}
}
