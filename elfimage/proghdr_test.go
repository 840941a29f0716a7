package elfimage_test

import (
	"errors"
	"testing"

	"github.com/vzwjustin/Rustos-sub005/elfimage"
)

func TestValidateSegmentBadAlignment(t *testing.T) {
	seg := elfimage.ProgramHeader{Perm: elfimage.PermR, Align: 3, Memsz: 0x1000}

	if err := elfimage.ValidateSegment(seg, 0x2000); !errors.Is(err, elfimage.ErrBadAlignment) {
		t.Fatalf("err = %v, want ErrBadAlignment", err)
	}
}

func TestValidateSegmentSizeOverflow(t *testing.T) {
	seg := elfimage.ProgramHeader{Perm: elfimage.PermR, Align: 0x1000, Filesz: 0x2000, Memsz: 0x1000}

	if err := elfimage.ValidateSegment(seg, 0x4000); !errors.Is(err, elfimage.ErrSizeOverflow) {
		t.Fatalf("err = %v, want ErrSizeOverflow", err)
	}
}

func TestValidateSegmentOutOfBounds(t *testing.T) {
	seg := elfimage.ProgramHeader{Perm: elfimage.PermR, Align: 0x1000, Offset: 0x3000, Filesz: 0x2000, Memsz: 0x2000}

	if err := elfimage.ValidateSegment(seg, 0x4000); !errors.Is(err, elfimage.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
}

func TestValidateSegmentZeroFlags(t *testing.T) {
	seg := elfimage.ProgramHeader{Align: 0x1000, Memsz: 0x1000}

	if err := elfimage.ValidateSegment(seg, 0x1000); !errors.Is(err, elfimage.ErrZeroFlags) {
		t.Fatalf("err = %v, want ErrZeroFlags", err)
	}
}

func TestValidateSegmentWXViolation(t *testing.T) {
	seg := elfimage.ProgramHeader{
		Perm: elfimage.PermW | elfimage.PermX, Align: 0x1000, Memsz: 0x1000,
	}

	if err := elfimage.ValidateSegment(seg, 0x1000); !errors.Is(err, elfimage.ErrWXViolation) {
		t.Fatalf("err = %v, want ErrWXViolation", err)
	}

	if err := elfimage.ValidateSegmentWithPolicy(seg, 0x1000, false); err != nil {
		t.Fatalf("with W^X off: %v", err)
	}
}

func TestValidateSegmentBadVirtualAddress(t *testing.T) {
	seg := elfimage.ProgramHeader{
		Perm: elfimage.PermR, Align: 0x1000, Memsz: 0x1000, Vaddr: 0xffff_8000_0000_0000,
	}

	if err := elfimage.ValidateSegment(seg, 0x1000); !errors.Is(err, elfimage.ErrBadVirtualAddress) {
		t.Fatalf("err = %v, want ErrBadVirtualAddress", err)
	}
}

func TestCheckOverlapDetectsOverlap(t *testing.T) {
	segs := []elfimage.ProgramHeader{
		{Vaddr: 0x1000, Memsz: 0x2000},
		{Vaddr: 0x2000, Memsz: 0x1000},
	}

	if err := elfimage.CheckOverlap(segs); !errors.Is(err, elfimage.ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
}

func TestCheckOverlapAdjacentIsFine(t *testing.T) {
	segs := []elfimage.ProgramHeader{
		{Vaddr: 0x1000, Memsz: 0x1000},
		{Vaddr: 0x2000, Memsz: 0x1000},
	}

	if err := elfimage.CheckOverlap(segs); err != nil {
		t.Fatalf("CheckOverlap: %v", err)
	}
}

func TestAddressRange(t *testing.T) {
	segs := []elfimage.ProgramHeader{
		{Vaddr: 0x400000, Memsz: 0x1000},
		{Vaddr: 0x402000, Memsz: 0x3000},
	}

	min, max := elfimage.AddressRange(segs)
	if min != 0x400000 || max != 0x405000 {
		t.Fatalf("AddressRange = (%#x,%#x), want (0x400000,0x405000)", min, max)
	}
}

func TestLoadableSegmentsNoneFound(t *testing.T) {
	segs := []elfimage.ProgramHeader{{Type: elfimage.SegDynamicInfo}}

	if _, err := elfimage.LoadableSegments(segs); !errors.Is(err, elfimage.ErrNoLoadable) {
		t.Fatalf("err = %v, want ErrNoLoadable", err)
	}
}
