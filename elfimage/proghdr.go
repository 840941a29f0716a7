package elfimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// SegmentType is the ELF64 p_type field, restricted to the kinds this
// core cares about.
type SegmentType uint32

const (
	SegLoadable             SegmentType = 1 // PT_LOAD
	SegDynamicInfo          SegmentType = 2 // PT_DYNAMIC
	SegInterpreter          SegmentType = 3 // PT_INTERP
	SegThreadLocalStorage   SegmentType = 7 // PT_TLS
	SegStackPermissionHint  SegmentType = 0x6474e551 // PT_GNU_STACK
	SegReadOnlyAfterReloc   SegmentType = 0x6474e552 // PT_GNU_RELRO
	SegOther                SegmentType = 0xffffffff
)

// Perm is a segment/region permission bit, matching the ELF64
// p_flags encoding exactly: X=1, W=2, R=4.
type Perm uint8

const (
	PermX Perm = 1
	PermW Perm = 2
	PermR Perm = 4
)

func (p Perm) Readable() bool   { return p&PermR != 0 }
func (p Perm) Writable() bool   { return p&PermW != 0 }
func (p Perm) Executable() bool { return p&PermX != 0 }

// userSpaceHigh is the highest virtual address a user segment may
// occupy; addresses at or above the canonical-hole/kernel-half are
// rejected by ValidateSegment.
const userSpaceHigh = 0x0000_7fff_ffff_ffff

// rawProgHeader mirrors the on-disk ELF64 program header (56 bytes).
type rawProgHeader struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ProgramHeader is one decoded segment descriptor.
type ProgramHeader struct {
	Type   SegmentType
	Perm   Perm
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func knownSegmentType(t uint32) SegmentType {
	switch SegmentType(t) {
	case SegLoadable, SegDynamicInfo, SegInterpreter, SegThreadLocalStorage,
		SegStackPermissionHint, SegReadOnlyAfterReloc:
		return SegmentType(t)
	default:
		return SegOther
	}
}

// ProgramHeaders decodes the program header table described by header
// out of buf.
func ProgramHeaders(buf []byte, header ImageHeader) ([]ProgramHeader, error) {
	if header.ProgHeaderSize != ProgHeaderSize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadHeaderSize, header.ProgHeaderSize, ProgHeaderSize)
	}

	if header.ProgHeaderNum > MaxProgramHeaders {
		return nil, fmt.Errorf("%w: %d entries", ErrTooManyHeaders, header.ProgHeaderNum)
	}

	tableSize := uint64(header.ProgHeaderNum) * uint64(ProgHeaderSize)
	end := header.ProgHeaderOff + tableSize

	if header.ProgHeaderNum > 0 && (end < header.ProgHeaderOff || end > uint64(len(buf))) {
		return nil, fmt.Errorf("%w: table [%d,%d) buffer len %d",
			ErrHeaderOutOfBounds, header.ProgHeaderOff, end, len(buf))
	}

	headers := make([]ProgramHeader, 0, header.ProgHeaderNum)

	for i := uint16(0); i < header.ProgHeaderNum; i++ {
		off := header.ProgHeaderOff + uint64(i)*uint64(ProgHeaderSize)

		var raw rawProgHeader
		r := bytes.NewReader(buf[off : off+ProgHeaderSize])
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("elfimage: decode program header %d: %w", i, err)
		}

		headers = append(headers, ProgramHeader{
			Type:   knownSegmentType(raw.Type),
			Perm:   Perm(raw.Flags & 0x7),
			Offset: raw.Off,
			Vaddr:  raw.Vaddr,
			Filesz: raw.Filesz,
			Memsz:  raw.Memsz,
			Align:  raw.Align,
		})
	}

	return headers, nil
}

// LoadableSegments filters headers down to PT_LOAD entries, preserving
// order.
func LoadableSegments(headers []ProgramHeader) ([]ProgramHeader, error) {
	out := make([]ProgramHeader, 0, len(headers))

	for _, h := range headers {
		if h.Type == SegLoadable {
			out = append(out, h)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoLoadable
	}

	return out, nil
}

// defaultWXEnforced controls whether ValidateSegment rejects W+X segments.
// The core default is on; ValidateSegmentWithPolicy lets callers turn
// it off for images that intentionally need it (e.g. JIT regions).
const defaultWXEnforced = true

// ValidateSegment checks one loadable segment against bufLen using the
// core's default W^X policy (enforced).
func ValidateSegment(seg ProgramHeader, bufLen int) error {
	return ValidateSegmentWithPolicy(seg, bufLen, defaultWXEnforced)
}

// ValidateSegmentWithPolicy is ValidateSegment with an explicit W^X
// enforcement flag.
func ValidateSegmentWithPolicy(seg ProgramHeader, bufLen int, wxEnforced bool) error {
	if seg.Align != 0 && bits.OnesCount64(seg.Align) != 1 {
		return fmt.Errorf("%w: align=%#x", ErrBadAlignment, seg.Align)
	}

	if seg.Filesz > seg.Memsz {
		return fmt.Errorf("%w: filesz=%#x memsz=%#x", ErrSizeOverflow, seg.Filesz, seg.Memsz)
	}

	end := seg.Offset + seg.Filesz
	if end < seg.Offset || end > uint64(bufLen) {
		return fmt.Errorf("%w: [%#x,%#x) buffer len %#x", ErrOutOfBounds, seg.Offset, end, bufLen)
	}

	if seg.Perm&(PermR|PermW|PermX) == 0 {
		return ErrZeroFlags
	}

	if seg.Vaddr > userSpaceHigh {
		return fmt.Errorf("%w: vaddr=%#x", ErrBadVirtualAddress, seg.Vaddr)
	}

	if wxEnforced && seg.Perm.Writable() && seg.Perm.Executable() {
		return fmt.Errorf("%w: vaddr=%#x", ErrWXViolation, seg.Vaddr)
	}

	return nil
}

// CheckOverlap verifies that no two loadable segments' virtual ranges
// intersect. Quadratic — the segment counts involved (≤
// MaxProgramHeaders) make this cheap enough that a sweep-line isn't
// worth the complexity.
func CheckOverlap(segments []ProgramHeader) error {
	for i := 0; i < len(segments); i++ {
		a := segments[i]
		aEnd := a.Vaddr + a.Memsz

		for j := i + 1; j < len(segments); j++ {
			b := segments[j]
			bEnd := b.Vaddr + b.Memsz

			if a.Vaddr < bEnd && b.Vaddr < aEnd {
				return fmt.Errorf("%w: [%#x,%#x) and [%#x,%#x)", ErrOverlap, a.Vaddr, aEnd, b.Vaddr, bEnd)
			}
		}
	}

	return nil
}

// AddressRange returns the lowest start address and highest end
// address across segments.
func AddressRange(segments []ProgramHeader) (min, max uint64) {
	if len(segments) == 0 {
		return 0, 0
	}

	min = segments[0].Vaddr
	max = segments[0].Vaddr + segments[0].Memsz

	for _, s := range segments[1:] {
		if s.Vaddr < min {
			min = s.Vaddr
		}

		if end := s.Vaddr + s.Memsz; end > max {
			max = end
		}
	}

	return min, max
}
