// Package elfimage decodes and validates ELF64 executable images and
// turns them into a LoadPlan the virtual memory manager can map.
//
// Only the x86_64, little-endian, 64-bit subset of ELF needed to load
// a kernel-mode user process is understood here; there is no support
// for 32-bit images, big-endian images, or any machine other than
// x86_64.
package elfimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Header/program-header geometry, bit-exact with the on-disk ELF64
// format.
const (
	HeaderSize     = 64
	ProgHeaderSize = 56

	machineX8664 = 62

	classELF64      = 2
	dataLittleEndian = 1
	versionCurrent   = 1

	// MaxProgramHeaders is the hard limit on the number of program
	// headers a single image may declare.
	MaxProgramHeaders = 100
)

// Type is the ELF e_type field, restricted to the two kinds this core
// understands.
type Type uint16

const (
	TypeExecutable       Type = 2 // ET_EXEC
	TypePositionIndependent Type = 3 // ET_DYN
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Sentinel parse/validation errors.
var (
	ErrTooSmall         = errors.New("elfimage: image smaller than an ELF64 header")
	ErrBadMagic         = errors.New("elfimage: bad magic bytes")
	ErrNot64Bit         = errors.New("elfimage: not a 64-bit image")
	ErrNotLittleEndian  = errors.New("elfimage: not little-endian")
	ErrBadVersion       = errors.New("elfimage: unsupported ELF version")
	ErrNotX8664         = errors.New("elfimage: machine is not x86_64")
	ErrBadType          = errors.New("elfimage: e_type is neither EXEC nor DYN")
	ErrZeroEntry        = errors.New("elfimage: zero entry point in a fixed-type image")

	ErrBadHeaderSize    = errors.New("elfimage: program header entry size mismatch")
	ErrTooManyHeaders   = errors.New("elfimage: more than the maximum allowed program headers")
	ErrHeaderOutOfBounds = errors.New("elfimage: program header table runs past the buffer")

	ErrNoLoadable = errors.New("elfimage: image has no loadable segments")

	ErrBadAlignment    = errors.New("elfimage: segment alignment is not a power of two")
	ErrSizeOverflow    = errors.New("elfimage: segment file size exceeds memory size")
	ErrOutOfBounds     = errors.New("elfimage: segment file range runs past the buffer")
	ErrZeroFlags       = errors.New("elfimage: segment has no permission bits set")
	ErrBadVirtualAddress = errors.New("elfimage: segment virtual address is outside the user range")
	ErrWXViolation     = errors.New("elfimage: segment is writable and executable")

	ErrOverlap = errors.New("elfimage: loadable segments overlap")
)

// rawHeader mirrors the on-disk ELF64 header layout exactly (64
// bytes), decoded in one encoding/binary read over the fixed struct.
type rawHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ImageHeader is the parsed, validated ELF64 header.
type ImageHeader struct {
	Is64Bit       bool
	LittleEndian  bool
	Machine       uint16
	Type          Type
	Entry         uint64
	ProgHeaderOff uint64
	ProgHeaderNum uint16
	ProgHeaderSize uint16
}

// Parse decodes and validates the ELF64 header at the start of buf.
func Parse(buf []byte) (ImageHeader, error) {
	if len(buf) < HeaderSize {
		return ImageHeader{}, ErrTooSmall
	}

	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.LittleEndian, &raw); err != nil {
		return ImageHeader{}, fmt.Errorf("elfimage: decode header: %w", err)
	}

	if raw.Ident[0] != elfMagic[0] || raw.Ident[1] != elfMagic[1] ||
		raw.Ident[2] != elfMagic[2] || raw.Ident[3] != elfMagic[3] {
		return ImageHeader{}, ErrBadMagic
	}

	if raw.Ident[4] != classELF64 {
		return ImageHeader{}, ErrNot64Bit
	}

	if raw.Ident[5] != dataLittleEndian {
		return ImageHeader{}, ErrNotLittleEndian
	}

	if raw.Ident[6] != versionCurrent {
		return ImageHeader{}, ErrBadVersion
	}

	if raw.Machine != machineX8664 {
		return ImageHeader{}, ErrNotX8664
	}

	typ := Type(raw.Type)
	if typ != TypeExecutable && typ != TypePositionIndependent {
		return ImageHeader{}, ErrBadType
	}

	if typ == TypeExecutable && raw.Entry == 0 {
		return ImageHeader{}, ErrZeroEntry
	}

	return ImageHeader{
		Is64Bit:        true,
		LittleEndian:   true,
		Machine:        raw.Machine,
		Type:           typ,
		Entry:          raw.Entry,
		ProgHeaderOff:  raw.Phoff,
		ProgHeaderNum:  raw.Phnum,
		ProgHeaderSize: raw.Phentsize,
	}, nil
}
