package dynlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is a relocation kind, restricted to the three minimum-core
// kinds x86_64 dynamic executables use.
type Kind int

const (
	KindRelative Kind = iota
	KindGlobalData
	KindJumpSlot
)

// x86_64 R_X86_64_* relocation type numbers this core recognizes.
const (
	relocRelative  = 8  // R_X86_64_RELATIVE
	relocGlob64    = 6  // R_X86_64_GLOB_DAT
	relocJumpSlot  = 7  // R_X86_64_JUMP_SLOT
)

func kindFromRelocType(t uint32) (Kind, error) {
	switch t {
	case relocRelative:
		return KindRelative, nil
	case relocGlob64:
		return KindGlobalData, nil
	case relocJumpSlot:
		return KindJumpSlot, nil
	default:
		return 0, fmt.Errorf("%w: type %d", ErrUnsupportedRelocation, t)
	}
}

// ErrUnsupportedRelocation is returned for a relocation type this
// core does not implement.
var ErrUnsupportedRelocation = errors.New("dynlink: unsupported relocation type")

// Relocation is a single patch to a loaded image: a byte offset
// (relative to the image's load base), a kind, an optional symbol
// index, and an addend.
type Relocation struct {
	Offset     uint64
	Kind       Kind
	SymbolIdx  uint32
	Addend     int64
}

type rawRela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r rawRela) symbolIndex() uint32 { return uint32(r.Info >> 32) }
func (r rawRela) relocType() uint32   { return uint32(r.Info) }

// DecodeRelocations parses an Elf64_Rela array (the only relocation
// entry format this core accepts — Elf64_Rel, with no explicit
// addend, is out of scope).
func DecodeRelocations(raw []byte) ([]Relocation, error) {
	const entSize = 24

	if len(raw)%entSize != 0 {
		return nil, fmt.Errorf("%w: relocation table size %d not a multiple of %d", ErrMalformedDynamicSection, len(raw), entSize)
	}

	r := bytes.NewReader(raw)

	out := make([]Relocation, 0, len(raw)/entSize)

	for r.Len() > 0 {
		var rela rawRela
		if err := binary.Read(r, binary.LittleEndian, &rela); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDynamicSection, err)
		}

		kind, err := kindFromRelocType(rela.relocType())
		if err != nil {
			return nil, err
		}

		out = append(out, Relocation{
			Offset:    rela.Offset,
			Kind:      kind,
			SymbolIdx: rela.symbolIndex(),
			Addend:    rela.Addend,
		})
	}

	return out, nil
}
