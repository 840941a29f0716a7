// Package dynlink makes a dynamically-linked image executable: it
// parses the PT_DYNAMIC segment, resolves needed-library names
// against a search path, builds a global symbol table, applies
// relocations, and marks RELRO ranges read-only.
//
// The on-disk shapes follow the ELF64 d_tag/dynamic-entry layout
// exactly, decoded with the same struct-plus-encoding/binary idiom
// the ELF64 header parser uses throughout this module.
package dynlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vzwjustin/Rustos-sub005/elfimage"
)

// Dynamic section tags this core understands, matching the ELF64
// DT_* constants.
const (
	tagNull      = 0
	tagNeeded    = 1
	tagPltRelSz  = 2
	tagHash      = 4
	tagStrTab    = 5
	tagSymTab    = 6
	tagRela      = 7
	tagRelaSz    = 8
	tagRelaEnt   = 9
	tagStrSz     = 10
	tagSymEnt    = 11
	tagInit      = 12
	tagFini      = 13
	tagPltGot    = 3
	tagJmpRel    = 23
	tagInitArray = 25
	tagInitArraySz = 27
	tagFiniArray = 26
	tagFiniArraySz = 28
)

var (
	// ErrNoDynamicSection is returned when an image has no PT_DYNAMIC
	// segment.
	ErrNoDynamicSection = errors.New("dynlink: image has no PT_DYNAMIC segment")
	// ErrMalformedDynamicSection is returned when the dynamic segment's
	// entries don't decode cleanly.
	ErrMalformedDynamicSection = errors.New("dynlink: malformed dynamic section")
)

type dynEntry struct {
	Tag int64
	Val uint64
}

// DynamicInfo is the parsed form of a PT_DYNAMIC segment: the
// well-known tag addresses and counts a linker needs, keyed by name
// rather than by raw tag number. Every *Addr field is a (pre-bias)
// virtual address, exactly as it appears on disk in the dynamic
// entry — the same convention p_vaddr uses — not a file offset; the
// linker translates through the segment table to read it.
type DynamicInfo struct {
	StringTableAddr uint64
	StringTableSize uint64
	SymbolTableAddr uint64
	SymbolEntrySize uint64
	RelaAddr        uint64
	RelaSize        uint64
	RelaEntrySize   uint64
	JmpRelAddr      uint64
	JmpRelSize      uint64
	InitAddr        uint64
	InitArrayAddr   uint64
	InitArraySize   uint64
	NeededOffsets   []uint64 // offsets into the string table
}

// ParseDynamicSection locates the PT_DYNAMIC segment among headers and
// decodes its tag/value pairs into a DynamicInfo.
func ParseDynamicSection(image []byte, headers []elfimage.ProgramHeader) (DynamicInfo, error) {
	var dyn *elfimage.ProgramHeader

	for i := range headers {
		if headers[i].Type == elfimage.SegDynamicInfo {
			dyn = &headers[i]

			break
		}
	}

	if dyn == nil {
		return DynamicInfo{}, ErrNoDynamicSection
	}

	if dyn.Offset+dyn.Filesz > uint64(len(image)) {
		return DynamicInfo{}, fmt.Errorf("%w: segment out of bounds", ErrMalformedDynamicSection)
	}

	const entSize = 16

	raw := image[dyn.Offset : dyn.Offset+dyn.Filesz]
	if len(raw)%entSize != 0 {
		return DynamicInfo{}, fmt.Errorf("%w: size %d not a multiple of %d", ErrMalformedDynamicSection, len(raw), entSize)
	}

	var info DynamicInfo

	r := bytes.NewReader(raw)

	for r.Len() > 0 {
		var e dynEntry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return DynamicInfo{}, fmt.Errorf("%w: %v", ErrMalformedDynamicSection, err)
		}

		switch e.Tag {
		case tagNull:
			return info, nil
		case tagNeeded:
			info.NeededOffsets = append(info.NeededOffsets, e.Val)
		case tagStrTab:
			info.StringTableAddr = e.Val
		case tagStrSz:
			info.StringTableSize = e.Val
		case tagSymTab:
			info.SymbolTableAddr = e.Val
		case tagSymEnt:
			info.SymbolEntrySize = e.Val
		case tagRela:
			info.RelaAddr = e.Val
		case tagRelaSz:
			info.RelaSize = e.Val
		case tagRelaEnt:
			info.RelaEntrySize = e.Val
		case tagJmpRel:
			info.JmpRelAddr = e.Val
		case tagPltRelSz:
			info.JmpRelSize = e.Val
		case tagInit:
			info.InitAddr = e.Val
		case tagInitArray:
			info.InitArrayAddr = e.Val
		case tagInitArraySz:
			info.InitArraySize = e.Val
		}
	}

	return DynamicInfo{}, fmt.Errorf("%w: missing DT_NULL terminator", ErrMalformedDynamicSection)
}

// stringAt reads a NUL-terminated string out of the string table at
// the given file-relative offset.
func stringAt(image []byte, tableFileOff, tableSize, off uint64) (string, error) {
	base := tableFileOff + off
	if off >= tableSize || base >= uint64(len(image)) {
		return "", fmt.Errorf("%w: string table offset %#x out of range", ErrMalformedDynamicSection, off)
	}

	end := base

	for end < uint64(len(image)) && image[end] != 0 {
		end++
	}

	return string(image[base:end]), nil
}

// NeededLibraries returns the DT_NEEDED library names, resolved
// against the dynamic section's own string table. stringTableFileOff
// is the file offset of that string table, i.e. DT_STRTAB's address
// translated the same way the loader translated vaddr to file offset.
func (info DynamicInfo) NeededLibraries(image []byte, stringTableFileOff uint64) ([]string, error) {
	names := make([]string, 0, len(info.NeededOffsets))

	for _, off := range info.NeededOffsets {
		name, err := stringAt(image, stringTableFileOff, info.StringTableSize, off)
		if err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, nil
}
