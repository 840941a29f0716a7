package dynlink

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binding is the ELF64 symbol binding (STB_*), restricted to the
// kinds relevant to resolution order.
type Binding int

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

// Symbol is a named, resolved address exported by some loaded image.
type Symbol struct {
	Name    string
	Addr    uint64 // after load bias is applied
	Binding Binding
	Image   string // the library (or main image) name that defines it
}

// decodeSymtabEntry reads one 24-byte Elf64_Sym record starting at
// off within raw.
func decodeSymtabEntry(raw []byte, off int) (name uint32, info byte, shndx uint16, value uint64, err error) {
	if off+24 > len(raw) {
		return 0, 0, 0, 0, fmt.Errorf("%w: symbol table truncated", ErrMalformedDynamicSection)
	}

	name = binary.LittleEndian.Uint32(raw[off : off+4])
	info = raw[off+4]
	shndx = binary.LittleEndian.Uint16(raw[off+6 : off+8])
	value = binary.LittleEndian.Uint64(raw[off+8 : off+16])

	return name, info, shndx, value, nil
}

func bindingFromInfo(info byte) Binding {
	switch info >> 4 {
	case 1:
		return BindGlobal
	case 2:
		return BindWeak
	default:
		return BindLocal
	}
}

// DecodeSymbolTable decodes every Elf64_Sym entry in raw, resolving
// each name against the string table bytes (already sliced to the
// string table's own range) and adding bias to every returned value.
// imageName labels each resulting Symbol with the defining image.
func DecodeSymbolTable(raw []byte, strtab []byte, bias uint64, imageName string) ([]Symbol, error) {
	const entSize = 24

	var symbols []Symbol

	for off := 0; off+entSize <= len(raw); off += entSize {
		nameOff, info, shndx, value, err := decodeSymtabEntry(raw, off)
		if err != nil {
			return nil, err
		}

		if shndx == 0 {
			continue // SHN_UNDEF: a reference, not a definition
		}

		name, err := nameAt(strtab, nameOff)
		if err != nil {
			return nil, err
		}

		if name == "" {
			continue // an unnamed local
		}

		symbols = append(symbols, Symbol{
			Name:    name,
			Addr:    value + bias,
			Binding: bindingFromInfo(info),
			Image:   imageName,
		})
	}

	return symbols, nil
}

func nameAt(strtab []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(strtab)) {
		return "", fmt.Errorf("%w: string table offset %#x out of range", ErrMalformedDynamicSection, off)
	}

	end := bytes.IndexByte(strtab[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %#x", ErrMalformedDynamicSection, off)
	}

	return string(strtab[off : off+uint32(end)]), nil
}

// SymbolTable is the global, cross-image symbol namespace the linker
// builds up as it processes the main image and its dependencies.
// First definition wins: a later AddImage call never overrides a name
// already present.
type SymbolTable struct {
	byName map[string]Symbol
}

// NewSymbolTable returns an empty global symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]Symbol)}
}

// AddImage merges syms into the table, keeping the first-seen
// definition of each global/weak-bound name and silently ignoring
// later duplicates, the ordering contract a link sequence relies on
// (main image and earlier-processed dependencies shadow later ones).
func (st *SymbolTable) AddImage(syms []Symbol) {
	for _, s := range syms {
		if s.Binding == BindLocal {
			continue
		}

		if _, exists := st.byName[s.Name]; exists {
			continue
		}

		st.byName[s.Name] = s
	}
}

// Resolve looks up name in the global table.
func (st *SymbolTable) Resolve(name string) (Symbol, bool) {
	s, ok := st.byName[name]

	return s, ok
}
