package dynlink

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/vzwjustin/Rustos-sub005/elfimage"
)

var (
	// ErrLibraryNotFound is returned when a DT_NEEDED name can't be
	// located in any configured search directory.
	ErrLibraryNotFound = errors.New("dynlink: needed library not found")
	// ErrUnresolvedSymbol is returned when a relocation names a symbol
	// no loaded image defines.
	ErrUnresolvedSymbol = errors.New("dynlink: unresolved symbol")
	// ErrBadRelocationTarget is returned when a relocation's target
	// address falls outside any writable mapped range.
	ErrBadRelocationTarget = errors.New("dynlink: relocation target is not a writable mapped address")
)

// LibraryLoader resolves a needed-library name to its raw image
// bytes, trying each of SearchPaths in order. Production embedders
// back this with a real byte-buffer image store (per this core's
// byte-buffer-image non-goal: no filesystem semantics beyond that).
type LibraryLoader interface {
	Open(name string) (image []byte, resolvedPath string, err error)
}

// DefaultSearchPaths are the directories searched for a needed
// library when the caller does not configure its own list.
var DefaultSearchPaths = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib"}

// PathLibraryLoader resolves names against an in-memory map keyed by
// full path, trying each of SearchPaths+"/"+name in order — a
// byte-buffer stand-in for a real filesystem lookup.
type PathLibraryLoader struct {
	SearchPaths []string
	Images      map[string][]byte // full path -> raw image bytes
}

// Open implements LibraryLoader.
func (l *PathLibraryLoader) Open(name string) ([]byte, string, error) {
	paths := l.SearchPaths
	if len(paths) == 0 {
		paths = DefaultSearchPaths
	}

	for _, dir := range paths {
		candidate := filepath.Join(dir, name)
		if img, ok := l.Images[candidate]; ok {
			return img, candidate, nil
		}
	}

	return nil, "", fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
}

// VirtualMemory is the subset of an address space the linker needs:
// reading and writing 8-byte words at mapped virtual addresses, and
// changing a range's permissions for RELRO. memory.AddressSpace
// satisfies it directly.
type VirtualMemory interface {
	ReadWord(vaddr uint64) (uint64, error)
	WriteWord(vaddr uint64, v uint64) error
	Mprotect(addr, length uint64, writable, executable bool) error
}

// LinkResult is the outcome of LinkBinary: the number of relocations
// applied and the initializer addresses to invoke, in dependency
// order (dependencies before the image that needs them).
type LinkResult struct {
	RelocationsApplied int
	Initializers       []uint64
}

// loadedImage is one loaded dynamically-linked object: its raw bytes, the
// load plan that placed it, its full (unbiased) program header list
// — including non-loadable entries like PT_GNU_RELRO that LoadPlan's
// own Segments filters out — and its parsed dynamic info.
type loadedImage struct {
	name    string
	raw     []byte
	plan    elfimage.LoadPlan
	headers []elfimage.ProgramHeader
	dyn     DynamicInfo
}

// LinkBinary drives the full link sequence for the main image already
// placed at plan: parse its dynamic info, recursively load and link
// its DT_NEEDED dependencies via loader, merge every image's exported
// symbols into one global table (first definition wins, with the main
// image processed first so its definitions interpose on libraries),
// apply every image's relocations, mark RELRO ranges read-only, and
// collect initializer addresses in dependency order (libraries before
// the image that needs them).
func LinkBinary(mem VirtualMemory, mainRaw []byte, plan elfimage.LoadPlan, loader LibraryLoader) (LinkResult, error) {
	symtab := NewSymbolTable()

	var (
		order []loadedImage
		seen  = map[string]bool{}
	)

	if err := loadRecursive("main", mainRaw, plan, loader, symtab, &order, seen); err != nil {
		return LinkResult{}, err
	}

	applied := 0
	var initializers []uint64

	// order holds dependencies before dependents, so a forward walk
	// gives the initializer ordering the contract demands.
	for _, img := range order {
		n, err := applyRelocations(mem, img, symtab)
		if err != nil {
			return LinkResult{}, err
		}

		applied += n

		if img.dyn.InitAddr != 0 {
			initializers = append(initializers, img.dyn.InitAddr+img.plan.Bias)
		}
	}

	for _, img := range order {
		if err := markRelro(mem, img); err != nil {
			return LinkResult{}, err
		}
	}

	return LinkResult{RelocationsApplied: applied, Initializers: initializers}, nil
}

// loadRecursive parses img's dynamic section, registers its exported
// symbols (before its dependencies', so a dependent's definitions
// interpose), recurses into its DT_NEEDED libraries, and finally
// appends img to order — leaving order with dependencies before
// dependents, the sequence relocation and initializer passes need.
func loadRecursive(name string, raw []byte, plan elfimage.LoadPlan, loader LibraryLoader, symtab *SymbolTable, order *[]loadedImage, seen map[string]bool) error {
	if seen[name] {
		return nil
	}

	seen[name] = true

	headers, err := elfimage.ProgramHeaders(raw, plan.Header)
	if err != nil {
		return fmt.Errorf("dynlink: %s: %w", name, err)
	}

	dyn, err := ParseDynamicSection(raw, headers)
	if err != nil {
		return fmt.Errorf("dynlink: %s: %w", name, err)
	}

	strtabFileOff, ok := vaddrToFileOffset(plan, dyn.StringTableAddr)
	if !ok {
		return fmt.Errorf("%w: %s: string table address unmapped", ErrMalformedDynamicSection, name)
	}

	symOff, ok := vaddrToFileOffset(plan, dyn.SymbolTableAddr)
	if !ok {
		return fmt.Errorf("%w: %s: symbol table address unmapped", ErrMalformedDynamicSection, name)
	}

	// The symbol table has no explicit size tag; it runs up to the
	// start of whichever well-known table follows it in file layout.
	// The string table is adjacent in every dynamic section this core
	// has to handle, so bound the read there.
	symEnd := strtabFileOff
	if symEnd < symOff {
		symEnd = uint64(len(raw))
	}

	strtab := raw[strtabFileOff : strtabFileOff+dyn.StringTableSize]

	syms, err := DecodeSymbolTable(raw[symOff:symEnd], strtab, plan.Bias, name)
	if err != nil {
		return fmt.Errorf("dynlink: %s: %w", name, err)
	}

	symtab.AddImage(syms)

	needed, err := dyn.NeededLibraries(raw, strtabFileOff)
	if err != nil {
		return fmt.Errorf("dynlink: %s: %w", name, err)
	}

	for _, libName := range needed {
		libRaw, _, err := loader.Open(libName)
		if err != nil {
			return err
		}

		libPlan, err := elfimage.BuildLoadPlan(libRaw, 0, nil, true)
		if err != nil {
			return fmt.Errorf("dynlink: %s: %w", libName, err)
		}

		if err := loadRecursive(libName, libRaw, libPlan, loader, symtab, order, seen); err != nil {
			return err
		}
	}

	*order = append(*order, loadedImage{name: name, raw: raw, plan: plan, headers: headers, dyn: dyn})

	return nil
}

// vaddrToFileOffset finds which loaded segment covers the (pre-bias,
// as-on-disk) virtual address vaddr and returns the corresponding
// file offset. Dynamic-entry addresses are link-time addresses, so the
// plan's bias is applied before searching its (biased) segment table.
func vaddrToFileOffset(plan elfimage.LoadPlan, vaddr uint64) (uint64, bool) {
	loaded := vaddr + plan.Bias

	for _, seg := range plan.Segments {
		if loaded >= seg.Vaddr && loaded < seg.Vaddr+seg.Filesz {
			return seg.Offset + (loaded - seg.Vaddr), true
		}
	}

	return 0, false
}

func applyRelocations(mem VirtualMemory, img loadedImage, symtab *SymbolTable) (int, error) {
	count := 0

	for _, table := range [][2]uint64{{img.dyn.RelaAddr, img.dyn.RelaSize}, {img.dyn.JmpRelAddr, img.dyn.JmpRelSize}} {
		addr, size := table[0], table[1]
		if size == 0 {
			continue
		}

		off, ok := vaddrToFileOffset(img.plan, addr)
		if !ok {
			return count, fmt.Errorf("%w: %s: relocation table address unmapped", ErrMalformedDynamicSection, img.name)
		}

		relocs, err := DecodeRelocations(img.raw[off : off+size])
		if err != nil {
			return count, fmt.Errorf("dynlink: %s: %w", img.name, err)
		}

		for _, reloc := range relocs {
			if err := applyOne(mem, img, reloc, symtab); err != nil {
				return count, err
			}

			count++
		}
	}

	return count, nil
}

func applyOne(mem VirtualMemory, img loadedImage, reloc Relocation, symtab *SymbolTable) error {
	target := img.plan.Bias + reloc.Offset

	var value uint64

	switch reloc.Kind {
	case KindRelative:
		value = uint64(int64(img.plan.Bias) + reloc.Addend)
	case KindGlobalData, KindJumpSlot:
		sym, err := symbolForIndex(img, reloc.SymbolIdx)
		if err != nil {
			return err
		}

		resolved, ok := symtab.Resolve(sym.Name)
		if !ok {
			return fmt.Errorf("%w: %s (needed by %s)", ErrUnresolvedSymbol, sym.Name, img.name)
		}

		value = resolved.Addr
	default:
		return fmt.Errorf("%w: kind %v", ErrUnsupportedRelocation, reloc.Kind)
	}

	if err := mem.WriteWord(target, value); err != nil {
		return fmt.Errorf("%w: %#x: %v", ErrBadRelocationTarget, target, err)
	}

	return nil
}

// symbolForIndex decodes just the one Elf64_Sym entry a relocation's
// symbol index names, re-reading the image's symbol/string tables
// directly rather than requiring the caller to have cached per-index
// lookups.
func symbolForIndex(img loadedImage, idx uint32) (Symbol, error) {
	symOff, ok := vaddrToFileOffset(img.plan, img.dyn.SymbolTableAddr)
	if !ok {
		return Symbol{}, fmt.Errorf("%w: symbol table unmapped", ErrMalformedDynamicSection)
	}

	strOff, ok := vaddrToFileOffset(img.plan, img.dyn.StringTableAddr)
	if !ok {
		return Symbol{}, fmt.Errorf("%w: string table unmapped", ErrMalformedDynamicSection)
	}

	entryOff := int(symOff) + int(idx)*24

	name, _, _, value, err := decodeSymtabEntry(img.raw, entryOff)
	if err != nil {
		return Symbol{}, err
	}

	strtab := img.raw[strOff : strOff+img.dyn.StringTableSize]

	nm, err := nameAt(strtab, name)
	if err != nil {
		return Symbol{}, err
	}

	return Symbol{Name: nm, Addr: value + img.plan.Bias, Image: img.name}, nil
}

const pageSize = 4096

// markRelro marks every PT_GNU_RELRO range of img read-only, the
// final link-sequence step: the relocation targets inside it were
// writable during fixup and must not stay that way.
func markRelro(mem VirtualMemory, img loadedImage) error {
	for _, h := range img.headers {
		if h.Type != elfimage.SegReadOnlyAfterReloc || h.Memsz == 0 {
			continue
		}

		start := (h.Vaddr + img.plan.Bias) &^ (pageSize - 1)
		end := (h.Vaddr + img.plan.Bias + h.Memsz + pageSize - 1) &^ uint64(pageSize-1)

		if err := mem.Mprotect(start, end-start, false, false); err != nil {
			return fmt.Errorf("dynlink: %s: relro at %#x: %w", img.name, start, err)
		}
	}

	return nil
}
