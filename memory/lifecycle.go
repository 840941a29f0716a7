package memory

// frameRefs counts how many address spaces reference each data frame.
// A Clone shares the map itself between parent and child, so a frame
// handed out under copy-on-write is only returned to the allocator
// when the last address space lets go of it.
type frameRefs struct {
	counts map[Frame]int
}

func newFrameRefs() *frameRefs {
	return &frameRefs{counts: make(map[Frame]int)}
}

func (r *frameRefs) inc(f Frame) { r.counts[f]++ }

// dec drops one reference and reports whether it was the last.
func (r *frameRefs) dec(f Frame) bool {
	r.counts[f]--
	if r.counts[f] <= 0 {
		delete(r.counts, f)

		return true
	}

	return false
}

// adoptFrame records a freshly allocated data frame as referenced by
// this address space.
func (as *AddressSpace) adoptFrame(f Frame) {
	as.refs.inc(f)
}

// releaseFrame drops this address space's reference to f, returning
// it to the allocator if no other address space still maps it.
func (as *AddressSpace) releaseFrame(f Frame) {
	if as.refs.dec(f) {
		as.alloc.FreeFrame(f)
	}
}

// Destroy tears the address space down: every mapped data frame is
// released (returned to the allocator once its last reference drops),
// then the page-table frames themselves are freed by walking the
// translation tree bottom-up. The address space must not be used
// afterward.
func (as *AddressSpace) Destroy() {
	for _, r := range as.regions.Regions() {
		for page := r.Start; page < r.End; page += PageSize {
			if frame, ok := as.table.Translate(page); ok {
				as.releaseFrame(frame)
			}
		}
	}

	as.regions = RegionSet{}
	as.freeTableLevel(as.table.Root(), 0)
}

// freeTableLevel frees the intermediate-table frames under table at
// the given level, then table itself. Leaf entries point at data
// frames, which Destroy already released.
func (as *AddressSpace) freeTableLevel(table Frame, level int) {
	if level < pageLevels-1 {
		for i := uint64(0); i < entriesPerTable; i++ {
			e := entryAt(as.mem, table, i)
			if e.hasFlags(FlagPresent) && !e.hasFlags(FlagHuge) {
				as.freeTableLevel(e.frame(), level+1)
			}
		}
	}

	as.alloc.FreeFrame(table)
}
