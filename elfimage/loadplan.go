package elfimage

import "fmt"

// User-space ASLR window for position-independent images: the bias is
// drawn from [ASLRBase, ASLRBase+ASLRWindow).
const (
	ASLRBase   = 0x0000_5555_0000_0000
	ASLRWindow = 0x0000_0000_4000_0000 // 1 GiB
)

// LoadPlan is the result of parsing an image: its header, the ordered
// loadable segments, the chosen load bias, and the resulting address
// bounds.
type LoadPlan struct {
	Header    ImageHeader
	Segments  []ProgramHeader
	Bias      uint64
	Entry     uint64
	MinAddr   uint64
	MaxAddr   uint64
}

// BiasSource supplies the load bias for position-independent images
// when the caller doesn't pin one. It exists so tests can inject a
// deterministic bias instead of this package reaching for real
// randomness.
type BiasSource func() uint64

// BuildLoadPlan parses buf end to end: header, program headers,
// loadable-segment filtering, per-segment validation, overlap
// checking, and bias selection.
//
// callerBias is used verbatim for position-independent images when
// non-zero; otherwise randomBias (if non-nil) supplies one, falling
// back to ASLRBase itself.
func BuildLoadPlan(buf []byte, callerBias uint64, randomBias BiasSource, wxEnforced bool) (LoadPlan, error) {
	header, err := Parse(buf)
	if err != nil {
		return LoadPlan{}, err
	}

	headers, err := ProgramHeaders(buf, header)
	if err != nil {
		return LoadPlan{}, err
	}

	loadable, err := LoadableSegments(headers)
	if err != nil {
		return LoadPlan{}, err
	}

	for _, seg := range loadable {
		if err := ValidateSegmentWithPolicy(seg, len(buf), wxEnforced); err != nil {
			return LoadPlan{}, err
		}
	}

	if err := CheckOverlap(loadable); err != nil {
		return LoadPlan{}, err
	}

	var bias uint64

	switch header.Type {
	case TypeExecutable:
		bias = 0
	case TypePositionIndependent:
		switch {
		case callerBias != 0:
			bias = callerBias
		case randomBias != nil:
			bias = randomBias()
		default:
			bias = ASLRBase
		}
	default:
		return LoadPlan{}, fmt.Errorf("%w: %v", ErrBadType, header.Type)
	}

	biased := make([]ProgramHeader, len(loadable))
	for i, seg := range loadable {
		biased[i] = seg
		biased[i].Vaddr += bias
	}

	min, max := AddressRange(biased)

	return LoadPlan{
		Header:   header,
		Segments: biased,
		Bias:     bias,
		Entry:    header.Entry + bias,
		MinAddr:  min,
		MaxAddr:  max,
	}, nil
}

// Dump renders a human-readable segment table for the CLI and for
// crash diagnostics.
func Dump(plan LoadPlan) string {
	s := fmt.Sprintf("entry=%#x bias=%#x bounds=[%#x,%#x)\n", plan.Entry, plan.Bias, plan.MinAddr, plan.MaxAddr)

	for i, seg := range plan.Segments {
		s += fmt.Sprintf("  seg[%d] vaddr=%#x filesz=%#x memsz=%#x perm=%s\n",
			i, seg.Vaddr, seg.Filesz, seg.Memsz, permString(seg.Perm))
	}

	return s
}

func permString(p Perm) string {
	b := [3]byte{'-', '-', '-'}
	if p.Readable() {
		b[0] = 'r'
	}

	if p.Writable() {
		b[1] = 'w'
	}

	if p.Executable() {
		b[2] = 'x'
	}

	return string(b[:])
}
