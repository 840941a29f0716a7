// Package cpuid decodes the x86_64 CPUID feature bits the process
// core cares about: which FPU save-area instruction the context
// switcher may use.
//
// The bit positions follow arch/x86/include/asm/cpufeatures.h in
// Linux. The core never executes CPUID itself — it is a portable
// library, so the raw leaf-1 registers come in from the embedder the
// same way physical frames do.
package cpuid

type (
	// F1Edx is a CPUID.01H:EDX feature bit position.
	F1Edx uint32
	// F1Ecx is a CPUID.01H:ECX feature bit position.
	F1Ecx uint32
)

const (
	FPU  F1Edx = 0  /* Onboard FPU */
	TSC  F1Edx = 4  /* Time Stamp Counter */
	PAE  F1Edx = 6  /* Physical Address Extensions */
	CMOV F1Edx = 15 /* CMOV instructions */
	MMX  F1Edx = 23 /* Multimedia Extensions */
	FXSR F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM  F1Edx = 25 /* "sse" */
	XMM2 F1Edx = 26 /* "sse2" */
)

const (
	XSAVE   F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV instructions */
	OSXSAVE F1Ecx = 27 /* XSAVE instruction enabled in the OS */
	AVX     F1Ecx = 28 /* Advanced Vector Extensions */
)

// SaveMechanism selects the instruction pair the context switcher
// uses for the 512-byte (or extended) FPU save area.
type SaveMechanism int

const (
	// SaveFXSR is the basic 512-byte FXSAVE/FXRSTOR form.
	SaveFXSR SaveMechanism = iota
	// SaveXSAVE is the extended-state XSAVE/XRSTOR form.
	SaveXSAVE
	// SaveNone means the CPU reports no usable save instruction;
	// processes on such a machine get no FPU state preservation.
	SaveNone
)

func (m SaveMechanism) String() string {
	switch m {
	case SaveFXSR:
		return "fxsave"
	case SaveXSAVE:
		return "xsave"
	default:
		return "none"
	}
}

// Features is the decoded subset of CPUID.01H relevant to task
// switching.
type Features struct {
	edx uint32
	ecx uint32
}

// Decode wraps the raw CPUID.01H EDX/ECX register values.
func Decode(edx, ecx uint32) Features {
	return Features{edx: edx, ecx: ecx}
}

// HasEdx reports whether leaf-1 EDX bit is set.
func (f Features) HasEdx(bit F1Edx) bool { return f.edx&(1<<bit) != 0 }

// HasEcx reports whether leaf-1 ECX bit is set.
func (f Features) HasEcx(bit F1Ecx) bool { return f.ecx&(1<<bit) != 0 }

// FPUSave picks the save mechanism the context switcher should use:
// extended-state save when the OS has enabled it, the basic form when
// only FXSR is present.
func (f Features) FPUSave() SaveMechanism {
	switch {
	case f.HasEcx(XSAVE) && f.HasEcx(OSXSAVE):
		return SaveXSAVE
	case f.HasEdx(FXSR):
		return SaveFXSR
	default:
		return SaveNone
	}
}
