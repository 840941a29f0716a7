// Package proc owns process control blocks, the process table, and
// the low-level save/restore of CPU and FPU state across task
// switches.
package proc

import (
	"fmt"
	"unsafe"
)

// CPUContext is the full integer register file saved on a task
// switch: the sixteen general-purpose registers, RIP, RFLAGS, and the
// segment selectors.
type CPUContext struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64

	CS uint16
	DS uint16
	ES uint16
	FS uint16
	GS uint16
	SS uint16
}

// FPU save-area sizes: the basic FXSAVE form is fixed at 512 bytes;
// the XSAVE form adds a 64-byte header ahead of the extended region.
const (
	FXSaveAreaSize  = 512
	XSaveHeaderSize = 64
)

// FPUContext holds the x87/SSE save area. The Area field must be
// 16-byte aligned for FXSAVE and 64-byte aligned for XSAVE when
// handed to the hardware; Go guarantees neither, so a bare-metal
// embedder places these in suitably aligned storage and the portable
// core only ever copies the bytes.
type FPUContext struct {
	Area [FXSaveAreaSize + XSaveHeaderSize]byte
	// Valid is set once the area holds a real snapshot; a process
	// that never touched the FPU restores from a zeroed area.
	Valid bool
}

// structBytes returns a byte slice that aliases the memory of v.
// v must be a pointer to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("proc: state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

// CloneContext returns a byte-for-byte copy of ctx, the snapshot form
// used when a PCB is duplicated on fork.
func CloneContext(ctx *CPUContext) CPUContext {
	var out CPUContext

	// aliasing copy keeps this in lockstep with the struct layout
	_ = copyStruct(&out, structBytes(ctx))

	return out
}
