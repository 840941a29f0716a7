package proc

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// InstructionSource supplies raw instruction bytes at a virtual
// address; memory.AddressSpace satisfies it.
type InstructionSource interface {
	ReadBytes(vaddr uint64, n int) ([]byte, error)
}

// maxInstLen is the architectural x86 instruction length limit.
const maxInstLen = 15

// Diagnose renders a one-line oops report for a process that is being
// turned into a Zombie by a fault: PID, RIP, and the decoded faulting
// instruction in GNU syntax. Decoding is best-effort — an unmapped or
// undecodable RIP degrades to a raw report rather than failing.
func Diagnose(cb *ControlBlock, mem InstructionSource) string {
	rip := cb.CPU.RIP

	code, err := mem.ReadBytes(rip, maxInstLen)
	if err != nil {
		return fmt.Sprintf("pid %d: fault at rip=%#x (instruction bytes unreadable)", cb.PID, rip)
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("pid %d: fault at rip=%#x bytes=% x (undecodable)", cb.PID, rip, code)
	}

	return fmt.Sprintf("pid %d: fault at rip=%#x: %s", cb.PID, rip, x86asm.GNUSyntax(inst, rip, nil))
}
