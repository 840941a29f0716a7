package proc

import (
	"errors"

	"github.com/vzwjustin/Rustos-sub005/cpuid"
	"github.com/vzwjustin/Rustos-sub005/memory"
)

// TaskStateSegment is the slice of the hardware TSS the switch path
// touches: RSP0, the stack the CPU loads on a ring-3 to ring-0
// transition.
type TaskStateSegment struct {
	RSP0 uint64
}

// CPU models the single logical processor the core schedules onto:
// the live register file, the live FPU area, CR3, the TSS, and the
// interrupt-enable state. On bare metal these are the machine
// registers themselves; here they are an explicit struct so that the
// switch sequence is a single auditable routine instead of scattered
// register pokes.
type CPU struct {
	Regs CPUContext
	FPU  FPUContext
	CR3  memory.Frame
	TSS  TaskStateSegment

	// InterruptsEnabled mirrors RFLAGS.IF for the kernel's own
	// critical sections.
	InterruptsEnabled bool

	// TaskSwitched mirrors CR0.TS: set on a lazy switch so the first
	// FPU instruction afterward traps into HandleFPUUsed.
	TaskSwitched bool

	// TLBFlushes counts implicit full flushes from CR3 loads, for the
	// scheduler's statistics and for tests of the switch contract.
	TLBFlushes uint64

	save     cpuid.SaveMechanism
	lazyFPU  bool
	fpuOwner uint32 // PID whose state is live in the FPU; 0 if none
}

// NewCPU builds the processor model. features selects the FPU
// save-area instruction; lazyFPU defers FPU save/restore to the first
// FPU instruction after a switch instead of doing it eagerly.
func NewCPU(features cpuid.Features, lazyFPU bool) *CPU {
	return &CPU{
		InterruptsEnabled: true,
		save:              features.FPUSave(),
		lazyFPU:           lazyFPU,
		// Boot with CR0.TS armed under the lazy policy so the very
		// first FPU use traps and establishes an owner.
		TaskSwitched: lazyFPU,
	}
}

// ErrSwitchToNil is returned when Switch is asked to enter a nil PCB.
var ErrSwitchToNil = errors.New("proc: context switch to nil process")

// Switch performs the task-switch contract, in order: save the
// outgoing integer state, save (or defer) the outgoing FPU state,
// load the incoming CR3 if it differs, update TSS.RSP0 if the kernel
// stack differs, then restore the incoming segment selectors,
// integer registers, and RFLAGS — which transfers control to the
// incoming RIP when the CPU is real. Interrupts are disabled across
// the whole sequence so a tick cannot observe half-saved state.
//
// outgoing may be nil for the first switch after boot.
func (c *CPU) Switch(outgoing, incoming *ControlBlock) error {
	if incoming == nil {
		return ErrSwitchToNil
	}

	savedIF := c.InterruptsEnabled
	c.InterruptsEnabled = false

	if outgoing != nil {
		// (1) integer registers, RFLAGS, segment selectors.
		if err := copyStruct(&outgoing.CPU, structBytes(&c.Regs)); err != nil {
			return err
		}

		// (2) FPU state: eager save now, or arm CR0.TS and let the
		// next FPU instruction fault into HandleFPUUsed.
		if c.lazyFPU {
			c.TaskSwitched = true
		} else if c.save != cpuid.SaveNone {
			copy(outgoing.FPU.Area[:], c.FPU.Area[:])
			outgoing.FPU.Valid = true
		}
	}

	// (3) address space: loading CR3 flushes non-global TLB entries.
	if c.CR3 != incoming.PageTableRoot {
		c.CR3 = incoming.PageTableRoot
		c.TLBFlushes++
	}

	// (4) ring-0 entry stack for the incoming process.
	if c.TSS.RSP0 != incoming.KernelStack {
		c.TSS.RSP0 = incoming.KernelStack
	}

	if !c.lazyFPU && c.save != cpuid.SaveNone {
		copy(c.FPU.Area[:], incoming.FPU.Area[:])
		c.fpuOwner = incoming.PID
	}

	// (5)+(6) segment selectors and integer registers are restored
	// together; the copy ends with RIP/RFLAGS live, which is step (7)
	// on hardware.
	if err := copyStruct(&c.Regs, structBytes(&incoming.CPU)); err != nil {
		return err
	}

	c.InterruptsEnabled = savedIF

	return nil
}

// HandleFPUUsed is the device-not-available (#NM) handler for the
// lazy FPU policy: called on the first FPU instruction after a lazy
// switch, it saves the previous owner's state, restores current's,
// clears CR0.TS, and records the new owner. table resolves the
// previous owner's PCB; current is the faulting (running) process.
func (c *CPU) HandleFPUUsed(table *Table, current *ControlBlock) error {
	if !c.TaskSwitched {
		return nil
	}

	if c.save != cpuid.SaveNone && c.fpuOwner != 0 && c.fpuOwner != current.PID {
		prev, err := table.Get(c.fpuOwner)
		if err == nil {
			copy(prev.FPU.Area[:], c.FPU.Area[:])
			prev.FPU.Valid = true
		}
	}

	if c.save != cpuid.SaveNone && c.fpuOwner != current.PID {
		copy(c.FPU.Area[:], current.FPU.Area[:])
	}

	c.TaskSwitched = false
	c.fpuOwner = current.PID

	return nil
}

// FPUOwner returns the PID whose state is live in the FPU, or 0.
func (c *CPU) FPUOwner() uint32 { return c.fpuOwner }
