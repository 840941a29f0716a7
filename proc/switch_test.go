package proc_test

import (
	"testing"

	"github.com/vzwjustin/Rustos-sub005/cpuid"
	"github.com/vzwjustin/Rustos-sub005/proc"
)

// fxsrFeatures reports FXSR but not XSAVE.
func fxsrFeatures() cpuid.Features {
	return cpuid.Decode(1<<cpuid.FXSR, 0)
}

func newPair(t *testing.T) (*proc.Table, *proc.ControlBlock, *proc.ControlBlock) {
	t.Helper()

	table := proc.NewTable()

	a, err := table.Create(0, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	b, err := table.Create(0, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.PageTableRoot = 10
	a.KernelStack = 0xa000
	b.PageTableRoot = 20
	b.KernelStack = 0xb000

	return table, a, b
}

// TestSwitchContract walks the ordered switch steps: outgoing state
// saved, CR3 loaded (with a TLB flush), TSS.RSP0 updated, incoming
// registers live.
func TestSwitchContract(t *testing.T) {
	_, a, b := newPair(t)

	cpu := proc.NewCPU(fxsrFeatures(), false)

	b.CPU.RIP = 0x401000
	b.CPU.RSP = 0x7fff0000
	b.CPU.RFLAGS = 0x202
	b.CPU.CS = 0x33

	if err := cpu.Switch(nil, b); err != nil {
		t.Fatalf("Switch(nil, b): %v", err)
	}

	if cpu.Regs.RIP != 0x401000 || cpu.Regs.RSP != 0x7fff0000 || cpu.Regs.CS != 0x33 {
		t.Fatalf("incoming registers not restored: %+v", cpu.Regs)
	}

	if cpu.CR3 != b.PageTableRoot {
		t.Fatalf("CR3 = %v, want %v", cpu.CR3, b.PageTableRoot)
	}

	if cpu.TSS.RSP0 != b.KernelStack {
		t.Fatalf("TSS.RSP0 = %#x, want %#x", cpu.TSS.RSP0, b.KernelStack)
	}

	flushes := cpu.TLBFlushes

	// Mutate live state, switch away, and check it landed in b's PCB.
	cpu.Regs.RAX = 0xdead
	cpu.Regs.RIP = 0x401234
	cpu.FPU.Area[0] = 0x7f

	a.CPU.RIP = 0x500000

	if err := cpu.Switch(b, a); err != nil {
		t.Fatalf("Switch(b, a): %v", err)
	}

	if b.CPU.RAX != 0xdead || b.CPU.RIP != 0x401234 {
		t.Fatalf("outgoing registers not saved: %+v", b.CPU)
	}

	if !b.FPU.Valid || b.FPU.Area[0] != 0x7f {
		t.Fatal("outgoing FPU state not saved eagerly")
	}

	if cpu.Regs.RIP != 0x500000 {
		t.Fatalf("RIP = %#x, want a's 0x500000", cpu.Regs.RIP)
	}

	if cpu.TLBFlushes != flushes+1 {
		t.Fatalf("TLBFlushes = %d, want %d (CR3 changed)", cpu.TLBFlushes, flushes+1)
	}

	if !cpu.InterruptsEnabled {
		t.Fatal("interrupts left disabled after switch")
	}
}

func TestSwitchSameRootSkipsFlush(t *testing.T) {
	_, a, b := newPair(t)
	b.PageTableRoot = a.PageTableRoot

	cpu := proc.NewCPU(fxsrFeatures(), false)

	if err := cpu.Switch(nil, a); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	flushes := cpu.TLBFlushes

	if err := cpu.Switch(a, b); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if cpu.TLBFlushes != flushes {
		t.Fatalf("TLBFlushes = %d, want unchanged %d for same CR3", cpu.TLBFlushes, flushes)
	}
}

// TestLazyFPU checks the deferred policy: the switch itself only arms
// CR0.TS; the first FPU use transfers ownership.
func TestLazyFPU(t *testing.T) {
	table, a, b := newPair(t)

	cpu := proc.NewCPU(fxsrFeatures(), true)

	if err := cpu.Switch(nil, a); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	// a uses the FPU.
	if err := cpu.HandleFPUUsed(table, a); err != nil {
		t.Fatalf("HandleFPUUsed: %v", err)
	}

	if cpu.FPUOwner() != a.PID {
		t.Fatalf("FPU owner = %d, want %d", cpu.FPUOwner(), a.PID)
	}

	cpu.FPU.Area[3] = 0x42

	if err := cpu.Switch(a, b); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if !cpu.TaskSwitched {
		t.Fatal("lazy switch did not arm the task-switched bit")
	}

	if a.FPU.Valid {
		t.Fatal("lazy switch saved FPU state eagerly")
	}

	// b touches the FPU: a's state is saved off, ownership moves.
	if err := cpu.HandleFPUUsed(table, b); err != nil {
		t.Fatalf("HandleFPUUsed: %v", err)
	}

	if cpu.TaskSwitched {
		t.Fatal("task-switched bit not cleared")
	}

	if !a.FPU.Valid || a.FPU.Area[3] != 0x42 {
		t.Fatal("previous owner's FPU state not saved on first use")
	}

	if cpu.FPUOwner() != b.PID {
		t.Fatalf("FPU owner = %d, want %d", cpu.FPUOwner(), b.PID)
	}
}

func TestExitStatusOnlyWhenZombie(t *testing.T) {
	table := proc.NewTable()

	cb, err := table.Create(0, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, ok := cb.ExitStatus(); ok {
		t.Fatal("fresh process has an exit status")
	}

	cb.Exit(7)

	if cb.State != proc.StateZombie {
		t.Fatalf("state = %v, want zombie", cb.State)
	}

	status, ok := cb.ExitStatus()
	if !ok || status != 7 {
		t.Fatalf("ExitStatus = %d,%v, want 7,true", status, ok)
	}
}

func TestTableLimits(t *testing.T) {
	table := proc.NewTable()

	if _, err := table.Create(0, proc.Priority(42)); err == nil {
		t.Fatal("expected error for invalid priority")
	}

	cb, err := table.Create(0, proc.PriorityIdle)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if cb.PID == 0 {
		t.Fatal("PID 0 handed out; it is reserved")
	}

	if err := table.Remove(cb.PID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := table.Get(cb.PID); err == nil {
		t.Fatal("expected lookup failure after Remove")
	}
}
