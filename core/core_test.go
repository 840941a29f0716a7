package core_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vzwjustin/Rustos-sub005/core"
	"github.com/vzwjustin/Rustos-sub005/cpuid"
	"github.com/vzwjustin/Rustos-sub005/elfimage"
	"github.com/vzwjustin/Rustos-sub005/memory"
	"github.com/vzwjustin/Rustos-sub005/proc"
	"github.com/vzwjustin/Rustos-sub005/sched"
)

type segSpec struct {
	typ    uint32
	flags  uint32
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

// buildImage assembles an ELF64 image with the given program headers
// over a zero-filled file body.
func buildImage(t *testing.T, typ elfimage.Type, entry uint64, size int, segs []segSpec) []byte {
	t.Helper()

	buf := &bytes.Buffer{}

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	binary.Write(buf, binary.LittleEndian, ident)
	binary.Write(buf, binary.LittleEndian, uint16(typ))
	binary.Write(buf, binary.LittleEndian, uint16(62))
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, entry)
	binary.Write(buf, binary.LittleEndian, uint64(elfimage.HeaderSize))
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(elfimage.HeaderSize))
	binary.Write(buf, binary.LittleEndian, uint16(elfimage.ProgHeaderSize))
	binary.Write(buf, binary.LittleEndian, uint16(len(segs)))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	for _, s := range segs {
		binary.Write(buf, binary.LittleEndian, s.typ)
		binary.Write(buf, binary.LittleEndian, s.flags)
		binary.Write(buf, binary.LittleEndian, s.off)
		binary.Write(buf, binary.LittleEndian, s.vaddr)
		binary.Write(buf, binary.LittleEndian, s.vaddr)
		binary.Write(buf, binary.LittleEndian, s.filesz)
		binary.Write(buf, binary.LittleEndian, s.memsz)
		binary.Write(buf, binary.LittleEndian, s.align)
	}

	out := make([]byte, size)
	copy(out, buf.Bytes())

	return out
}

// minimalImage is the smallest valid static executable: one R|X page
// at 0x400000.
func minimalImage(t *testing.T) []byte {
	t.Helper()

	return buildImage(t, elfimage.TypeExecutable, 0x400000, 0x2000, []segSpec{
		{typ: 1, flags: 5, off: 0x1000, vaddr: 0x400000, filesz: 0x1000, memsz: 0x1000, align: 0x1000},
	})
}

func newCore(t *testing.T) *core.Core {
	t.Helper()

	alloc := memory.NewBitmapFrameAllocator(8192)

	c, err := core.New(core.DefaultConfig(), alloc, alloc, nil, cpuid.Decode(1<<cpuid.FXSR, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return c
}

func TestCreateProcessMinimalImage(t *testing.T) {
	c := newCore(t)

	pid, err := c.CreateProcess(minimalImage(t), []string{"init", "-s"}, []string{"TERM=vt100"}, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	cb, err := c.Process(pid)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if cb.State != proc.StateReady {
		t.Fatalf("state = %v, want ready", cb.State)
	}

	if cb.CPU.RIP != 0x400000 {
		t.Fatalf("RIP = %#x, want entry 0x400000", cb.CPU.RIP)
	}

	brk, err := c.HeapBreak(pid)
	if err != nil {
		t.Fatalf("HeapBreak: %v", err)
	}

	if brk != 0x401000 {
		t.Fatalf("heap break = %#x, want just past the image at 0x401000", brk)
	}

	// argc sits at the initial RSP.
	argc, err := c.ReadWord(pid, cb.CPU.RSP)
	if err != nil {
		t.Fatalf("ReadWord(rsp): %v", err)
	}

	if argc != 2 {
		t.Fatalf("argc = %d, want 2", argc)
	}

	// The scheduler picks it up and the context switch makes its
	// registers live.
	got, ok := c.Schedule()
	if !ok || got != pid {
		t.Fatalf("Schedule = %d,%v, want %d", got, ok, pid)
	}

	if c.CPU().Regs.RIP != 0x400000 {
		t.Fatalf("live RIP = %#x, want 0x400000", c.CPU().Regs.RIP)
	}

	if c.CPU().CR3 != cb.PageTableRoot {
		t.Fatalf("CR3 = %v, want %v", c.CPU().CR3, cb.PageTableRoot)
	}
}

func TestCreateProcessRejectsBadImage(t *testing.T) {
	c := newCore(t)

	img := minimalImage(t)
	img[0] = 0

	_, err := c.CreateProcess(img, nil, nil, proc.PriorityNormal)
	if !errors.Is(err, elfimage.ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}

	if len(c.Processes()) != 0 {
		t.Fatal("failed creation left a process behind")
	}
}

// TestFaultKillsProcess is the write-to-read-only scenario: the
// handler reports segfault, the process becomes a Zombie holding the
// signal-like status, and the parent collects it.
func TestFaultKillsProcess(t *testing.T) {
	c := newCore(t)

	pid, err := c.CreateProcess(minimalImage(t), nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if _, ok := c.Schedule(); !ok {
		t.Fatal("Schedule found nothing to run")
	}

	// A write into the R|X code page.
	if got := c.OnPageFault(0x400010, core.ReasonWrite|core.ReasonUser); got != core.FaultSegfault {
		t.Fatalf("OnPageFault = %v, want FaultSegfault", got)
	}

	cb, err := c.Process(pid)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if cb.State != proc.StateZombie {
		t.Fatalf("state = %v, want zombie", cb.State)
	}

	status, err := c.Collect(pid)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if status != core.ExitSegfault {
		t.Fatalf("status = %d, want %d", status, core.ExitSegfault)
	}

	if len(c.Processes()) != 0 {
		t.Fatal("collected process still in the table")
	}
}

// TestForkCopyOnWrite is the fork scenario: the child sees the
// parent's data until it writes, at which point the pages diverge.
func TestForkCopyOnWrite(t *testing.T) {
	c := newCore(t)

	parent, err := c.CreateProcess(minimalImage(t), nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if _, ok := c.Schedule(); !ok {
		t.Fatal("Schedule found nothing to run")
	}

	pAS, err := c.AddressSpace(parent)
	if err != nil {
		t.Fatalf("AddressSpace: %v", err)
	}

	addr, err := pAS.Mmap(0, memory.PageSize, true, false, memory.MapPrivate)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	if err := pAS.WriteWord(addr, 0x42); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}

	child, err := c.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	ccb, err := c.Process(child)
	if err != nil {
		t.Fatalf("Process(child): %v", err)
	}

	if ccb.ParentPID != parent || ccb.CPU.RAX != 0 {
		t.Fatalf("child PCB = parent %d rax %#x, want parent %d rax 0", ccb.ParentPID, ccb.CPU.RAX, parent)
	}

	cAS, err := c.AddressSpace(child)
	if err != nil {
		t.Fatalf("AddressSpace(child): %v", err)
	}

	// Shared frame until the child writes.
	if v, err := cAS.ReadWord(addr); err != nil || v != 0x42 {
		t.Fatalf("child read = %#x,%v, want 0x42", v, err)
	}

	outcome, err := cAS.HandlePageFault(addr, memory.FaultWrite)
	if err != nil || outcome != memory.FaultResolved {
		t.Fatalf("HandlePageFault = %v,%v, want resolved", outcome, err)
	}

	if err := cAS.WriteWord(addr, 0x99); err != nil {
		t.Fatalf("WriteWord(child): %v", err)
	}

	if v, _ := cAS.ReadWord(addr); v != 0x99 {
		t.Fatalf("child read after write = %#x, want 0x99", v)
	}

	if v, _ := pAS.ReadWord(addr); v != 0x42 {
		t.Fatalf("parent read after child write = %#x, want 0x42", v)
	}
}

// TestDynamicImageLinks runs a self-contained dynamic executable (one
// relative relocation, a RELRO range, an initializer) through
// CreateProcess and checks the linked result in its address space.
func TestDynamicImageLinks(t *testing.T) {
	c := newCore(t)

	img := buildImage(t, elfimage.TypeExecutable, 0x401000, 0x3000, []segSpec{
		{typ: 1, flags: 5, off: 0x1000, vaddr: 0x401000, filesz: 0x1000, memsz: 0x1000, align: 0x1000},
		{typ: 1, flags: 6, off: 0x2000, vaddr: 0x402000, filesz: 0x1000, memsz: 0x1000, align: 0x1000},
		{typ: 2, flags: 6, off: 0x2000, vaddr: 0x402000, filesz: 160, memsz: 160, align: 8},
		{typ: 0x6474e552, flags: 4, off: 0x2000, vaddr: 0x402000, filesz: 0x100, memsz: 0x100, align: 1},
	})

	// Dynamic section at 0x2000: empty symbol table at 0x402100,
	// string table at 0x402180, one RELATIVE relocation at 0x402200.
	dyn := &bytes.Buffer{}

	writeEnt := func(tag int64, val uint64) {
		binary.Write(dyn, binary.LittleEndian, tag)
		binary.Write(dyn, binary.LittleEndian, val)
	}

	writeEnt(5, 0x402180)  // DT_STRTAB
	writeEnt(10, 1)        // DT_STRSZ
	writeEnt(6, 0x402100)  // DT_SYMTAB
	writeEnt(11, 24)       // DT_SYMENT
	writeEnt(7, 0x402200)  // DT_RELA
	writeEnt(8, 24)        // DT_RELASZ
	writeEnt(9, 24)        // DT_RELAENT
	writeEnt(12, 0x401500) // DT_INIT
	writeEnt(0, 0)         // DT_NULL
	writeEnt(0, 0)         // padding to the declared 160 bytes

	copy(img[0x2000:], dyn.Bytes())

	rela := &bytes.Buffer{}
	binary.Write(rela, binary.LittleEndian, uint64(0x402800)) // r_offset
	binary.Write(rela, binary.LittleEndian, uint64(8))        // R_X86_64_RELATIVE
	binary.Write(rela, binary.LittleEndian, int64(0x5678))    // addend
	copy(img[0x2200:], rela.Bytes())

	pid, err := c.CreateProcess(img, nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if v, err := c.ReadWord(pid, 0x402800); err != nil || v != 0x5678 {
		t.Fatalf("relocated word = %#x,%v, want 0x5678", v, err)
	}

	inits := c.Initializers(pid)
	if len(inits) != 1 || inits[0] != 0x401500 {
		t.Fatalf("Initializers = %#v, want [0x401500]", inits)
	}

	// RELRO made the first data page read-only.
	regions, err := c.Regions(pid)
	if err != nil {
		t.Fatalf("Regions: %v", err)
	}

	for _, r := range regions {
		if r.Contains(0x402800) && r.Writable {
			t.Fatalf("RELRO page still writable: %+v", r)
		}
	}
}

func TestBlockUnblockThroughCore(t *testing.T) {
	c := newCore(t)

	p1, err := c.CreateProcess(minimalImage(t), nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	p2, err := c.CreateProcess(minimalImage(t), nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if got, _ := c.Schedule(); got != p1 {
		t.Fatalf("Schedule = %d, want %d", got, p1)
	}

	if err := c.Block(p1); err != nil {
		t.Fatalf("Block: %v", err)
	}

	// Blocking the incumbent hands the CPU to the next ready process.
	if got := c.Scheduler().Running(); got != p2 {
		t.Fatalf("running = %d after block, want %d", got, p2)
	}

	if err := c.Unblock(p1); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	cb, _ := c.Process(p1)
	if cb.State != proc.StateReady {
		t.Fatalf("state = %v after unblock, want ready", cb.State)
	}
}

func TestTickDrivenPreemption(t *testing.T) {
	c := newCore(t)

	p1, err := c.CreateProcess(minimalImage(t), nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	p2, err := c.CreateProcess(minimalImage(t), nil, nil, proc.PriorityNormal)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	c.OnTick() // fills the idle CPU

	if got := c.Scheduler().Running(); got != p1 {
		t.Fatalf("running = %d, want %d", got, p1)
	}

	// Burn p1's whole slice; the expiring tick's decision swaps in p2.
	for i := uint64(0); i < sched.DefaultTimeSlices[proc.PriorityNormal]; i++ {
		c.OnTick()
	}

	if got := c.Scheduler().Running(); got != p2 {
		t.Fatalf("running = %d after slice expiry, want %d", got, p2)
	}
}
