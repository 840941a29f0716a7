package core

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/vzwjustin/Rustos-sub005/cpuid"
	"github.com/vzwjustin/Rustos-sub005/dynlink"
	"github.com/vzwjustin/Rustos-sub005/elfimage"
	"github.com/vzwjustin/Rustos-sub005/memory"
	"github.com/vzwjustin/Rustos-sub005/proc"
	"github.com/vzwjustin/Rustos-sub005/sched"
)

// ExitSegfault is the signal-like exit status recorded when a fault
// kills a process (128 + SIGSEGV).
const ExitSegfault = 139

// Core is the process-execution core: everything between "here are
// the bytes of an executable" and "a process is running under the
// scheduler".
type Core struct {
	cfg    Config
	mem    memory.PhysicalAccessor
	alloc  memory.FrameAllocator
	loader dynlink.LibraryLoader

	table *proc.Table
	sched *sched.Scheduler
	cpu   *proc.CPU

	spaces map[uint32]*memory.AddressSpace
	inits  map[uint32][]uint64

	biasSource elfimage.BiasSource
}

// New builds the core. loader may be nil when no image will ever need
// dynamic linking; mem and alloc are the external physical-memory
// collaborators.
func New(cfg Config, mem memory.PhysicalAccessor, alloc memory.FrameAllocator, loader dynlink.LibraryLoader, features cpuid.Features) (*Core, error) {
	algorithm, err := cfg.algorithm()
	if err != nil {
		return nil, err
	}

	table := proc.NewTable()
	s := sched.New(table, algorithm)
	s.SetTimeSlices(cfg.TimeSlices.asArray())

	c := &Core{
		cfg:    cfg,
		mem:    mem,
		alloc:  alloc,
		loader: loader,
		table:  table,
		sched:  s,
		cpu:    proc.NewCPU(features, cfg.LazyFPU),
		spaces: make(map[uint32]*memory.AddressSpace),
		inits:  make(map[uint32][]uint64),
	}

	c.biasSource = c.randomBias

	return c, nil
}

// randomBias picks a page-aligned load bias inside the configured
// ASLR window.
func (c *Core) randomBias() uint64 {
	if c.cfg.ASLRWindow == 0 {
		return elfimage.ASLRBase
	}

	pages := c.cfg.ASLRWindow / memory.PageSize

	return elfimage.ASLRBase + (rand.Uint64()%pages)*memory.PageSize
}

// SetBiasSource replaces the ASLR bias source; tests use it to make
// position-independent loads deterministic.
func (c *Core) SetBiasSource(src elfimage.BiasSource) { c.biasSource = src }

// Linux-style flat-model user selectors.
const (
	userCS = 0x33
	userDS = 0x2b

	rflagsIF = 0x202 // reserved bit 1 always set, interrupts enabled
)

// CreateProcess turns image bytes into a ready process: parse, load,
// link (when the image carries a PT_DYNAMIC segment), build the PCB,
// admit into the scheduler. On any failure the partially built
// address space is torn down and nothing is admitted.
func (c *Core) CreateProcess(image []byte, argv, envp []string, priority proc.Priority) (uint32, error) {
	plan, err := elfimage.BuildLoadPlan(image, 0, c.biasSource, c.cfg.WXEnforced)
	if err != nil {
		return 0, err
	}

	as, err := memory.NewAddressSpace(c.mem, c.alloc)
	if err != nil {
		return 0, err
	}

	as.SetWXEnforced(c.cfg.WXEnforced)

	if err := as.LoadFromPlan(plan, image); err != nil {
		as.Destroy()

		return 0, err
	}

	initializers, err := c.linkIfDynamic(as, image, plan)
	if err != nil {
		as.Destroy()

		return 0, err
	}

	sp, err := buildInitialStack(as, argv, envp)
	if err != nil {
		as.Destroy()

		return 0, err
	}

	kstack, err := c.allocKernelStack()
	if err != nil {
		as.Destroy()

		return 0, err
	}

	parent := c.sched.Running()

	cb, err := c.table.Create(parent, priority)
	if err != nil {
		as.Destroy()

		return 0, err
	}

	cb.CPU = proc.CPUContext{
		RIP:    plan.Entry,
		RSP:    sp,
		RFLAGS: rflagsIF,
		CS:     userCS,
		SS:     userDS,
		DS:     userDS,
		ES:     userDS,
	}
	cb.UserStack = sp
	cb.KernelStack = kstack
	cb.PageTableRoot = as.Table().Root()

	c.spaces[cb.PID] = as
	c.inits[cb.PID] = initializers

	if err := c.sched.Admit(cb.PID, priority); err != nil {
		delete(c.spaces, cb.PID)
		delete(c.inits, cb.PID)
		_ = c.table.Remove(cb.PID)
		as.Destroy()

		return 0, err
	}

	return cb.PID, nil
}

// linkIfDynamic runs the dynamic linker when the image has a
// PT_DYNAMIC segment, returning the initializer addresses to invoke
// in dependency order. Statically linked images skip it.
func (c *Core) linkIfDynamic(as *memory.AddressSpace, image []byte, plan elfimage.LoadPlan) ([]uint64, error) {
	headers, err := elfimage.ProgramHeaders(image, plan.Header)
	if err != nil {
		return nil, err
	}

	dynamic := false

	for _, h := range headers {
		if h.Type == elfimage.SegDynamicInfo {
			dynamic = true

			break
		}
	}

	if !dynamic {
		return nil, nil
	}

	loader := c.loader
	if loader == nil {
		loader = &dynlink.PathLibraryLoader{SearchPaths: c.cfg.SearchPaths}
	}

	result, err := dynlink.LinkBinary(as, image, plan, loader)
	if err != nil {
		return nil, err
	}

	return result.Initializers, nil
}

// buildInitialStack lays out the System V style process stack: the
// argv/envp strings highest, then the NULL-terminated envp and argv
// pointer arrays, then argc at the final stack pointer.
func buildInitialStack(as *memory.AddressSpace, argv, envp []string) (uint64, error) {
	sp := as.StackTop()

	writeString := func(s string) (uint64, error) {
		n := uint64(len(s) + 1)
		sp -= n

		return sp, as.WriteBytes(sp, append([]byte(s), 0))
	}

	envPtrs := make([]uint64, len(envp))

	for i := len(envp) - 1; i >= 0; i-- {
		p, err := writeString(envp[i])
		if err != nil {
			return 0, err
		}

		envPtrs[i] = p
	}

	argPtrs := make([]uint64, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		p, err := writeString(argv[i])
		if err != nil {
			return 0, err
		}

		argPtrs[i] = p
	}

	// Pointer area: argc + argv[] + NULL + envp[] + NULL, with the
	// final RSP 16-byte aligned per the ABI.
	words := 1 + len(argPtrs) + 1 + len(envPtrs) + 1
	sp &^= 7
	sp -= uint64(words) * 8
	sp &^= 15

	cursor := sp

	writeWord := func(v uint64) error {
		err := as.WriteWord(cursor, v)
		cursor += 8

		return err
	}

	if err := writeWord(uint64(len(argv))); err != nil {
		return 0, err
	}

	for _, p := range argPtrs {
		if err := writeWord(p); err != nil {
			return 0, err
		}
	}

	if err := writeWord(0); err != nil {
		return 0, err
	}

	for _, p := range envPtrs {
		if err := writeWord(p); err != nil {
			return 0, err
		}
	}

	if err := writeWord(0); err != nil {
		return 0, err
	}

	return sp, nil
}

// allocKernelStack carves a ring-0 stack out of physical frames and
// returns its top address. Kernel stacks are physically addressed —
// they are not part of any user address space.
func (c *Core) allocKernelStack() (uint64, error) {
	var top uint64

	for i := 0; i < c.cfg.KernelStackPages; i++ {
		frame, err := c.alloc.AllocateFrame()
		if err != nil {
			return 0, fmt.Errorf("core: kernel stack: %w", err)
		}

		top = frame.Address() + memory.PageSize
	}

	return top, nil
}

// Fork duplicates the running process: the address space is cloned
// under copy-on-write, the register state is copied with RAX cleared
// (the child's fork return value), and the child is admitted at the
// parent's priority. Returns the child's PID.
func (c *Core) Fork() (uint32, error) {
	pid := c.sched.Running()
	if pid == 0 {
		return 0, fmt.Errorf("%w: no running process to fork", proc.ErrProcessNotFound)
	}

	parent, err := c.table.Get(pid)
	if err != nil {
		return 0, err
	}

	as, err := c.space(pid)
	if err != nil {
		return 0, err
	}

	childAS, err := as.Clone()
	if err != nil {
		return 0, err
	}

	kstack, err := c.allocKernelStack()
	if err != nil {
		childAS.Destroy()

		return 0, err
	}

	child, err := c.table.Create(pid, parent.Priority)
	if err != nil {
		childAS.Destroy()

		return 0, err
	}

	child.CPU = proc.CloneContext(&parent.CPU)
	child.CPU.RAX = 0
	child.FPU = parent.FPU
	child.UserStack = parent.UserStack
	child.KernelStack = kstack
	child.PageTableRoot = childAS.Table().Root()

	for fd, f := range parent.Files {
		child.Files[fd] = f
	}

	c.spaces[child.PID] = childAS

	if err := c.sched.Admit(child.PID, parent.Priority); err != nil {
		delete(c.spaces, child.PID)
		_ = c.table.Remove(child.PID)
		childAS.Destroy()

		return 0, err
	}

	return child.PID, nil
}

// OnTick is the periodic entry point from the timer layer: advance
// scheduler time, and if a scheduling decision is due, make it and
// switch contexts.
func (c *Core) OnTick() {
	c.sched.Tick()

	if c.sched.NeedsResched() {
		c.reschedule()
	}
}

// Schedule forces a scheduling decision (the voluntary-yield path)
// and returns the running PID, ok=false when the CPU is idle.
func (c *Core) Schedule() (uint32, bool) {
	return c.reschedule()
}

func (c *Core) reschedule() (uint32, bool) {
	var outgoing *proc.ControlBlock

	if prev := c.sched.Running(); prev != 0 {
		outgoing, _ = c.table.Get(prev)
	}

	pid, ok := c.sched.Schedule()
	if !ok {
		return 0, false
	}

	if outgoing != nil && outgoing.PID == pid {
		return pid, true
	}

	incoming, err := c.table.Get(pid)
	if err != nil {
		return 0, false
	}

	if err := c.cpu.Switch(outgoing, incoming); err != nil {
		log.Printf("core: context switch to pid %d: %v", pid, err)

		return 0, false
	}

	return pid, true
}

// FaultReason is the bitset the fault handler receives alongside the
// faulting address.
type FaultReason uint8

const (
	ReasonWrite FaultReason = 1 << iota
	ReasonExec
	ReasonUser
)

// FaultDisposition is OnPageFault's verdict.
type FaultDisposition int

const (
	// FaultHandled means the access was repaired (COW copy or demand
	// fill) and the faulting instruction should be retried.
	FaultHandled FaultDisposition = iota
	// FaultSegfault means the running process was killed: it is now a
	// Zombie with ExitSegfault status and another process was
	// scheduled.
	FaultSegfault
)

// OnPageFault is the entry point from the fault-handling layer. A
// fault with no running process is a kernel bug and panics.
func (c *Core) OnPageFault(addr uint64, reason FaultReason) FaultDisposition {
	pid := c.sched.Running()
	if pid == 0 {
		panic(fmt.Sprintf("core: page fault at %#x with no running process", addr))
	}

	as := c.spaces[pid]

	kind := memory.FaultRead

	switch {
	case reason&ReasonWrite != 0:
		kind = memory.FaultWrite
	case reason&ReasonExec != 0:
		kind = memory.FaultExecute
	}

	outcome, err := as.HandlePageFault(addr, kind)
	if outcome == memory.FaultResolved {
		return FaultHandled
	}

	cb, lookupErr := c.table.Get(pid)
	if lookupErr != nil {
		panic(fmt.Sprintf("core: running pid %d missing from process table", pid))
	}

	log.Printf("core: %s (%v)", proc.Diagnose(cb, as), err)
	c.killProcess(cb, ExitSegfault)

	return FaultSegfault
}

// ExitProcess terminates the running process voluntarily with the
// given status (the exit(2) path) and schedules the next one.
func (c *Core) ExitProcess(status int) error {
	pid := c.sched.Running()
	if pid == 0 {
		return fmt.Errorf("%w: no running process", proc.ErrProcessNotFound)
	}

	cb, err := c.table.Get(pid)
	if err != nil {
		return err
	}

	c.killProcess(cb, status)

	return nil
}

// killProcess moves cb to Zombie, tears down its address space, pulls
// it out of the scheduler, and picks the next process. The PCB itself
// survives until the parent collects it.
func (c *Core) killProcess(cb *proc.ControlBlock, status int) {
	cb.Exit(status)

	if as, ok := c.spaces[cb.PID]; ok {
		as.Destroy()
		delete(c.spaces, cb.PID)
	}

	delete(c.inits, cb.PID)

	_ = c.sched.Remove(cb.PID)
	c.reschedule()
}

// Collect reaps a Zombie: returns its exit status and frees the PCB
// (the wait(2) path).
func (c *Core) Collect(pid uint32) (int, error) {
	cb, err := c.table.Get(pid)
	if err != nil {
		return 0, err
	}

	status, ok := cb.ExitStatus()
	if !ok || cb.State != proc.StateZombie {
		return 0, fmt.Errorf("core: pid %d is %s, not zombie", pid, cb.State)
	}

	if err := c.table.Remove(pid); err != nil {
		return 0, err
	}

	return status, nil
}

// Block suspends pid until Unblock; if it was running, the next
// process is scheduled.
func (c *Core) Block(pid uint32) error {
	wasRunning := c.sched.Running() == pid

	if err := c.sched.Block(pid); err != nil {
		return err
	}

	if wasRunning {
		c.reschedule()
	}

	return nil
}

// Unblock returns a blocked process to its ready queue.
func (c *Core) Unblock(pid uint32) error { return c.sched.Unblock(pid) }

// Regions returns pid's region list in address order.
func (c *Core) Regions(pid uint32) ([]memory.Region, error) {
	as, err := c.space(pid)
	if err != nil {
		return nil, err
	}

	return as.Regions(), nil
}

// Translate resolves a virtual address in pid's address space to its
// physical address.
func (c *Core) Translate(pid uint32, vaddr uint64) (uint64, error) {
	as, err := c.space(pid)
	if err != nil {
		return 0, err
	}

	page := vaddr &^ (memory.PageSize - 1)

	frame, ok := as.Table().Translate(page)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", memory.ErrInvalidMapping, vaddr)
	}

	return frame.Address() + (vaddr - page), nil
}

// HeapBreak returns pid's current program break.
func (c *Core) HeapBreak(pid uint32) (uint64, error) {
	as, err := c.space(pid)
	if err != nil {
		return 0, err
	}

	return as.HeapBreak(), nil
}

// Initializers returns the dynamic-linker initializer addresses
// recorded for pid at link time, in invocation order. The syscall
// layer drives these before the process's entry point runs.
func (c *Core) Initializers(pid uint32) []uint64 {
	return append([]uint64(nil), c.inits[pid]...)
}

// AddressSpace exposes pid's address space to the syscall facade
// (mmap/brk forwarding).
func (c *Core) AddressSpace(pid uint32) (*memory.AddressSpace, error) {
	return c.space(pid)
}

// Scheduler exposes scheduling statistics and queue introspection.
func (c *Core) Scheduler() *sched.Scheduler { return c.sched }

// Processes returns the live PID list.
func (c *Core) Processes() []uint32 { return c.table.PIDs() }

// Process returns pid's control block.
func (c *Core) Process(pid uint32) (*proc.ControlBlock, error) { return c.table.Get(pid) }

// CPU exposes the processor model, for the fault/interrupt layer.
func (c *Core) CPU() *proc.CPU { return c.cpu }

func (c *Core) space(pid uint32) (*memory.AddressSpace, error) {
	as, ok := c.spaces[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d has no address space", proc.ErrProcessNotFound, pid)
	}

	return as, nil
}

// ReadWord is a debugging convenience: read 8 bytes from pid's
// address space.
func (c *Core) ReadWord(pid uint32, vaddr uint64) (uint64, error) {
	as, err := c.space(pid)
	if err != nil {
		return 0, err
	}

	return as.ReadWord(vaddr)
}
