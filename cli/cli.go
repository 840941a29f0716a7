// Package cli is the pxctl command line: a harness that exercises
// the process core against real ELF files from a shell, without a
// kernel around it.
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vzwjustin/Rustos-sub005/core"
	"github.com/vzwjustin/Rustos-sub005/cpuid"
	"github.com/vzwjustin/Rustos-sub005/elfimage"
	"github.com/vzwjustin/Rustos-sub005/memory"
	"github.com/vzwjustin/Rustos-sub005/proc"
)

type CLI struct {
	Load  LoadCMD  `cmd:"" help:"Parse an ELF64 image, load it into a simulated core, and print the result."`
	Probe ProbeCMD `cmd:"" help:"Decode CPUID leaf-1 feature words and report the FPU save mechanism."`
}

type LoadCMD struct {
	Image  string `arg:"" type:"existingfile" help:"Path to the ELF64 image."`
	Config string `short:"c" type:"existingfile" optional:"" help:"YAML core config."`
	Frames uint64 `short:"f" default:"4096" help:"Simulated physical frames to provision."`
	Ticks  int    `short:"t" default:"100" help:"Timer ticks to run after admitting the process."`
}

type ProbeCMD struct {
	Edx uint32 `help:"CPUID.01H:EDX value." default:"0x1808143"`
	Ecx uint32 `help:"CPUID.01H:ECX value." default:"0xc000000"`
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("pxctl"),
		kong.Description("pxctl loads ELF64 images into a simulated process-execution core"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (l *LoadCMD) Run() error {
	image, err := os.ReadFile(l.Image)
	if err != nil {
		return err
	}

	cfg := core.DefaultConfig()

	if l.Config != "" {
		if cfg, err = core.LoadConfigFile(l.Config); err != nil {
			return err
		}
	}

	alloc := memory.NewBitmapFrameAllocator(l.Frames)

	c, err := core.New(cfg, alloc, alloc, nil, cpuid.Decode(0, 0))
	if err != nil {
		return err
	}

	// Pin the bias so repeated invocations print comparable plans.
	c.SetBiasSource(func() uint64 { return elfimage.ASLRBase })

	plan, err := elfimage.BuildLoadPlan(image, 0, func() uint64 { return elfimage.ASLRBase }, cfg.WXEnforced)
	if err != nil {
		return err
	}

	fmt.Print(elfimage.Dump(plan))

	pid, err := c.CreateProcess(image, []string{l.Image}, nil, proc.PriorityNormal)
	if err != nil {
		return err
	}

	log.Printf("admitted pid %d", pid)

	for i := 0; i < l.Ticks; i++ {
		c.OnTick()
	}

	regions, err := c.Regions(pid)
	if err != nil {
		return err
	}

	for _, r := range regions {
		fmt.Printf("%#x-%#x %s w=%v x=%v\n", r.Start, r.End, r.Kind, r.Writable, r.Executable)
	}

	stats := c.Scheduler().Stats()
	log.Printf("decisions=%d switches=%d utilization=%.2f",
		stats.Decisions, stats.ContextSwitches, stats.CPUUtilization)

	return nil
}

func (p *ProbeCMD) Run() error {
	f := cpuid.Decode(p.Edx, p.Ecx)

	fmt.Printf("fpu=%v fxsr=%v sse2=%v xsave=%v osxsave=%v\n",
		f.HasEdx(cpuid.FPU), f.HasEdx(cpuid.FXSR), f.HasEdx(cpuid.XMM2),
		f.HasEcx(cpuid.XSAVE), f.HasEcx(cpuid.OSXSAVE))
	fmt.Printf("fpu save mechanism: %s\n", f.FPUSave())

	return nil
}
