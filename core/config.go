// Package core wires the process-execution core together: it owns
// the process table, the scheduler, the per-process address spaces,
// and the create/tick/fault entry points the surrounding kernel
// layers call into.
package core

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vzwjustin/Rustos-sub005/dynlink"
	"github.com/vzwjustin/Rustos-sub005/elfimage"
	"github.com/vzwjustin/Rustos-sub005/proc"
	"github.com/vzwjustin/Rustos-sub005/sched"
)

// ErrBadConfig is returned for a config file that parses but names
// impossible values.
var ErrBadConfig = errors.New("core: invalid configuration")

// SliceConfig is the per-priority time-slice length in ticks. A zero
// field keeps the built-in default.
type SliceConfig struct {
	Realtime uint64 `yaml:"realtime"`
	High     uint64 `yaml:"high"`
	Normal   uint64 `yaml:"normal"`
	Low      uint64 `yaml:"low"`
	Idle     uint64 `yaml:"idle"`
}

func (s SliceConfig) asArray() [proc.NumPriorities]uint64 {
	return [proc.NumPriorities]uint64{s.Realtime, s.High, s.Normal, s.Low, s.Idle}
}

// Config is the core's long-lived tuning, loaded once at New and
// never touched on a syscall path.
type Config struct {
	// WXEnforced rejects mappings and segments that are both writable
	// and executable.
	WXEnforced bool `yaml:"wx_enforced"`

	// ASLRWindow is the size in bytes of the window position-
	// independent images are loaded into; zero disables randomization
	// (every PIE loads at the window base).
	ASLRWindow uint64 `yaml:"aslr_window"`

	// SearchPaths is the dynamic linker's library search list, in
	// order.
	SearchPaths []string `yaml:"search_paths"`

	// Scheduler selects the algorithm: "round-robin", "priority", or
	// "multilevel".
	Scheduler string `yaml:"scheduler"`

	TimeSlices SliceConfig `yaml:"time_slices"`

	// LazyFPU defers FPU save/restore to the first FPU instruction
	// after a task switch instead of saving eagerly.
	LazyFPU bool `yaml:"lazy_fpu"`

	// KernelStackPages is the size of each process's ring-0 stack.
	KernelStackPages int `yaml:"kernel_stack_pages"`
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		WXEnforced:       true,
		ASLRWindow:       elfimage.ASLRWindow,
		SearchPaths:      append([]string(nil), dynlink.DefaultSearchPaths...),
		Scheduler:        "multilevel",
		KernelStackPages: 4,
	}
}

// LoadConfig decodes a YAML config, overlaying the defaults.
func LoadConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("core: parsing config: %w", err)
	}

	if _, err := cfg.algorithm(); err != nil {
		return Config{}, err
	}

	if cfg.KernelStackPages <= 0 {
		return Config{}, fmt.Errorf("%w: kernel_stack_pages=%d", ErrBadConfig, cfg.KernelStackPages)
	}

	return cfg, nil
}

// LoadConfigFile reads and decodes path.
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("core: reading config: %w", err)
	}

	return LoadConfig(raw)
}

func (c Config) algorithm() (sched.Algorithm, error) {
	switch c.Scheduler {
	case "round-robin":
		return sched.RoundRobin, nil
	case "priority":
		return sched.StrictPriority, nil
	case "multilevel", "":
		return sched.MultilevelFeedback, nil
	default:
		return 0, fmt.Errorf("%w: scheduler=%q", ErrBadConfig, c.Scheduler)
	}
}
