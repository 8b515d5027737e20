package vm

// Runtime configuration (spec §6.3, §6.4). Built by layering defaults
// < TOML config file < environment variables < CLI flags, the same
// precedence go-probeum (one of the example repos) applies to its own
// node config, parsed with the same library (naoina/toml).

import (
	"os"
	"runtime"
	"strconv"

	"github.com/naoina/toml"
)

// Capability is a closed, string-named permission token a native
// handler can be gated on (spec §9 "Generators/async", "Open
// questions" re the inner-VM/capability sandbox). The core only
// checks membership; it does not implement the handlers these gate.
type Capability string

const (
	CapIO    Capability = "io"
	CapSpawn Capability = "spawn"
	CapFS    Capability = "fs"
	CapNet   Capability = "net"
)

// CapabilitySet is a small closed-world set of granted tokens.
type CapabilitySet map[Capability]bool

// Has reports whether cap is granted.
func (c CapabilitySet) Has(cap Capability) bool { return c[cap] }

// ResourceLimits bounds what a runtime instance will allow (spec
// §6.3).
type ResourceLimits struct {
	MaxTasks               int
	MaxStackDepth          int
	MaxPreemptionsPerYield int
}

// VmOptions configures a Runtime (spec §6.3).
type VmOptions struct {
	MaxHeapSize             uint64 // bytes; 0 = unbounded
	Threads                 int    // 0 = CPU count
	PreemptThresholdMs      int
	InitialGCThresholdBytes uint64
	Limits                  ResourceLimits
	Capabilities            CapabilitySet

	CacheDir string
	Registry string
	LogLevel string
}

// DefaultVmOptions returns the spec's documented defaults.
func DefaultVmOptions() VmOptions {
	return VmOptions{
		MaxHeapSize:             0,
		Threads:                 0,
		PreemptThresholdMs:      10,
		InitialGCThresholdBytes: 1 << 20, // 1 MiB
		Limits: ResourceLimits{
			MaxTasks:               0,
			MaxStackDepth:          4096,
			MaxPreemptionsPerYield: 1000,
		},
		Capabilities: CapabilitySet{},
	}
}

// resolvedThreads returns the effective worker count, honoring the
// "0 = CPU count" convention used by both Threads and RAYA_NUM_THREADS.
func (o VmOptions) resolvedThreads() int {
	if o.Threads <= 0 {
		return runtime.NumCPU()
	}
	return o.Threads
}

// ResolvedThreads is the exported form of resolvedThreads, for callers
// (the CLI) that want to display the effective worker count.
func (o VmOptions) ResolvedThreads() int { return o.resolvedThreads() }

// tomlConfig is the on-disk shape consumed from RAYA_CONFIG_FILE. Only
// a subset of VmOptions is meaningfully expressed as static config;
// Capabilities and the derived worker count are left to flags/env.
type tomlConfig struct {
	MaxHeapSize             uint64 `toml:"max_heap_size"`
	Threads                 int    `toml:"threads"`
	PreemptThresholdMs      int    `toml:"preempt_threshold_ms"`
	InitialGCThresholdBytes uint64 `toml:"initial_gc_threshold_bytes"`
	MaxTasks                int    `toml:"max_tasks"`
	MaxStackDepth           int    `toml:"max_stack_depth"`
	MaxPreemptionsPerYield  int    `toml:"max_preemptions_per_yield"`
}

// LoadVmOptions builds VmOptions from defaults, an optional TOML
// config file, and environment variables (spec §6.4), in that
// precedence order. CLI flags (applied by main.go) take precedence
// over all of this.
func LoadVmOptions() (VmOptions, error) {
	opts := DefaultVmOptions()

	if path := os.Getenv("RAYA_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, err
		}
		var cfg tomlConfig
		// Seed cfg with current defaults so fields absent from the
		// file don't zero out an otherwise-sane default.
		cfg.MaxHeapSize = opts.MaxHeapSize
		cfg.Threads = opts.Threads
		cfg.PreemptThresholdMs = opts.PreemptThresholdMs
		cfg.InitialGCThresholdBytes = opts.InitialGCThresholdBytes
		cfg.MaxTasks = opts.Limits.MaxTasks
		cfg.MaxStackDepth = opts.Limits.MaxStackDepth
		cfg.MaxPreemptionsPerYield = opts.Limits.MaxPreemptionsPerYield

		if err := toml.Unmarshal(data, &cfg); err != nil {
			return opts, err
		}

		opts.MaxHeapSize = cfg.MaxHeapSize
		opts.Threads = cfg.Threads
		opts.PreemptThresholdMs = cfg.PreemptThresholdMs
		opts.InitialGCThresholdBytes = cfg.InitialGCThresholdBytes
		opts.Limits.MaxTasks = cfg.MaxTasks
		opts.Limits.MaxStackDepth = cfg.MaxStackDepth
		opts.Limits.MaxPreemptionsPerYield = cfg.MaxPreemptionsPerYield
	}

	if v := os.Getenv("RAYA_NUM_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Threads = n
		}
	}
	if v := os.Getenv("RAYA_CACHE_DIR"); v != "" {
		opts.CacheDir = v
	}
	if v := os.Getenv("RAYA_REGISTRY"); v != "" {
		opts.Registry = v
	}
	opts.LogLevel = os.Getenv("RAYA_LOG")

	return opts, nil
}
