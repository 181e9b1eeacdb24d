// Package config loads the optional alkvm.toml file that tunes GC
// thresholds, JIT behavior, and the native allow-list using
// BurntSushi/toml.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/alkvm-lang/alkvm/vm"
)

// GCConfig tunes the heap's collection behavior.
type GCConfig struct {
	InitialThresholdBytes int64 `toml:"initial-threshold-bytes"`
	MinThresholdBytes     int64 `toml:"min-threshold-bytes"`
	SafePointInterval     int   `toml:"safe-point-interval"`
}

// JITConfig tunes the tracing JIT.
type JITConfig struct {
	Enabled      bool   `toml:"enabled"`
	HotThreshold int    `toml:"hot-threshold"`
	CachePath    string `toml:"cache-path"`
}

// NativesConfig restricts which native ids a VM may invoke.
type NativesConfig struct {
	Allow []int `toml:"allow"`
}

// Config is the top-level alkvm.toml document.
type Config struct {
	GC      GCConfig      `toml:"gc"`
	JIT     JITConfig     `toml:"jit"`
	Natives NativesConfig `toml:"natives"`
}

// Default returns the configuration a VM uses when no file is given.
func Default() *Config {
	return &Config{
		GC: GCConfig{
			InitialThresholdBytes: 16 * 1024,
			SafePointInterval:     1,
		},
		JIT: JITConfig{
			Enabled:      true,
			HotThreshold: vm.HotThreshold,
		},
	}
}

// Load reads and parses path. A missing file is not an error — callers
// get Default() back; a present-but-malformed file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, vm.NewLoadError("parsing config "+path, err)
	}
	return cfg, nil
}

// NewVM builds a vm.VM wired according to this configuration: heap
// thresholds, safe-point interval, and the tracing JIT's enabled flag
// and hot threshold. It does not touch the native allow-list or the
// JIT cache path — those are applied by the caller once it has chosen
// the streams (NativeSet.SetAllowList) and resolved --jit-cache against
// JIT.CachePath (LoadJITCache/SaveJITCache).
func (c *Config) NewVM() *vm.VM {
	v := vm.NewVM()
	if c.GC.InitialThresholdBytes > 0 {
		v.Heap = vm.NewHeapWithThreshold(c.GC.InitialThresholdBytes)
	}
	v.Heap.SetMinThreshold(c.GC.MinThresholdBytes)
	if c.GC.SafePointInterval > 0 {
		v.SafePointInterval = c.GC.SafePointInterval
	}
	v.Tracer.SetEnabled(c.JIT.Enabled)
	v.Tracer.SetHotThreshold(c.JIT.HotThreshold)
	return v
}
