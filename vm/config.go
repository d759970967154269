package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Runtime configuration
// ---------------------------------------------------------------------------

// MaxHeapEntries bounds how many info tables and static closures a
// single loaded module may publish by default.
const MaxHeapEntries = 300

// Config carries the runtime tuning knobs, loadable from a lutra.toml
// file. Zero and missing fields fall back to the defaults below.
type Config struct {
	Jit  JitConfig  `toml:"jit"`
	Heap HeapConfig `toml:"heap"`

	// JitEnabled mirrors Jit.Enabled for hot-path reads; set at load
	// time, never while a thread is running.
	JitEnabled bool `toml:"-"`

	// HotThreshold mirrors Jit.HotThreshold.
	HotThreshold int `toml:"-"`
}

// JitConfig configures the tracing compiler.
type JitConfig struct {
	Enabled      bool   `toml:"enabled"`
	HotThreshold int    `toml:"hot-threshold"`
	Backend      string `toml:"backend"`

	// FragmentDB is an optional sqlite path recording fragment
	// compilation metadata for offline inspection.
	FragmentDB string `toml:"fragment-db"`
}

// HeapConfig configures the bump allocator.
type HeapConfig struct {
	SegmentWords   int `toml:"segment-words"`
	MaxModuleItems int `toml:"max-module-items"`
}

// DefaultConfig returns the configuration used when no lutra.toml is
// present.
func DefaultConfig() *Config {
	c := &Config{
		Jit: JitConfig{
			Enabled:      true,
			HotThreshold: HotSideExitThreshold,
			Backend:      "interp",
		},
		Heap: HeapConfig{
			SegmentWords:   DefaultSegmentWords,
			MaxModuleItems: MaxHeapEntries,
		},
	}
	c.normalize()
	return c
}

// normalize fills zero fields with defaults and refreshes the mirror
// fields the hot path reads.
func (c *Config) normalize() {
	if c.Jit.HotThreshold <= 0 {
		c.Jit.HotThreshold = HotSideExitThreshold
	}
	if c.Jit.Backend == "" {
		c.Jit.Backend = "interp"
	}
	if c.Heap.SegmentWords == 0 {
		c.Heap.SegmentWords = DefaultSegmentWords
	}
	if c.Heap.MaxModuleItems == 0 {
		c.Heap.MaxModuleItems = MaxHeapEntries
	}
	c.JitEnabled = c.Jit.Enabled
	c.HotThreshold = c.Jit.HotThreshold
}

// LoadConfig parses a lutra.toml file from the given directory. A
// missing file is not an error; defaults are returned.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, "lutra.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.normalize()
	return &c, nil
}
