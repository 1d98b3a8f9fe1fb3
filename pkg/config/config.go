package config

import (
	"encoding/json"
	"os"
	"strings"

	"vitacore/pkg/constants"
	"vitacore/pkg/errors"
)

// Names accepted for CPUBackend.
const (
	BackendJIT         = "jit"
	BackendInterpreter = "interpreter"
)

// Config represents the configuration loaded from the JSON file
type Config struct {
	MemorySize         uint64 `json:"memory_size"`         // Bytes of guest space to reserve, page multiple
	HardwareProtection bool   `json:"hardware_protection"` // Use mprotect for protected ranges
	CPUBackend         string `json:"cpu_backend"`         // "jit" or "interpreter"
	StackSize          uint32 `json:"stack_size"`          // Default thread stack size
	TLSSize            uint32 `json:"tls_size"`            // Per-thread TLS block size

	JIT       JITConfig       `json:"jit"`
	Log       LogConfig       `json:"log"`
	Debugger  DebuggerConfig  `json:"debugger"`
	Snapshots SnapshotsConfig `json:"snapshots"`
}

type JITConfig struct {
	MaxBlockInstructions int  `json:"max_block_instructions"`
	CheckSelfModifying   bool `json:"check_self_modifying"` // Re-hash block source before each run
}

type LogConfig struct {
	File string `json:"file"`
	Echo bool   `json:"echo"`
	// Code and Mem turn on per-instruction tracing for every new CPU.
	Code bool `json:"code"`
	Mem  bool `json:"mem"`
}

type DebuggerConfig struct {
	ListenAddr string `json:"listen_addr"` // Empty disables the debugger
}

type SnapshotsConfig struct {
	Dir          string `json:"dir"`
	DataShards   int    `json:"data_shards"`
	ParityShards int    `json:"parity_shards"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MemorySize:         constants.DefaultMemorySize,
		HardwareProtection: true,
		CPUBackend:         BackendJIT,
		StackSize:          constants.DefaultStackSize,
		TLSSize:            constants.DefaultTLSSize,
		JIT: JITConfig{
			MaxBlockInstructions: constants.DefaultMaxBlockInstructions,
		},
		Log: LogConfig{
			Echo: true,
		},
		Snapshots: SnapshotsConfig{
			DataShards:   4,
			ParityShards: 2,
		},
	}
}

// Load reads a JSON file over Default and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config file")
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv lets VITACORE_CPU override the backend choice.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("VITACORE_CPU"); v != "" {
		c.CPUBackend = strings.ToLower(v)
	}
}

func (c Config) Validate() error {
	if c.MemorySize == 0 || c.MemorySize%constants.PageSize != 0 {
		return errors.Errorf("memory_size %d must be a non-zero multiple of %d", c.MemorySize, constants.PageSize)
	}
	if c.MemorySize > constants.GuestSpaceSize {
		return errors.Errorf("memory_size %d exceeds the 32-bit guest space", c.MemorySize)
	}
	switch c.CPUBackend {
	case BackendJIT, BackendInterpreter:
	default:
		return errors.Errorf("unknown cpu_backend %q", c.CPUBackend)
	}
	if c.StackSize < constants.MinStackSize {
		return errors.Errorf("stack_size %#x below minimum %#x", c.StackSize, constants.MinStackSize)
	}
	if c.JIT.MaxBlockInstructions <= 0 {
		return errors.Errorf("jit.max_block_instructions must be positive")
	}
	if c.Snapshots.DataShards <= 0 || c.Snapshots.ParityShards <= 0 {
		return errors.Errorf("invalid snapshot shard counts %d+%d", c.Snapshots.DataShards, c.Snapshots.ParityShards)
	}
	return nil
}
