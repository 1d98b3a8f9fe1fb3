package config

import (
	"os"
	"path/filepath"
	"testing"

	"vitacore/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("VITACORE_CPU", "")
	path := writeConfig(t, `{"memory_size": 16777216, "cpu_backend": "interpreter", "jit": {"max_block_instructions": 8}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemorySize != 16<<20 {
		t.Errorf("MemorySize = %d", cfg.MemorySize)
	}
	if cfg.CPUBackend != BackendInterpreter {
		t.Errorf("CPUBackend = %q", cfg.CPUBackend)
	}
	if cfg.JIT.MaxBlockInstructions != 8 {
		t.Errorf("MaxBlockInstructions = %d", cfg.JIT.MaxBlockInstructions)
	}
	if cfg.StackSize != Default().StackSize {
		t.Errorf("StackSize lost its default: %#x", cfg.StackSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VITACORE_CPU", "INTERPRETER")
	cfg, err := Load(writeConfig(t, `{"cpu_backend": "jit"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CPUBackend != BackendInterpreter {
		t.Errorf("CPUBackend = %q, want interpreter", cfg.CPUBackend)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("VITACORE_CPU", "")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); !errors.IsCoreError(err) {
		t.Errorf("missing file: %v", err)
	}
	if _, err := Load(writeConfig(t, `{`)); err == nil {
		t.Error("malformed json accepted")
	}
	if _, err := Load(writeConfig(t, `{"memory_size": 100}`)); err == nil {
		t.Error("unaligned memory size accepted")
	}
	if _, err := Load(writeConfig(t, `{"cpu_backend": "dynarec"}`)); err == nil {
		t.Error("unknown backend accepted")
	}
}
