package jit

import (
	"sync"

	"vitacore/pkg/arm"
	"vitacore/pkg/constants"
)

// Options configures a Runtime.
type Options struct {
	// MaxBlockInstructions bounds how many instructions one block holds.
	MaxBlockInstructions int
	// CheckSelfModifying re-hashes a block's source bytes on every lookup
	// and retranslates it if the guest rewrote them.
	CheckSelfModifying bool
}

type blockKey struct {
	pc    uint32
	thumb bool
}

// Runtime caches translated blocks. It is safe for concurrent use and is
// shared by every CPU of a process.
type Runtime struct {
	mu      sync.RWMutex
	blocks  map[blockKey]*Block
	opts    Options
	enabled bool

	compiled  int
	codeBytes int
}

// NewRuntime creates a new block cache
func NewRuntime(opts Options) *Runtime {
	if opts.MaxBlockInstructions <= 0 {
		opts.MaxBlockInstructions = constants.DefaultMaxBlockInstructions
	}
	return &Runtime{
		blocks:  make(map[blockKey]*Block),
		opts:    opts,
		enabled: true,
	}
}

// Enabled returns whether translation is enabled
func (r *Runtime) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables translation. Callers fall back to
// single stepping while it is disabled.
func (r *Runtime) SetEnabled(enabled bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// GetBlock returns the block starting at pc, translating it on a miss.
// The exit is non-empty only if the first instruction cannot be fetched.
func (r *Runtime) GetBlock(bus arm.Bus, pc uint32, thumb bool) (*Block, arm.Exit) {
	key := blockKey{pc, thumb}

	r.mu.RLock()
	block := r.blocks[key]
	r.mu.RUnlock()

	if block != nil {
		if !r.opts.CheckSelfModifying {
			return block, arm.Exit{}
		}
		if digest, ok := block.sourceDigest(bus); ok && digest == block.digest {
			return block, arm.Exit{}
		}
		r.drop(key, block)
	}

	block, exit := compileBlock(bus, pc, thumb, r.opts.MaxBlockInstructions)
	if block == nil {
		return nil, exit
	}

	r.mu.Lock()
	if existing := r.blocks[key]; existing != nil && existing.digest == block.digest {
		// another CPU translated the same bytes first
		block = existing
	} else {
		if existing != nil {
			r.codeBytes -= int(existing.Size())
		}
		r.blocks[key] = block
		r.compiled++
		r.codeBytes += int(block.Size())
	}
	r.mu.Unlock()
	return block, arm.Exit{}
}

func (r *Runtime) drop(key blockKey, block *Block) {
	r.mu.Lock()
	if r.blocks[key] == block {
		delete(r.blocks, key)
		r.codeBytes -= int(block.Size())
	}
	r.mu.Unlock()
}

// Hook is called before each instruction of a block executes, with its
// index in the block. Returning false stops the block before the
// instruction runs, leaving PC on it.
type Hook func(i int, pc uint32, in *arm.Inst) bool

// ExecuteBlock runs block on core until it ends, an instruction exits or
// hook declines an instruction. It returns the exit of the last instruction
// executed and how many instructions ran.
func ExecuteBlock(block *Block, core *arm.Core, bus arm.Bus, hook Hook) (arm.Exit, int) {
	for i := range block.Insts {
		in := &block.Insts[i]
		pc := block.pcs[i]
		if core.R[arm.PC] != pc {
			// an instruction wrote PC without ending the block
			return arm.Exit{}, i
		}
		if hook != nil && !hook(i, pc, in) {
			return arm.Exit{}, i
		}
		if exit := core.Exec(in, bus); exit.Kind != arm.ExitNone {
			return exit, i + 1
		}
	}
	return arm.Exit{}, len(block.Insts)
}

// InvalidateRange drops every block translated from bytes in
// [start, start+length).
func (r *Runtime) InvalidateRange(start, length uint32) {
	if r == nil || length == 0 {
		return
	}
	lo, hi := uint64(start), uint64(start)+uint64(length)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, block := range r.blocks {
		if block.overlaps(lo, hi) {
			delete(r.blocks, key)
			r.codeBytes -= int(block.Size())
		}
	}
}

// Reset clears all translated code but keeps the runtime
func (r *Runtime) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.blocks = make(map[blockKey]*Block)
	r.codeBytes = 0
	r.mu.Unlock()
}

// Stats returns translation statistics
type Stats struct {
	BlocksCompiled int
	BlocksCached   int
	CodeBytes      int
	Enabled        bool
}

func (r *Runtime) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		BlocksCompiled: r.compiled,
		BlocksCached:   len(r.blocks),
		CodeBytes:      r.codeBytes,
		Enabled:        r.enabled,
	}
}
