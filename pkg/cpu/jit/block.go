package jit

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"vitacore/pkg/arm"
)

// Block is a translated run of guest instructions. Every instruction except
// possibly the last falls through to the next one.
type Block struct {
	StartPC uint32
	EndPC   uint32 // address after the last instruction
	Thumb   bool
	Insts   []arm.Inst
	pcs     []uint32
	digest  [32]byte
}

// Size is the number of source bytes the block was translated from.
func (b *Block) Size() uint32 {
	return b.EndPC - b.StartPC
}

// overlaps reports whether the block shares a byte with [start, end).
func (b *Block) overlaps(start, end uint64) bool {
	return uint64(b.StartPC) < end && start < uint64(b.EndPC)
}

// compileBlock decodes instructions from pc until one ends the block, the
// instruction limit is reached or a fetch faults. A fault on the first fetch
// is returned as the exit.
func compileBlock(bus arm.Bus, pc uint32, thumb bool, limit int) (*Block, arm.Exit) {
	b := &Block{StartPC: pc, Thumb: thumb}
	var source []byte
	addr := pc
	for len(b.Insts) < limit {
		in, exit := arm.Fetch(bus, addr, thumb)
		if exit.Kind != arm.ExitNone {
			if len(b.Insts) == 0 {
				return nil, exit
			}
			break
		}
		b.Insts = append(b.Insts, in)
		b.pcs = append(b.pcs, addr)
		source = appendRaw(source, in)
		addr += in.Size
		if in.Ends {
			break
		}
	}
	b.EndPC = addr
	b.digest = blake2b.Sum256(source)
	return b, arm.Exit{}
}

func appendRaw(dst []byte, in arm.Inst) []byte {
	if in.Size == 2 {
		return binary.LittleEndian.AppendUint16(dst, uint16(in.Raw))
	}
	if in.Thumb {
		// Thumb-2 pairs are stored first halfword first
		dst = binary.LittleEndian.AppendUint16(dst, uint16(in.Raw>>16))
		return binary.LittleEndian.AppendUint16(dst, uint16(in.Raw))
	}
	return binary.LittleEndian.AppendUint32(dst, in.Raw)
}

// sourceDigest re-reads the guest bytes behind b. ok is false if any of them
// can no longer be read.
func (b *Block) sourceDigest(bus arm.Bus) ([32]byte, bool) {
	source := make([]byte, 0, b.Size())
	for addr := b.StartPC; addr < b.EndPC; addr += 2 {
		h, ok := bus.Read16(addr)
		if !ok {
			return [32]byte{}, false
		}
		source = binary.LittleEndian.AppendUint16(source, h)
	}
	return blake2b.Sum256(source), true
}
