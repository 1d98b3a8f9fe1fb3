package mem

import (
	"sync"
	"unsafe"
)

// Scalar is the set of types a Ptr can point at.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Ptr is a typed guest address. It does not own what it points at.
type Ptr[T Scalar] struct {
	addr Address
}

func NewPtr[T Scalar](addr Address) Ptr[T] {
	return Ptr[T]{addr: addr}
}

// Cast reinterprets p as a pointer to U.
func Cast[U, T Scalar](p Ptr[T]) Ptr[U] {
	return Ptr[U]{addr: p.addr}
}

func (p Ptr[T]) Addr() Address { return p.addr }

func (p Ptr[T]) IsNull() bool { return p.addr == 0 }

// Index returns a pointer to the i-th element after p.
func (p Ptr[T]) Index(i int) Ptr[T] {
	var zero T
	return Ptr[T]{addr: p.addr + Address(i*int(unsafe.Sizeof(zero)))}
}

// Load reads the value at p. Fails if p is outside allocated memory or the
// access is refused by a protection.
func (p Ptr[T]) Load(m *MemState) (T, bool) {
	var v T
	if p.addr == 0 {
		return v, false
	}
	if !m.ReadBytes(p.addr, unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))) {
		var zero T
		return zero, false
	}
	return v, true
}

func (p Ptr[T]) Store(m *MemState, v T) bool {
	if p.addr == 0 {
		return false
	}
	return m.WriteBytes(p.addr, unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)))
}

// Block is an owned allocation, released exactly once by Free.
type Block struct {
	mem  *MemState
	addr Address
	size uint32
	once sync.Once
}

// AllocBlock allocates size bytes. Returns nil when memory is exhausted.
func (m *MemState) AllocBlock(size uint32, name string) *Block {
	addr := m.Alloc(size, name)
	if addr == 0 {
		return nil
	}
	return &Block{mem: m, addr: addr, size: size}
}

func (b *Block) Addr() Address { return b.addr }

func (b *Block) Size() uint32 { return b.size }

// End returns the first address past the block.
func (b *Block) End() Address { return b.addr + Address(b.size) }

func (b *Block) Free() {
	b.once.Do(func() {
		b.mem.Free(b.addr)
	})
}
