package constants

// Guest address space layout
const (
	PageSize = 1 << 12
	// GuestSpaceSize is the size of the 32-bit guest address space.
	GuestSpaceSize = 1 << 32
	NumGuestPages  = GuestSpaceSize / PageSize
	// DefaultMemorySize is how much of the guest space is backed by default.
	DefaultMemorySize = 1 << 32
)

// Kernel defaults
const (
	DefaultStackSize    = 256 * 1024
	DefaultTLSSize      = 0x800
	MinStackSize        = 0x1000
	MaxThreadNameLength = 31
	// ProcessorCount is the number of guest CPU cores reported to threads.
	ProcessorCount = 4
)

// Reserved SVC immediates used by the kernel's own stubs. Guest import stubs
// always use SVC #0.
const (
	ThreadReturnSVC   = 0xfffff0
	CallbackReturnSVC = 0xfffff1
)

// JIT defaults
const (
	DefaultMaxBlockInstructions = 64
)
