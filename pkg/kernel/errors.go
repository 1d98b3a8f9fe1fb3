package kernel

import "errors"

// Results of kernel operations. The HLE layer maps them to guest error codes.
var (
	// ErrNoSuchObject means the UID does not name a live object of the
	// requested kind.
	ErrNoSuchObject = errors.New("no such kernel object")
	// ErrNotReady means the object exists but the operation could not
	// complete without blocking.
	ErrNotReady        = errors.New("object not ready")
	ErrTimeout         = errors.New("wait timed out")
	ErrWaitCanceled    = errors.New("wait canceled")
	ErrWaitDeleted     = errors.New("object deleted while waiting")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrThreadState means the thread is in the wrong state for the
	// operation, e.g. starting a thread that is already running.
	ErrThreadState = errors.New("illegal thread state")
	ErrNoMemory    = errors.New("out of guest memory")
	// ErrNotOwner is returned by condition variable waits when the caller
	// does not hold the associated mutex.
	ErrNotOwner = errors.New("mutex not owned by caller")
	// ErrLockOverflow means a recursive lock would overflow the lock count.
	ErrLockOverflow = errors.New("mutex lock count overflow")
)

// UID identifies a kernel object for the lifetime of the process.
type UID int32
