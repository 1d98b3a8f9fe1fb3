package debugger

import (
	"encoding/binary"
	"io"

	"vitacore/pkg/cpu"
	"vitacore/pkg/errors"
	"vitacore/pkg/kernel"
)

// ALPN is the application protocol negotiated on every debugger connection.
const ALPN = "vitacore-dbg/0"

// maxMessageSize bounds a single request or response on the wire.
const maxMessageSize = 16 << 20

// maxRead bounds one ReadMemory request.
const maxRead = 1 << 20

// Op selects the command a request carries.
type Op uint8

const (
	OpListThreads Op = iota
	OpRegisters
	OpSetBreakpoint
	OpClearBreakpoint
	OpSuspend
	OpResume
	OpReadMemory
	OpLog
	OpSnapshot
)

func (o Op) String() string {
	switch o {
	case OpListThreads:
		return "list-threads"
	case OpRegisters:
		return "registers"
	case OpSetBreakpoint:
		return "set-breakpoint"
	case OpClearBreakpoint:
		return "clear-breakpoint"
	case OpSuspend:
		return "suspend"
	case OpResume:
		return "resume"
	case OpReadMemory:
		return "read-memory"
	case OpLog:
		return "log"
	case OpSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// Request is one command. Fields an op does not use are zero.
type Request struct {
	Op     Op
	Thread kernel.UID
	Addr   uint32
	Length uint32
	Count  int32
	Label  string
}

// LogLine is a logger entry in wire form.
type LogLine struct {
	UnixNano int64
	Tag      string
	Detail   string
	Repeated int32
}

// Response carries the result of a Request. A non-empty Error means the
// command failed and the other fields are meaningless.
type Response struct {
	Error    string
	Threads  []kernel.ThreadInfo
	Context  cpu.Context
	Data     []byte
	Log      []LogLine
	Snapshot [16]byte
}

// readMessage reads one length-prefixed message: a 4-byte little-endian
// size followed by the payload.
func readMessage(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read message size")
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > maxMessageSize {
		return nil, errors.Errorf("message of %d bytes exceeds limit", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, errors.Wrap(err, "failed to read message content")
	}
	return msg, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxMessageSize {
		return errors.Errorf("message of %d bytes exceeds limit", len(msg))
	}
	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}
