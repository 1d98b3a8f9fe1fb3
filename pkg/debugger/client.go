package debugger

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"vitacore/pkg/cpu"
	"vitacore/pkg/errors"
	"vitacore/pkg/kernel"
	"vitacore/pkg/serializer"
)

type ClientOptions struct {
	// ServerKey pins the server's certificate key. Nil accepts any ed25519
	// certificate.
	ServerKey ed25519.PublicKey
	// DialTimeout defaults to 10 seconds.
	DialTimeout time.Duration
}

// Client issues debugger requests over one QUIC connection.
type Client struct {
	conn *quic.Conn
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Op      Op
	Message string
}

func (e *RemoteError) Error() string {
	return e.Op.String() + ": " + e.Message
}

func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPN},
		// the certificate is self-signed; the key is checked below instead
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyServerKey(opts.ServerKey),
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, tlsConfig, &quic.Config{
		HandshakeIdleTimeout: opts.DialTimeout,
		KeepAlivePeriod:      15 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to "+addr)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closed")
}

// call sends req on a fresh stream and waits for the response.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	var resp Response
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return resp, errors.Wrap(err, "failed to open stream")
	}
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := writeMessage(stream, serializer.Serialize(&req)); err != nil {
		stream.CancelRead(0)
		stream.Close()
		return resp, err
	}
	// closing the send side tells the server the request is complete
	stream.Close()

	msg, err := readMessage(stream)
	if err != nil {
		return resp, err
	}
	drainEOF(stream)
	if err := serializer.Deserialize(msg, &resp); err != nil {
		return resp, errors.Wrap(err, "malformed response")
	}
	if resp.Error != "" {
		return resp, &RemoteError{Op: req.Op, Message: resp.Error}
	}
	return resp, nil
}

func (c *Client) ListThreads(ctx context.Context) ([]kernel.ThreadInfo, error) {
	resp, err := c.call(ctx, Request{Op: OpListThreads})
	return resp.Threads, err
}

// Registers returns the context of a dormant or suspended thread.
func (c *Client) Registers(ctx context.Context, thread kernel.UID) (cpu.Context, error) {
	resp, err := c.call(ctx, Request{Op: OpRegisters, Thread: thread})
	return resp.Context, err
}

func (c *Client) SetBreakpoint(ctx context.Context, thread kernel.UID, addr uint32) error {
	_, err := c.call(ctx, Request{Op: OpSetBreakpoint, Thread: thread, Addr: addr})
	return err
}

func (c *Client) ClearBreakpoint(ctx context.Context, thread kernel.UID, addr uint32) error {
	_, err := c.call(ctx, Request{Op: OpClearBreakpoint, Thread: thread, Addr: addr})
	return err
}

func (c *Client) Suspend(ctx context.Context, thread kernel.UID) error {
	_, err := c.call(ctx, Request{Op: OpSuspend, Thread: thread})
	return err
}

func (c *Client) Resume(ctx context.Context, thread kernel.UID) error {
	_, err := c.call(ctx, Request{Op: OpResume, Thread: thread})
	return err
}

func (c *Client) ReadMemory(ctx context.Context, addr, length uint32) ([]byte, error) {
	resp, err := c.call(ctx, Request{Op: OpReadMemory, Addr: addr, Length: length})
	return resp.Data, err
}

// Log returns up to n recent log lines, oldest first.
func (c *Client) Log(ctx context.Context, n int) ([]LogLine, error) {
	resp, err := c.call(ctx, Request{Op: OpLog, Count: int32(n)})
	return resp.Log, err
}

// Snapshot saves the process state on the server and returns its ID.
func (c *Client) Snapshot(ctx context.Context, label string) (uuid.UUID, error) {
	resp, err := c.call(ctx, Request{Op: OpSnapshot, Label: label})
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.UUID(resp.Snapshot), nil
}

// drainEOF consumes the peer's FIN so the stream can be retired. Anything
// but a prompt EOF aborts the receive side.
func drainEOF(stream *quic.Stream) {
	stream.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := stream.Read(make([]byte, 1)); err != io.EOF {
		stream.CancelRead(0)
	}
}
