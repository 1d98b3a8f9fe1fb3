// Package debugger serves read-mostly introspection of a running process
// over QUIC. Each stream carries exactly one request and its response.
package debugger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"

	"vitacore/pkg/errors"
	"vitacore/pkg/kernel"
	"vitacore/pkg/logger"
	"vitacore/pkg/mem"
	"vitacore/pkg/serializer"
	"vitacore/pkg/staterepository"
)

// Server answers debugger requests for one process.
type Server struct {
	kernel *kernel.KernelState
	repo   *staterepository.Repository

	key      ed25519.PrivateKey
	udpConn  *net.UDPConn
	listener *quic.Listener
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen starts serving on addr. repo may be nil, in which case Snapshot
// requests fail.
func Listen(addr string, k *kernel.KernelState, repo *staterepository.Repository) (*Server, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate debugger key")
	}
	cert, err := generateCertificate(key)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}
	log := logger.New("debugger")
	quicConfig := &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       5 * time.Minute,
		KeepAlivePeriod:      15 * time.Second,
		Tracer:               connectionTracer(log),
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve debugger address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen on UDP")
	}
	listener, err := quic.Listen(conn, tlsConfig, quicConfig)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to create QUIC listener")
	}

	s := &Server{
		kernel:   k,
		repo:     repo,
		key:      key,
		udpConn:  conn,
		listener: listener,
		log:      log,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptConnections()

	s.log.Printf("listening on %s", listener.Addr())
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// PublicKey is the key clients can pin with ClientOptions.ServerKey.
func (s *Server) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Close stops accepting connections and waits for in-flight requests.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	s.udpConn.Close()
	return err
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Printf("accept failed: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.serveConnection(conn)
	}
}

func (s *Server) serveConnection(conn *quic.Conn) {
	defer s.wg.Done()
	s.log.Printf("client connected from %s", conn.RemoteAddr())
	defer conn.CloseWithError(0, "")

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveStream(stream)
		}()
	}
}

func (s *Server) serveStream(stream *quic.Stream) {
	defer stream.Close()

	msg, err := readMessage(stream)
	if err != nil {
		s.log.Printf("bad request stream: %v", err)
		stream.CancelRead(0)
		return
	}
	drainEOF(stream)

	var req Request
	var resp Response
	if err := serializer.Deserialize(msg, &req); err != nil {
		resp.Error = "malformed request: " + err.Error()
	} else if err := s.handle(req, &resp); err != nil {
		resp.Error = err.Error()
	}
	if err := writeMessage(stream, serializer.Serialize(&resp)); err != nil {
		s.log.Printf("%s: %v", req.Op, err)
	}
}

func (s *Server) thread(uid kernel.UID) (*kernel.ThreadState, error) {
	t := s.kernel.Thread(uid)
	if t == nil {
		return nil, errors.Wrap(kernel.ErrNoSuchObject, "thread")
	}
	return t, nil
}

func (s *Server) handle(req Request, resp *Response) error {
	switch req.Op {
	case OpListThreads:
		for _, t := range s.kernel.Threads() {
			resp.Threads = append(resp.Threads, t.Info())
		}
		return nil

	case OpRegisters:
		t, err := s.thread(req.Thread)
		if err != nil {
			return err
		}
		ctx, ok := t.Context()
		if !ok {
			return errors.Errorf("thread %d is running, suspend it first", req.Thread)
		}
		resp.Context = ctx
		return nil

	case OpSetBreakpoint, OpClearBreakpoint:
		t, err := s.thread(req.Thread)
		if err != nil {
			return err
		}
		if req.Op == OpSetBreakpoint {
			t.CPU().AddBreakpoint(mem.Address(req.Addr))
		} else {
			t.CPU().RemoveBreakpoint(mem.Address(req.Addr))
		}
		return nil

	case OpSuspend:
		return s.kernel.SuspendThread(req.Thread)

	case OpResume:
		return s.kernel.ResumeThread(req.Thread)

	case OpReadMemory:
		if req.Length > maxRead {
			return errors.Errorf("read of %d bytes exceeds %d", req.Length, maxRead)
		}
		m := s.kernel.Mem()
		addr := mem.Address(req.Addr)
		if !m.Probe(addr, req.Length, false) {
			return errors.Errorf("%s+%#x is not readable", addr, req.Length)
		}
		resp.Data = make([]byte, req.Length)
		if !m.ReadBytes(addr, resp.Data) {
			return errors.Errorf("%s+%#x is not readable", addr, req.Length)
		}
		return nil

	case OpLog:
		for _, e := range logger.Tail(int(req.Count)) {
			resp.Log = append(resp.Log, LogLine{
				UnixNano: e.Timestamp.UnixNano(),
				Tag:      e.Tag,
				Detail:   e.Detail,
				Repeated: int32(e.Repeated),
			})
		}
		return nil

	case OpSnapshot:
		if s.repo == nil {
			return errors.Errorf("snapshots are not configured")
		}
		id, err := s.repo.SaveSnapshot(staterepository.Capture(s.kernel, req.Label))
		if err != nil {
			return err
		}
		resp.Snapshot = id
		return nil
	}
	return errors.Errorf("unknown op %d", req.Op)
}

// connectionTracer records connection lifetimes in the debugger log.
func connectionTracer(log *logger.Logger) func(context.Context, logging.Perspective, logging.ConnectionID) *logging.ConnectionTracer {
	return func(_ context.Context, _ logging.Perspective, connID logging.ConnectionID) *logging.ConnectionTracer {
		return &logging.ConnectionTracer{
			StartedConnection: func(local, remote net.Addr, _, _ logging.ConnectionID) {
				log.Printf("connection %s started: %v -> %v", connID, remote, local)
			},
			ClosedConnection: func(err error) {
				log.Printf("connection %s closed: %v", connID, err)
			},
		}
	}
}
