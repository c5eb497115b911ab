package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"kmflowd/internal/event"
	"kmflowd/internal/security"
)

// RecordHandler receives authenticated inbound records. Exactly one of ev
// and gap is non-nil per call.
type RecordHandler func(ev *event.CaptureEvent, gap *GapMarker)

// ServerConfig configures the receiving side of the local channel.
type ServerConfig struct {
	// SocketPath is the endpoint to create. Its directory must be private
	// to the owning user; the socket itself is created owner-only.
	SocketPath string

	// Secret is the shared transport secret.
	Secret []byte

	// AuthTimeout bounds how long a new connection may take to present its
	// authentication line.
	AuthTimeout time.Duration
}

// Server accepts connections from the capturing process, enforces the
// shared-secret handshake, and hands validated records to the handler. It
// is consumed by the companion analysis process and by tests.
type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	handler RecordHandler

	listener net.Listener
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server. Start must be called to begin accepting.
func NewServer(cfg ServerConfig, handler RecordHandler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		log:     log,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start creates the socket with owner-only permissions and begins
// accepting connections.
func (s *Server) Start() error {
	dir := filepath.Dir(s.cfg.SocketPath)
	if err := security.EnsureSecureDir(dir); err != nil {
		return err
	}

	// A stale socket from a previous run is removed; anything else at the
	// path (a planted symlink or file) is left alone and surfaces as a
	// listen error.
	if info, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return ErrNotSocket
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return err
		}
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.cfg.SocketPath
}

// Stop closes the listener and waits for connection handlers to finish.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the handshake then streams records until the connection
// drops or the server stops.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var auth authLine
	if err := unmarshalStrict(line, &auth); err != nil || !VerifySecret(s.cfg.Secret, auth.Auth) {
		s.log.Warn("channel authentication rejected")
		s.writeAck(conn, statusRejected)
		return
	}
	if err := s.writeAck(conn, statusOK); err != nil {
		return
	}

	conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && s.ctx.Err() == nil {
				s.log.Debug("channel read failed", "error", err)
			}
			return
		}

		var rec wireRecord
		if err := unmarshalStrict(line, &rec); err != nil {
			s.log.Warn("malformed channel record dropped", "error", err)
			continue
		}

		if s.handler != nil && (rec.Event != nil || rec.Gap != nil) {
			s.handler(rec.Event, rec.Gap)
		}
	}
}

func (s *Server) writeAck(conn net.Conn, status string) error {
	line, err := marshalLine(authAck{Status: status})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, err = conn.Write(line)
	return err
}
