// Package relay runs the relay listener.
//
// In stream mode every accepted TCP connection carries exactly one exchange:
// the client writes one frame and half-closes, the relay answers with one frame
// and closes. In the RPC modes the listener is handed to the Echo server that
// serves the RPC methods.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/config"
	"xllm-go/internal/diag"
	"xllm-go/internal/model"
	"xllm-go/internal/transport"
)

// Server accepts relay connections. A Server serves one listener at a time.
type Server struct {
	transport transport.Transport
	forwarder transport.Forwarder
	sink      diag.Sink
	echo      *echo.Echo
	logger    *slog.Logger

	maxBytes int64
	timeout  time.Duration

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// NewServer creates a Server. t selects the mode; in the RPC modes e must have
// the RPC routes registered and t is only used for its mode.
func NewServer(cfg *config.Config, t transport.Transport, fwd transport.Forwarder, sink diag.Sink, e *echo.Echo, logger *slog.Logger) *Server {
	if sink == nil {
		sink = diag.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		transport: t,
		forwarder: fwd,
		sink:      sink,
		echo:      e,
		logger:    logger.With("component", "relay_server"),
		maxBytes:  cfg.Server.BodyMaxBytes,
		timeout:   cfg.ExchangeTimeout(),
		conns:     make(map[net.Conn]struct{}),
		baseCtx:   ctx,
		cancelFn:  cancel,
	}
}

// Mode returns the transport the server speaks.
func (s *Server) Mode() transport.Mode { return s.transport.Mode() }

// Listen binds addr. Binding failures are returned as-is so the caller can
// report them before serving.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Shutdown is called. It returns nil
// after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("relay listening", "addr", ln.Addr().String(), "mode", string(s.Mode()))

	if s.Mode() != transport.ModeStream {
		if s.echo == nil {
			return fmt.Errorf("%s mode needs an RPC server", s.Mode())
		}
		if err := s.echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	return s.acceptLoop(ln)
}

// Run binds addr and serves until ctx is done, then shuts down, giving in-flight
// exchanges up to grace to finish.
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting, waits for in-flight exchanges and then returns. If
// ctx ends first the remaining connections are closed and their upstream calls
// canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()

	s.logger.Info("shutting down relay")

	if s.Mode() != transport.ModeStream && s.echo != nil {
		err := s.echo.Shutdown(ctx)
		s.cancelFn()
		return err
	}

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelFn()
		return nil
	case <-ctx.Done():
	}

	s.cancelFn()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				s.logger.Warn("accept error; retrying", "err", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConn runs one exchange on conn. Nothing that happens here affects
// other connections or the accept loop.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in exchange", "panic", r, "peer", conn.RemoteAddr().String())
		}
	}()

	ctx := diag.WithExchangeID(s.baseCtx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	peer := conn.RemoteAddr().String()
	mode := string(s.Mode())
	s.sink.Emit(ctx, diag.Event{Kind: diag.ConnectionAccepted, Transport: mode, Peer: peer})

	in, err := s.readRequest(conn)
	if err != nil {
		s.sink.Emit(ctx, diag.Event{Kind: diag.DecodeFailed, Transport: mode, Peer: peer, Err: err})
		if errors.Is(err, model.ErrMalformedEnvelope) {
			if reply, encErr := s.transport.EncodeFailure(err); encErr == nil {
				s.reply(conn, reply)
			}
		}
		return
	}

	res := transport.Exchange(ctx, s.transport, s.forwarder, s.sink, in, peer)
	if res.Reply != nil {
		s.reply(conn, res.Reply)
	}
}

// readRequest reads until the peer half-closes. Requests over the size limit
// are rejected as malformed.
func (s *Server) readRequest(conn net.Conn) ([]byte, error) {
	r := io.Reader(conn)
	if s.maxBytes > 0 {
		r = io.LimitReader(conn, s.maxBytes+1)
	}
	in, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if s.maxBytes > 0 && int64(len(in)) > s.maxBytes {
		return nil, fmt.Errorf("%w: request exceeds %d bytes", model.ErrMalformedEnvelope, s.maxBytes)
	}
	return in, nil
}

func (s *Server) reply(conn net.Conn, b []byte) {
	if _, err := conn.Write(b); err != nil {
		s.logger.Debug("write reply", "err", err, "peer", conn.RemoteAddr().String())
		return
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
