package delimrpc

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler is the interface for handling incoming TCP connections.
// Implementations own the connection and must close it when done.
type Handler interface {
	// Handle is called on its own goroutine for each accepted connection.
	// ctx is canceled when the server shuts down.
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Accept error back-off bounds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	metrics         *Metrics
	shutdownTimeout time.Duration
	maxConnections  int

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context passed to Serve is canceled, the server stops accepting
// and gives running handlers up to this duration to finish on their own
// before canceling them. Default is 0 (cancel handlers immediately).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerMaxConnectionsOption enables admission control: while n handlers
// are running, newly accepted connections are closed immediately.
// Default is 0 (unlimited).
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// ServerMetricsOption records accepted and rejected connections in m.
func ServerMetricsOption(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and hands each one to handler on its own
// goroutine. Accept errors are logged and accepting resumes after a short
// back-off; only a shutdown ends the loop.
//
// When ctx is canceled Serve stops accepting, waits for running handlers
// (see ServerShutdownTimeoutOption) and returns ctx.Err(). Close stops the
// server and cancels handlers without waiting.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	// Handlers outlive ctx by up to the shutdown timeout.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	var (
		group errgroup.Group
		slots chan struct{}
		delay time.Duration
	)
	if s.maxConnections > 0 {
		slots = make(chan struct{}, s.maxConnections)
	}

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				s.drain(&group, cancelHandlers)
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener closed", "error", err)
				cancelHandlers()
				_ = group.Wait()
				return err
			}

			delay = nextAcceptDelay(delay)
			s.logger.Error("accept error", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if slots != nil {
			select {
			case slots <- struct{}{}:
			default:
				s.logger.Warn("connection rejected", "remote_addr", conn.RemoteAddr(), "max_connections", s.maxConnections)
				s.metrics.rejected()
				_ = conn.Close()
				continue
			}
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		s.metrics.accepted()
		_ = conn.SetNoDelay(true)

		group.Go(func() error {
			defer func() {
				if slots != nil {
					<-slots
				}
			}()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("handler panic", "remote_addr", conn.RemoteAddr(), "panic", r)
					_ = conn.Close()
				}
			}()
			handler.Handle(handlerCtx, conn)
			return nil
		})
	}
}

// drain waits for running handlers, canceling them once the shutdown
// timeout expires or Close is called.
func (s *Server) drain(group *errgroup.Group, cancelHandlers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	if s.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
		select {
		case <-done:
			return
		case <-time.After(s.shutdownTimeout):
			// Timeout expired, proceed with shutdown
		case <-s.shutdownNow:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	cancelHandlers()
	<-done
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptDelay
	}
	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}

// Close stops the server by closing the underlying listener.
// Running handlers are canceled without waiting for the shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// A signal is already pending
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// sessionHandler runs one Session per connection.
type sessionHandler struct {
	opts options
}

// NewSessionHandler returns a Handler that serves every connection with a
// Session configured by opt. It fails if the authenticator or the query
// handler is missing.
func NewSessionHandler(opt ...Option) (Handler, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &sessionHandler{opts: opts}, nil
}

func (h *sessionHandler) Handle(ctx context.Context, conn net.Conn) {
	_ = newSessionWithOptions(conn, h.opts).Run(ctx)
}
