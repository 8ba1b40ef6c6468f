// Package delimrpc implements a minimal request/response messaging layer
// over TCP. Every message travels as one frame: its protobuf encoding
// followed by the delimiter "==DELIM==". A client authenticates first and
// then sends queries; the server answers each frame with exactly one
// Response.
//
// The package provides the server side (Server and Session), a blocking
// Client and a callback-driven AsyncClient.
package delimrpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/delimrpc/message"
)

// Errors returned by session operations.
var (
	// ErrInvalidAuthenticator is returned when no authenticator is provided.
	ErrInvalidAuthenticator = errors.New("invalid authenticator")
	// ErrInvalidQueryHandler is returned when no query handler is provided.
	ErrInvalidQueryHandler = errors.New("invalid query handler")
	// ErrMessageTooLarge is returned when a frame exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// unauthorizedMessage is the Emsg of a rejected Auth frame.
const unauthorizedMessage = "server: wrong user or password"

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum size of a single frame (4MB).
	defaultMaxPackageLength = 4 * 1024 * 1024
)

// SessionState is the authentication phase of a session.
type SessionState int

const (
	// AwaitingAuth accepts only Auth frames.
	AwaitingAuth SessionState = iota
	// Authenticated accepts only Query frames.
	Authenticated
)

func (s SessionState) String() string {
	switch s {
	case AwaitingAuth:
		return "AwaitingAuth"
	case Authenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session serves one accepted connection. It reads one frame, answers it
// with one Response and repeats until the peer disconnects, a transport
// error occurs or the session is closed.
type Session struct {
	rawConn net.Conn
	codec   *Codec
	logger  Logger

	opts options

	mu    sync.Mutex
	state SessionState
	info  ConnectionInfo

	closed atomic.Bool
}

// NewSession creates a session for conn.
// It applies the provided options and validates them before returning.
// Returns an error if required options (authenticator, query handler) are missing.
func NewSession(conn net.Conn, opt ...Option) (*Session, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newSessionWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for session options.
func checkOptions(opts *options) error {
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.authenticator == nil {
		return ErrInvalidAuthenticator
	}

	if opts.queryHandler == nil {
		return ErrInvalidQueryHandler
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newSessionWithOptions(conn net.Conn, opts options) *Session {
	return &Session{
		rawConn: conn,
		codec:   NewCodec(ServerRole, opts.maxReadLength),
		logger:  withAttrs(opts.logger, "remote_addr", conn.RemoteAddr().String()),
		opts:    opts,
		state:   AwaitingAuth,
		info:    newConnectionInfo(conn),
	}
}

// Run serves the connection until the peer disconnects, a transport error
// occurs, ctx is canceled or Close is called. The connection is closed when
// Run returns.
//
// A peer that closes the connection ends Run with a nil error. Cancellation
// returns ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session started")
	s.logger.Debug("session options",
		"max_read_length", s.opts.maxReadLength,
		"idle_timeout", s.opts.idleTimeout)

	s.opts.metrics.sessionStarted()
	defer s.opts.metrics.sessionEnded()

	ctx, cancel := context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		return s.serve(child)
	})

	// Closing the socket is what unblocks a pending read or write.
	group.Go(func() error {
		<-child.Done()
		_ = s.Close()
		return nil
	})

	err := group.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Info("session closed with error", "user", s.Info().User, "error", err)
	} else {
		s.logger.Info("session closed", "user", s.Info().User)
	}

	return err
}

// Close closes the connection. A running Run returns nil.
// Safe to call multiple times.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// State returns the current authentication phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a copy of the connection information.
func (s *Session) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Addr returns the remote address of the connection.
func (s *Session) Addr() net.Addr {
	return s.rawConn.RemoteAddr()
}

// serve runs the read, handle, write cycle.
func (s *Session) serve(ctx context.Context) error {
	for {
		s.setDeadline(s.rawConn.SetReadDeadline)

		length, err := s.codec.ReadFrame(s.rawConn)
		if err != nil {
			return s.transportError(ctx, "read", err)
		}

		resp := s.handleFrame(length)

		if err := s.write(resp); err != nil {
			return s.transportError(ctx, "write", err)
		}
	}
}

// handleFrame decodes the frame for the current state and builds its Response.
func (s *Session) handleFrame(length int) *message.Response {
	if s.State() == AwaitingAuth {
		return s.authenticate(length)
	}
	return s.query(length)
}

func (s *Session) authenticate(length int) *message.Response {
	var auth message.Auth
	err := s.codec.Decode(&auth, length)
	s.opts.metrics.frame(auth.Kind(), err)
	if err != nil {
		s.logger.Warn("malformed frame", "error", err)
		return s.codec.errorResponse(err)
	}

	ok := s.opts.authenticator.Authenticate(&auth)
	s.opts.metrics.authentication(ok)
	if !ok {
		s.logger.Info("authentication rejected", "user", auth.User)
		return &message.Response{
			Status: message.StatusUnauthorized,
			Emsg:   unauthorizedMessage,
		}
	}

	s.mu.Lock()
	s.state = Authenticated
	s.info.User = auth.User
	s.info.Authenticated = true
	s.mu.Unlock()

	s.logger.Info("authenticated", "user", auth.User)
	return &message.Response{Status: message.StatusOK}
}

func (s *Session) query(length int) *message.Response {
	var query message.Query
	err := s.codec.Decode(&query, length)
	s.opts.metrics.frame(query.Kind(), err)
	if err != nil {
		s.logger.Warn("malformed frame", "error", err)
		return s.codec.errorResponse(err)
	}

	resp := new(message.Response)
	s.opts.queryHandler.HandleQuery(&query, resp, s.Info())
	resp.Status = message.StatusOK
	return resp
}

// write encodes resp and sends it. A response that cannot be encoded is
// replaced by the codec error response.
func (s *Session) write(resp *message.Response) error {
	data, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Warn("response dropped", "error", err)
		resp = s.codec.errorResponse(err)
		if data, err = s.codec.Encode(resp); err != nil {
			return err
		}
	}

	s.opts.metrics.response(resp.Status)

	s.setDeadline(s.rawConn.SetWriteDeadline)
	_, err = s.rawConn.Write(data)
	return err
}

// transportError classifies a read or write failure. End of stream and a
// local close are normal shutdowns.
func (s *Session) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.closed.Load() {
		return nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.logger.Debug("peer closed connection", "discarded", s.codec.Buffered())
		return nil
	}

	s.logger.Error(op+" error", "error", err)
	return err
}

func (s *Session) setDeadline(set func(time.Time) error) {
	if s.opts.idleTimeout > 0 {
		_ = set(time.Now().Add(s.opts.idleTimeout))
	}
}
