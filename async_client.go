package delimrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Zereker/delimrpc/message"
)

// Errors returned by AsyncClient.Execute.
var (
	// ErrClientStopped is returned when executing on a stopped client.
	ErrClientStopped = errors.New("client stopped")
	// ErrRequestInFlight is returned when a request is issued before the
	// response to the previous one has been delivered.
	ErrRequestInFlight = errors.New("request already in flight")
)

// ResponseHandler receives every Response of an AsyncClient, the
// authentication response first. It runs on the client's I/O goroutine;
// calling client.Execute from it issues the next request, and returning
// without doing so leaves the client idle.
type ResponseHandler func(resp *message.Response, client *AsyncClient)

// AsyncClient is a callback-driven client. It connects and authenticates in
// the background; each Execute writes one request and delivers its Response
// to the ResponseHandler. At most one request is outstanding at a time.
//
// Every background operation holds a reference on the client, so the chain
// keeps running after the creator drops its own reference. Wait blocks until
// no operation is left.
type AsyncClient struct {
	opts       clientOptions
	logger     Logger
	codec      *Codec
	onResponse ResponseHandler

	mu         sync.Mutex
	conn       net.Conn
	err        error
	cancelDial context.CancelFunc
	stopWatch  func() bool

	started   atomic.Bool
	connected atomic.Bool
	inFlight  atomic.Bool

	pending sync.WaitGroup
}

// StartAsync returns a running client that resolves host, connects and
// sends auth in the background. The first call of onResponse carries the
// authentication response; Connected reports whether it was OK.
//
// Resolve and connect failures stop the client; Wait and Err report them.
// Canceling ctx stops the client.
func StartAsync(ctx context.Context, host string, port uint16, auth *message.Auth, onResponse ResponseHandler, opt ...ClientOption) *AsyncClient {
	opts := newClientOptions(opt)
	c := &AsyncClient{
		opts:       opts,
		logger:     withAttrs(opts.logger, "server", host, "port", port),
		codec:      NewCodec(ClientRole, opts.maxReadLength),
		onResponse: onResponse,
	}
	c.started.Store(true)
	// The auth request is outstanding until its response is delivered.
	c.inFlight.Store(true)

	dialCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelDial = cancel
	c.stopWatch = context.AfterFunc(ctx, c.Stop)
	c.mu.Unlock()

	c.pending.Add(1)
	go c.connect(dialCtx, host, port, auth)

	return c
}

func (c *AsyncClient) connect(ctx context.Context, host string, port uint16, auth *message.Auth) {
	defer c.pending.Done()

	addrs, err := resolve(ctx, c.opts, host, port)
	if err != nil {
		c.transportError(err)
		return
	}

	conn, err := connect(ctx, c.opts, addrs)
	if err != nil {
		c.transportError(err)
		return
	}

	c.mu.Lock()
	if !c.started.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("async client connected", "addr", conn.RemoteAddr())
	if err := c.send(auth); err != nil {
		c.logger.Debug("auth request not sent", "error", err)
	}
}

// Execute sends msg in the background; its Response goes to the
// ResponseHandler. It returns ErrRequestInFlight while a previous request,
// including the auth request sent by StartAsync, is unanswered and
// ErrClientStopped after Stop.
//
// A message that cannot be serialized stops the client; the *CodecError is
// returned and also reported by Err.
func (c *AsyncClient) Execute(msg message.Message) error {
	if !c.started.Load() {
		return ErrClientStopped
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrRequestInFlight
	}
	return c.send(msg)
}

// send encodes msg and starts its exchange. The caller owns inFlight.
func (c *AsyncClient) send(msg message.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		c.inFlight.Store(false)
		c.fail(err)
		return err
	}

	c.pending.Add(1)
	go c.exchange(frame)
	return nil
}

// exchange writes one request frame, reads one response frame and hands
// the Response to the callback.
func (c *AsyncClient) exchange(frame []byte) {
	defer c.pending.Done()

	conn := c.connection()
	if conn == nil {
		c.inFlight.Store(false)
		return
	}

	if _, err := conn.Write(frame); err != nil {
		c.transportError(errors.Wrap(err, "write request"))
		return
	}

	length, err := c.codec.ReadFrame(conn)
	if err != nil {
		c.transportError(errors.Wrap(err, "read response"))
		return
	}

	resp := new(message.Response)
	if err := c.codec.Decode(resp, length); err != nil {
		c.fail(err)
		return
	}

	// Until connected, the response is the one to the Auth frame.
	if !c.connected.Load() && resp.Status == message.StatusOK {
		c.connected.Store(true)
		c.logger.Debug("async client authenticated")
	}

	c.inFlight.Store(false)
	if !c.started.Load() {
		return
	}
	c.onResponse(resp, c)
}

// Stop closes the connection. Outstanding operations unwind without
// invoking the ResponseHandler. Safe to call multiple times.
func (c *AsyncClient) Stop() {
	c.stop(nil)
}

// Wait blocks until no operation is outstanding, either because the
// ResponseHandler returned without issuing a new request or because the
// client stopped, and returns the error that stopped the client, if any.
func (c *AsyncClient) Wait() error {
	c.pending.Wait()
	return c.Err()
}

// Err returns the error that stopped the client, or nil.
func (c *AsyncClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Started reports whether the client is running, i.e. not stopped.
func (c *AsyncClient) Started() bool {
	return c.started.Load()
}

// Connected reports whether the server accepted the authentication.
func (c *AsyncClient) Connected() bool {
	return c.connected.Load()
}

func (c *AsyncClient) connection() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started.Load() {
		return nil
	}
	return c.conn
}

// stop marks the client stopped and closes the transport. It reports
// whether this call did the stopping.
func (c *AsyncClient) stop(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started.Load() {
		return false
	}
	c.started.Store(false)
	c.err = err

	if c.cancelDial != nil {
		c.cancelDial()
	}
	if c.stopWatch != nil {
		c.stopWatch()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return true
}

// fail stops the client with err.
func (c *AsyncClient) fail(err error) {
	if c.stop(err) {
		c.logger.Error("async client stopped", "error", err)
	}
}

// transportError fails the client unless the error was caused by Stop.
func (c *AsyncClient) transportError(err error) {
	c.inFlight.Store(false)
	if !c.started.Load() {
		return
	}
	c.fail(err)
}
