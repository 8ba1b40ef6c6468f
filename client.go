package delimrpc

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Zereker/delimrpc/message"
)

// Client is a blocking client. Execute sends one message and waits for its
// Response. A Client is not safe for concurrent use: callers must not
// overlap Execute calls.
type Client struct {
	conn   net.Conn
	codec  *Codec
	logger Logger
	closed atomic.Bool
}

// Dial resolves host and connects to the first address that accepts.
func Dial(ctx context.Context, host string, port uint16, opt ...ClientOption) (*Client, error) {
	opts := newClientOptions(opt)

	addrs, err := resolve(ctx, opts, host, port)
	if err != nil {
		return nil, err
	}

	conn, err := connect(ctx, opts, addrs)
	if err != nil {
		return nil, err
	}

	opts.logger.Debug("client connected", "addr", conn.RemoteAddr())
	return newClientWithOptions(conn, opts), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opt ...ClientOption) *Client {
	return newClientWithOptions(conn, newClientOptions(opt))
}

func newClientWithOptions(conn net.Conn, opts clientOptions) *Client {
	return &Client{
		conn:   conn,
		codec:  NewCodec(ClientRole, opts.maxReadLength),
		logger: withAttrs(opts.logger, "server_addr", conn.RemoteAddr().String()),
	}
}

// Execute sends msg and blocks until the Response arrives.
//
// A message that cannot be serialized, or a response that cannot be parsed,
// yields a Response with message.StatusClientError and a nil error; nothing
// is sent in the first case. Transport failures are returned as errors and
// leave the connection unusable. After Close it returns ErrConnectionClosed.
func (c *Client) Execute(msg message.Message) (*message.Response, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	frame, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Warn("request not sent", "error", err)
		return c.codec.errorResponse(err), nil
	}

	if _, err := c.conn.Write(frame); err != nil {
		return nil, errors.Wrapf(err, "write %s", msg.Kind())
	}

	length, err := c.codec.ReadFrame(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	resp := new(message.Response)
	if err := c.codec.Decode(resp, length); err != nil {
		c.logger.Warn("malformed response", "error", err)
		return c.codec.errorResponse(err), nil
	}
	return resp, nil
}

// Authenticate sends an Auth frame with the given credentials.
func (c *Client) Authenticate(user, pass string) (*message.Response, error) {
	return c.Execute(&message.Auth{User: user, Pass: pass})
}

// Close closes the connection. Safe to call multiple times.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// LocalAddr returns the local address of the connection.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// resolve looks up host and returns dialable host:port addresses.
func resolve(ctx context.Context, opts clientOptions, host string, port uint16) ([]string, error) {
	ips, err := opts.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}

	p := strconv.Itoa(int(port))
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, p))
	}
	return addrs, nil
}

// connect tries addrs in order and returns the first connection.
func connect(ctx context.Context, opts clientOptions, addrs []string) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := opts.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, errors.Wrap(lastErr, "connect")
}
