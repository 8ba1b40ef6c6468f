package delimrpc

import (
	"net"
	"time"
)

// options holds the configuration for a server-side session.
type options struct {
	authenticator Authenticator
	queryHandler  QueryHandler
	logger        Logger
	metrics       *Metrics

	maxReadLength int           // maximum size of a single frame
	idleTimeout   time.Duration // read/write deadline per frame, 0 disables it
}

// Option is a function that configures session options.
type Option func(*options)

// AuthenticatorOption returns an Option that sets the credential check run
// for every Auth frame. It is required.
func AuthenticatorOption(a Authenticator) Option {
	return func(o *options) {
		o.authenticator = a
	}
}

// QueryHandlerOption returns an Option that sets the handler invoked for every
// Query frame of an authenticated session. It is required.
func QueryHandlerOption(h QueryHandler) Option {
	return func(o *options) {
		o.queryHandler = h
	}
}

// MessageMaxSize returns an Option that sets the maximum frame size.
// A peer that sends more bytes without a delimiter is disconnected.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// IdleTimeoutOption returns an Option that bounds how long a session waits
// for the next frame and for a response write. Zero, the default, waits
// forever.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records session activity in m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// clientOptions holds the configuration shared by Client and AsyncClient.
type clientOptions struct {
	logger        Logger
	dialer        *net.Dialer
	resolver      *net.Resolver
	maxReadLength int
}

// ClientOption is a function that configures client options.
type ClientOption func(*clientOptions)

// ClientLoggerOption sets the logger for a client.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ClientDialTimeoutOption bounds the time spent connecting to one address.
func ClientDialTimeoutOption(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.dialer = &net.Dialer{Timeout: timeout}
	}
}

// ClientResolverOption sets the resolver used to look up the server host.
func ClientResolverOption(r *net.Resolver) ClientOption {
	return func(o *clientOptions) {
		o.resolver = r
	}
}

// ClientMessageMaxSize sets the maximum size of a response frame.
func ClientMessageMaxSize(size int) ClientOption {
	return func(o *clientOptions) {
		o.maxReadLength = size
	}
}

func newClientOptions(opt []ClientOption) clientOptions {
	var opts clientOptions
	for _, o := range opt {
		o(&opts)
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.dialer == nil {
		opts.dialer = &net.Dialer{}
	}
	if opts.resolver == nil {
		opts.resolver = net.DefaultResolver
	}
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}
	return opts
}
