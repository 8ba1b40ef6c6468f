package delimrpc

import "log/slog"

// Logger receives the structured logs of servers, sessions and clients.
// Arguments after msg are alternating keys and values. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs binds key-value pairs to loggers that support it, such as
// *slog.Logger, so every record of a session or client carries its peer.
// Other loggers are returned unchanged.
func withAttrs(logger Logger, args ...any) Logger {
	switch l := logger.(type) {
	case *slog.Logger:
		return l.With(args...)
	case interface{ With(args ...any) Logger }:
		return l.With(args...)
	default:
		return logger
	}
}
