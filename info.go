package delimrpc

import (
	"net"
	"strconv"

	"github.com/Zereker/delimrpc/message"
)

// ConnectionInfo describes one server-side connection. Addresses are
// captured when the session is created; User and Authenticated are set once
// the peer authenticates.
type ConnectionInfo struct {
	RemoteAddr string
	RemotePort int
	LocalAddr  string
	LocalPort  int

	User          string
	Authenticated bool
}

func newConnectionInfo(conn net.Conn) ConnectionInfo {
	var info ConnectionInfo
	info.RemoteAddr, info.RemotePort = splitAddr(conn.RemoteAddr())
	info.LocalAddr, info.LocalPort = splitAddr(conn.LocalAddr())
	return info
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Authenticator decides whether the credentials of an Auth frame are valid.
// It runs on the session goroutine and should return quickly.
type Authenticator interface {
	Authenticate(auth *message.Auth) bool
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(auth *message.Auth) bool

func (f AuthenticatorFunc) Authenticate(auth *message.Auth) bool {
	return f(auth)
}

// QueryHandler fills resp for a query received on an authenticated session.
// There is no error channel: the response status is always OK once the
// query decoded, so failures must be described in the response payload.
type QueryHandler interface {
	HandleQuery(query *message.Query, resp *message.Response, info ConnectionInfo)
}

// QueryHandlerFunc adapts a function to the QueryHandler interface.
type QueryHandlerFunc func(query *message.Query, resp *message.Response, info ConnectionInfo)

func (f QueryHandlerFunc) HandleQuery(query *message.Query, resp *message.Response, info ConnectionInfo) {
	f(query, resp, info)
}
