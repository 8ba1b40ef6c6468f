package delimrpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Zereker/delimrpc/message"
)

// mockHandler implements Handler interface for testing
type mockHandler struct {
	mu       sync.Mutex
	conns    []net.Conn
	handleCh chan net.Conn
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		conns:    make([]net.Conn, 0),
		handleCh: make(chan net.Conn, 10),
	}
}

func (h *mockHandler) Handle(_ context.Context, conn net.Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}
}

func (h *mockHandler) getConns() []net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return server
}

// startSessionServer serves sessions with the test collaborators and
// returns the server port.
func startSessionServer(t *testing.T, opts ...ServerOption) (*Server, uint16) {
	t.Helper()

	server := newTestServer(t, opts...)
	handler, err := NewSessionHandler(
		AuthenticatorOption(testAuthenticate),
		QueryHandlerOption(testHandleQuery),
	)
	if err != nil {
		t.Fatalf("NewSessionHandler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for Serve to return")
		}
		server.Close()
	})

	return server, uint16(server.Addr().(*net.TCPAddr).Port)
}

func TestNew(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	server1 := newTestServer(t)
	defer server1.Close()

	// Try to listen on the same port - should fail
	occupiedAddr := server1.listener.Addr().(*net.TCPAddr)
	_, err := New(occupiedAddr)
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)

	err := server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	_, err = server.listener.AcceptTCP()
	if err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	// Connect a client
	clientConn, err := net.DialTCP("tcp", nil, server.listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer clientConn.Close()

	// Wait for handler to receive the connection
	select {
	case conn := <-handler.handleCh:
		if conn != nil {
			conn.Close()
		} else {
			t.Error("handler received nil connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	// Cancel context to stop server
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start serving in goroutine
	go server.Serve(ctx, handler)

	// Connect multiple clients
	numClients := 5
	clients := make([]*net.TCPConn, numClients)
	for i := 0; i < numClients; i++ {
		clientConn, err := net.DialTCP("tcp", nil, server.listener.Addr().(*net.TCPAddr))
		if err != nil {
			t.Fatalf("client %d dial failed: %v", i, err)
		}
		clients[i] = clientConn
	}

	// Wait for all handlers to receive connections
	for i := 0; i < numClients; i++ {
		select {
		case conn := <-handler.handleCh:
			if conn == nil {
				t.Errorf("handler %d received nil connection", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i)
		}
	}

	// Close all client connections
	for _, conn := range clients {
		conn.Close()
	}

	// Verify handler received all connections
	conns := handler.getConns()
	if len(conns) != numClients {
		t.Errorf("handler received %d connections, want %d", len(conns), numClients)
	}

	// Close handler connections
	for _, conn := range conns {
		conn.Close()
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, newMockHandler())
	}()

	// Cancel context
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_ShutdownCancelsHandlers(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	handlerDone := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer close(handlerDone)
		defer conn.Close()
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	clientConn, err := net.DialTCP("tcp", nil, server.listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer clientConn.Close()

	// Give the handler time to start.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	select {
	case <-handlerDone:
	default:
		t.Error("Serve returned before its handler finished")
	}
}

func TestServer_ShutdownTimeoutLetsHandlersFinish(t *testing.T) {
	server := newTestServer(t, ServerShutdownTimeoutOption(5*time.Second))
	defer server.Close()

	started := make(chan struct{})
	var handlerCanceled bool
	handler := HandlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		close(started)
		select {
		case <-ctx.Done():
			handlerCanceled = true
		case <-time.After(100 * time.Millisecond):
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	clientConn, err := net.DialTCP("tcp", nil, server.listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer clientConn.Close()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
	if handlerCanceled {
		t.Error("handler should have finished on its own within the shutdown timeout")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	server := newTestServer(t, ServerMaxConnectionsOption(1), ServerMetricsOption(metrics))
	defer server.Close()

	release := make(chan struct{})
	handler := HandlerFunc(func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	addr := server.listener.Addr().(*net.TCPAddr)
	first, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()

	// Let the first connection occupy the only slot.
	time.Sleep(50 * time.Millisecond)

	second, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("expected rejected connection to be closed")
	}

	if got := testutil.ToFloat64(metrics.connectionsRejected); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.connectionsAccepted); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
}

func TestServer_HandlerPanicDoesNotStopServer(t *testing.T) {
	server := newTestServer(t, ServerLoggerOption(&mockLogger{}))
	defer server.Close()

	var mu sync.Mutex
	calls := 0
	served := make(chan struct{}, 2)
	handler := HandlerFunc(func(_ context.Context, conn net.Conn) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		served <- struct{}{}
		if n == 1 {
			panic("boom")
		}
		conn.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	addr := server.listener.Addr().(*net.TCPAddr)
	for i := 0; i < 2; i++ {
		conn, err := net.DialTCP("tcp", nil, addr)
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		defer conn.Close()

		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for connection %d", i)
		}
	}
}

func TestNewSessionHandler_MissingOptions(t *testing.T) {
	if _, err := NewSessionHandler(QueryHandlerOption(testHandleQuery)); err != ErrInvalidAuthenticator {
		t.Errorf("expected ErrInvalidAuthenticator, got %v", err)
	}
	if _, err := NewSessionHandler(AuthenticatorOption(testAuthenticate)); err != ErrInvalidQueryHandler {
		t.Errorf("expected ErrInvalidQueryHandler, got %v", err)
	}
}

func TestServer_SessionsAreIndependent(t *testing.T) {
	_, port := startSessionServer(t)

	ctx := context.Background()
	authed, err := Dial(ctx, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer authed.Close()

	other, err := Dial(ctx, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer other.Close()

	if resp := mustExecute(t, authed, &message.Auth{User: testUser, Pass: testPass}); resp.Status != message.StatusOK {
		t.Fatalf("auth status = %v", resp.Status)
	}

	// Authentication on one connection does not leak into another.
	if resp := mustExecute(t, other, sampleQuery(1)); resp.Status != message.StatusUnauthorized {
		t.Errorf("unauthenticated connection got %v", resp.Status)
	}
	if resp := mustExecute(t, authed, sampleQuery(2)); resp.Status != message.StatusOK {
		t.Errorf("authenticated connection got %v", resp.Status)
	}
}
