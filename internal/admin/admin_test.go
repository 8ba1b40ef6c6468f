package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats map[string]int

func (s fixedStats) Stats() map[string]int { return s }

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter(prometheus.NewRegistry(), fixedStats{}, "127.0.0.1:7000")

	rec := get(t, r, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "127.0.0.1:7000", body["listen"])
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	rec := get(t, NewRouter(reg, fixedStats{}, ""), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 3")
}

func TestRouter_Stats(t *testing.T) {
	r := NewRouter(prometheus.NewRegistry(), fixedStats{"alice": 2}, "")

	rec := get(t, r, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":{"alice":2}}`, rec.Body.String())

	rec = get(t, r, "/stats/alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"alice","events":2}`, rec.Body.String())

	rec = get(t, r, "/stats/bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	// Reserve a port for the server.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, NewRouter(prometheus.NewRegistry(), fixedStats{}, addr), time.Second)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_ListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = Serve(context.Background(), l.Addr().String(), http.NotFoundHandler(), time.Second)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "admin server"))
}
