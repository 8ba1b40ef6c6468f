// Package admin serves the HTTP side of a running delimrpc server: health,
// Prometheus metrics and event store statistics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource reports stored events per user.
type StatsSource interface {
	Stats() map[string]int
}

// NewRouter returns the admin routes. Metrics are gathered from g.
func NewRouter(g prometheus.Gatherer, stats StatsSource, listenAddr string) *gin.Engine {
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).String(),
			"listen": listenAddr,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": stats.Stats()})
	})

	r.GET("/stats/:user", func(c *gin.Context) {
		user := c.Param("user")
		n, ok := stats.Stats()[user]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown user " + user})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user, "events": n})
	})

	return r
}

const defaultShutdownTimeout = 5 * time.Second

// Serve runs handler on addr until ctx is canceled, then shuts the HTTP
// server down within timeout.
func Serve(ctx context.Context, addr string, handler http.Handler, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "admin server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "admin shutdown")
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
