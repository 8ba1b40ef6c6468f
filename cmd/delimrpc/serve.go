package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/delimrpc"
	"github.com/Zereker/delimrpc/internal/admin"
	"github.com/Zereker/delimrpc/internal/config"
	"github.com/Zereker/delimrpc/internal/eventstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server with an in-memory event store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg, logger, nil)
	},
}

// runServe serves until ctx is canceled. ready, when set, receives the
// bound address once the listener is up.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- net.Addr) error {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Server.Address)
	if err != nil {
		return errors.Wrap(err, "server.address")
	}

	creds := config.NewCredentials(cfg.Users)
	if creds.Len() == 0 {
		logger.Warn("no users configured, every authentication will be rejected")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := delimrpc.NewMetrics(reg)
	store := eventstore.New()

	handler, err := delimrpc.NewSessionHandler(
		delimrpc.AuthenticatorOption(creds),
		delimrpc.QueryHandlerOption(store),
		delimrpc.LoggerOption(logger),
		delimrpc.MetricsOption(metrics),
		delimrpc.MessageMaxSize(cfg.Server.MaxFrameSize),
		delimrpc.IdleTimeoutOption(cfg.Server.IdleTimeout.Duration),
	)
	if err != nil {
		return err
	}

	server, err := delimrpc.New(addr,
		delimrpc.ServerLoggerOption(logger),
		delimrpc.ServerShutdownTimeoutOption(cfg.Server.ShutdownTimeout.Duration),
		delimrpc.ServerMaxConnectionsOption(cfg.Server.MaxConnections),
		delimrpc.ServerMetricsOption(metrics),
	)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer server.Close()

	if ready != nil {
		ready <- server.Addr()
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := server.Serve(ctx, handler)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Server.MetricsAddress != "" {
		gin.SetMode(gin.ReleaseMode)
		router := admin.NewRouter(reg, store, server.Addr().String())
		logger.Info("admin endpoint started", "addr", cfg.Server.MetricsAddress)

		group.Go(func() error {
			return admin.Serve(ctx, cfg.Server.MetricsAddress, router, cfg.Server.ShutdownTimeout.Duration)
		})
	}

	return group.Wait()
}
