// Command wolfscaled runs one cluster member of the distributed
// synchronization manager described in spec.md: it loads a node's
// configuration, wires the WAL, election, replication, transport,
// proxy, and admin surfaces together via internal/node, and serves
// until an operator signal requests shutdown (spec §6 "Operational
// signals"). Grounded on cmd/joydb/main.go's flag-then-serve shape,
// generalized from a single-process REPL/TCP pair to this much larger
// set of long-running loops.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfscale/wolfscale/internal/config"
	"github.com/wolfscale/wolfscale/internal/logging"
	"github.com/wolfscale/wolfscale/internal/node"
	"github.com/wolfscale/wolfscale/internal/telemetry"
)

func main() {
	overrides := config.ParseFlags()

	logger, closeLog := logging.Setup(logging.Options{Level: slog.LevelInfo})
	defer closeLog()
	slog.SetDefault(logger)

	cfg, err := config.Load(overrides.ConfigPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	overrides.Apply(cfg)

	metrics, shutdownTelemetry, err := telemetry.Init("wolfscale." + cfg.NodeID)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(ctx)
	}()

	n, err := node.Build(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to build node", "node_id", cfg.NodeID, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		logger.Error("failed to start node", "node_id", cfg.NodeID, "error", err)
		os.Exit(1)
	}

	logger.Info("wolfscaled ready",
		"node_id", cfg.NodeID,
		"proxy_addr", cfg.ProxyListenAddr,
		"transport_addr", cfg.TransportListenAddr,
		"admin_addr", cfg.AdminListenAddr,
	)

	<-ctx.Done()
	logger.Info("shutdown requested, draining", "node_id", cfg.NodeID)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	n.Shutdown(shutdownCtx)

	logger.Info("wolfscaled stopped", "node_id", cfg.NodeID)
}
