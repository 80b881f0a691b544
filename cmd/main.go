package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/config"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/metrics"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/monitor"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() (err error) {
	cfg := config.ParseFlags(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.SetLogLoggerLevel(cfg.GetSlogLevel())

	promMetrics, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	var kernel transport.Transport
	if cfg.IsRawTransport() {
		kernel = transport.NewRawTransport(cfg.GetFamily(), promMetrics)
	} else {
		kernel = transport.NewNetlinkTransport(cfg.GetFamily(), promMetrics)
	}

	routeMonitor, err := monitor.New(cfg, promMetrics, kernel, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to create route monitor: %w", err)
	}

	defer func() {
		if closeErr := routeMonitor.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close route monitor: %w", closeErr))
		}
	}()

	// Create context for graceful shutdown with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start metrics server
	if err := metrics.StartMetricsServer(ctx, cancel, cfg.MetricsPort); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Run the monitoring loop
	if err := routeMonitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("route monitor error: %w", err)
	}

	return nil
}
