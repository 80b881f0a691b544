package metrics

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the route observer
type Metrics struct {
	// Notification Metrics
	EventsTotal                  *prometheus.CounterVec
	DecodeErrorsTotal            *prometheus.CounterVec
	EventDispatchDurationSeconds prometheus.Histogram

	// Route Cache Metrics
	RouteCacheEntries       prometheus.Gauge
	RouteInvalidationsTotal prometheus.Counter

	// Subscription Metrics
	SubscribedGroups prometheus.Gauge
}

// New creates and registers all Prometheus metrics
func New(registry prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		// Notification Metrics
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_events_total",
				Help: "Total number of decoded kernel notifications processed",
			},
			[]string{"type"},
		),
		DecodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_decode_errors_total",
				Help: "Total number of notifications that could not be decoded or received",
			},
			[]string{"group"},
		),
		EventDispatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "event_dispatch_duration_seconds",
				Help:    "Time taken to process a single notification",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Route Cache Metrics
		RouteCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "route_cache_entries",
				Help: "Current number of routes held in the cache",
			},
		),
		RouteInvalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "route_invalidations_total",
				Help: "Total number of cached routes invalidated by link or address removal",
			},
		),

		// Subscription Metrics
		SubscribedGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subscribed_groups",
				Help: "Current number of joined kernel notification groups",
			},
		),
	}

	// Register all metrics
	collectors := []prometheus.Collector{
		metrics.EventsTotal,
		metrics.DecodeErrorsTotal,
		metrics.EventDispatchDurationSeconds,
		metrics.RouteCacheEntries,
		metrics.RouteInvalidationsTotal,
		metrics.SubscribedGroups,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %v", err)
		}
	}

	return metrics, nil
}

// StartMetricsServer starts the Prometheus metrics HTTP server
func StartMetricsServer(ctx context.Context, cancel context.CancelFunc, port int) error {
	// Start metrics server
	metricsAddr := fmt.Sprintf(":%d", port)

	// Create a new ServeMux to avoid conflicts with global DefaultServeMux in tests
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    metricsAddr,
		Handler: mux,
	}

	// Create a listener to signal when the server is ready
	listener, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %v", metricsAddr, err)
	}
	go func() {
		log.Printf("Starting metrics server on %s", metricsAddr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server failed: %v", err)
		}
		cancel() // Cancel main context when the metrics server is stopped
	}()

	// Start server shutdown goroutine
	go func() {
		<-ctx.Done()
		log.Println("Shutting down metrics server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}()

	return nil
}
