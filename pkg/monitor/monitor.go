package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/config"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/event"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/metrics"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/routecache"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/transport"
)

// RouteMonitor mirrors the kernel routing table into a local cache and
// writes a record of every change to its output
type RouteMonitor struct {
	config  config.Config
	cache   *routecache.Cache
	metrics *metrics.Metrics
	out     io.Writer

	routes transport.Subscription
	links  transport.Subscription
	addrs  transport.Subscription
}

// New creates a new RouteMonitor instance and joins the notification
// groups. Already joined groups are rolled back when a later one fails.
func New(cfg config.Config, promMetrics *metrics.Metrics, kernel transport.Transport, out io.Writer) (*RouteMonitor, error) {
	monitor := &RouteMonitor{
		config:  cfg,
		cache:   routecache.New(cfg.CacheBuckets),
		metrics: promMetrics,
		out:     out,
	}

	var err error

	monitor.routes, err = kernel.Subscribe(transport.GroupRoute)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start route subscription: %w", err), monitor.Close())
	}

	monitor.links, err = kernel.Subscribe(transport.GroupLink)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start link subscription: %w", err), monitor.Close())
	}

	monitor.addrs, err = kernel.Subscribe(transport.GroupAddr)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start address subscription: %w", err), monitor.Close())
	}

	promMetrics.SubscribedGroups.Set(3)
	slog.Info("Subscribed to kernel notification groups", "transport", cfg.Transport, "family", cfg.Family)

	return monitor, nil
}

// Close stops the subscriptions in the reverse of the order they were
// started. Missing subscriptions are skipped so that a partially
// constructed monitor can be rolled back.
func (rm *RouteMonitor) Close() error {
	var errs []error

	for _, sub := range []transport.Subscription{rm.addrs, rm.links, rm.routes} {
		if sub == nil {
			continue
		}

		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s subscription: %w", sub.Group(), err))
		}
	}

	rm.metrics.SubscribedGroups.Set(0)

	return errors.Join(errs...)
}

// Run processes notifications until the context is canceled or a stream
// ends. A closed stream is fatal: the kernel does not replay missed
// notifications, so the cache would silently drift from the routing table.
func (rm *RouteMonitor) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "Observing routing table changes", "buckets", rm.cache.BucketCount())

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Route monitor stopped")
			return nil
		case ev, ok := <-rm.routes.Events():
			if !ok {
				return rm.streamEnded(rm.routes)
			}
			rm.handleEvent(ev)
		case ev, ok := <-rm.links.Events():
			if !ok {
				return rm.streamEnded(rm.links)
			}
			rm.handleEvent(ev)
		case ev, ok := <-rm.addrs.Events():
			if !ok {
				return rm.streamEnded(rm.addrs)
			}
			rm.handleEvent(ev)
		}
	}
}

func (rm *RouteMonitor) streamEnded(sub transport.Subscription) error {
	if err := sub.Err(); err != nil {
		return fmt.Errorf("%s notification stream failed: %w", sub.Group(), err)
	}

	return fmt.Errorf("%s notification stream closed", sub.Group())
}

// handleEvent applies one notification to the cache and writes its record.
func (rm *RouteMonitor) handleEvent(ev event.Event) {
	start := time.Now()

	switch ev.Type {
	case event.RouteAdded:
		rm.cache.Insert(cacheEntry(ev))
		rm.printRoute("added", ev)
	case event.RouteChanged:
		// A replaced route keeps its key, so this overwrites in place.
		rm.cache.Insert(cacheEntry(ev))
		rm.printRoute("changed", ev)
	case event.RouteDeleted:
		// The record reflects the notification, not the cached entry.
		rm.printRoute("deleted", ev)
		rm.cache.Remove(ev.Destination, ev.IfIndex)
	case event.LinkAdded:
		fmt.Fprintf(rm.out, "Link added, index: %d\n", ev.IfIndex)
	case event.LinkDeleted:
		fmt.Fprintf(rm.out, "Link deleted, index: %d\n", ev.IfIndex)
		rm.invalidateInterface(ev.IfIndex)
	case event.AddressDeleted:
		fmt.Fprintf(rm.out, "Address deleted: %s on interface %d\n", ev.Address, ev.IfIndex)
		rm.invalidateInterface(ev.IfIndex)
	}

	rm.metrics.EventsTotal.WithLabelValues(ev.Type.String()).Inc()
	rm.metrics.RouteCacheEntries.Set(float64(rm.cache.Len()))
	rm.metrics.EventDispatchDurationSeconds.Observe(time.Since(start).Seconds())

	slog.Debug("Processed notification", "type", ev.Type, "interface", ev.IfIndex)
}

// invalidateInterface reports every cached route that goes through the
// interface. The scan is report-only: an entry leaves the cache on a route
// delete notification, not here.
func (rm *RouteMonitor) invalidateInterface(ifIndex int) {
	matches := 0
	rm.cache.VisitByInterface(ifIndex, func(entry routecache.Entry) {
		fmt.Fprintf(rm.out, "Route invalidated: destination: %s oif: %d gateway: %s metric: %d\n",
			entry.Destination, entry.IfIndex, entry.Gateway, entry.Metric)
		rm.metrics.RouteInvalidationsTotal.Inc()
		matches++
	})

	slog.Debug("Invalidation scan complete", "interface", ifIndex, "matches", matches)
}

func (rm *RouteMonitor) printRoute(action string, ev event.Event) {
	fmt.Fprintf(rm.out, "Route %s: destination: %s oif: %d gateway: %s metric: %d\n",
		action, ev.Destination, ev.IfIndex, ev.Gateway, ev.Metric)
}

func cacheEntry(ev event.Event) routecache.Entry {
	return routecache.Entry{
		Destination: ev.Destination,
		IfIndex:     ev.IfIndex,
		Gateway:     ev.Gateway,
		Metric:      ev.Metric,
	}
}
