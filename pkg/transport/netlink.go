package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/event"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/iputil"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/metrics"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

func init() {
	// Enable better error reporting for netlink errors
	nl.EnableErrorMessageReporting = true
}

// netlinkSubscriber matches the netlink library's subscription entrypoints
// so that tests can inject notifications without a socket.
type netlinkSubscriber interface {
	RouteSubscribeWithOptions(ch chan<- netlink.RouteUpdate, done <-chan struct{}, options netlink.RouteSubscribeOptions) error
	LinkSubscribeWithOptions(ch chan<- netlink.LinkUpdate, done <-chan struct{}, options netlink.LinkSubscribeOptions) error
	AddrSubscribeWithOptions(ch chan<- netlink.AddrUpdate, done <-chan struct{}, options netlink.AddrSubscribeOptions) error
}

type libSubscriber struct{}

var _ netlinkSubscriber = (*libSubscriber)(nil)

func (h *libSubscriber) RouteSubscribeWithOptions(ch chan<- netlink.RouteUpdate, done <-chan struct{}, options netlink.RouteSubscribeOptions) error {
	return netlink.RouteSubscribeWithOptions(ch, done, options)
}

func (h *libSubscriber) LinkSubscribeWithOptions(ch chan<- netlink.LinkUpdate, done <-chan struct{}, options netlink.LinkSubscribeOptions) error {
	return netlink.LinkSubscribeWithOptions(ch, done, options)
}

func (h *libSubscriber) AddrSubscribeWithOptions(ch chan<- netlink.AddrUpdate, done <-chan struct{}, options netlink.AddrSubscribeOptions) error {
	return netlink.AddrSubscribeWithOptions(ch, done, options)
}

// NetlinkTransport subscribes through the netlink library's typed change
// feeds. This is the default transport.
type NetlinkTransport struct {
	family     Family
	metrics    *metrics.Metrics
	subscriber netlinkSubscriber
}

var _ Transport = (*NetlinkTransport)(nil)

func NewNetlinkTransport(family Family, promMetrics *metrics.Metrics) *NetlinkTransport {
	return &NetlinkTransport{
		family:     family,
		metrics:    promMetrics,
		subscriber: &libSubscriber{},
	}
}

func (t *NetlinkTransport) Subscribe(group Group) (Subscription, error) {
	sub := newNetlinkSubscription(group, t.metrics)

	var err error
	switch group {
	case GroupRoute:
		updates := make(chan netlink.RouteUpdate, eventBuffer)
		err = t.subscriber.RouteSubscribeWithOptions(updates, sub.done, netlink.RouteSubscribeOptions{
			ErrorCallback: sub.recordError,
		})
		if err == nil {
			go sub.forwardRoutes(updates, t.family)
		}
	case GroupLink:
		updates := make(chan netlink.LinkUpdate, eventBuffer)
		err = t.subscriber.LinkSubscribeWithOptions(updates, sub.done, netlink.LinkSubscribeOptions{
			ErrorCallback: sub.recordError,
		})
		if err == nil {
			go sub.forwardLinks(updates)
		}
	case GroupAddr:
		updates := make(chan netlink.AddrUpdate, eventBuffer)
		err = t.subscriber.AddrSubscribeWithOptions(updates, sub.done, netlink.AddrSubscribeOptions{
			ErrorCallback: sub.recordError,
		})
		if err == nil {
			go sub.forwardAddrs(updates, t.family)
		}
	default:
		return nil, fmt.Errorf("unsupported subscription group %q", group)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s notifications: %w", group, err)
	}

	return sub, nil
}

// netlinkSubscription adapts one of the library's update channels to the
// Subscription interface. The library closes its update channel when the
// underlying socket fails or is closed, which ends the forwarder and with
// it the event stream.
type netlinkSubscription struct {
	group   Group
	metrics *metrics.Metrics
	events  chan event.Event
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

var _ Subscription = (*netlinkSubscription)(nil)

func newNetlinkSubscription(group Group, promMetrics *metrics.Metrics) *netlinkSubscription {
	return &netlinkSubscription{
		group:   group,
		metrics: promMetrics,
		events:  make(chan event.Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

func (s *netlinkSubscription) Group() Group {
	return s.group
}

func (s *netlinkSubscription) Events() <-chan event.Event {
	return s.events
}

func (s *netlinkSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	return s.err
}

func (s *netlinkSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)

	return nil
}

// recordError receives failures from the library. It fires for individual
// notifications that could not be decoded while the stream continues, and
// for the receive failure that precedes the update channel closing. The
// last error wins. Errors reported after a deliberate Close are the
// expected socket teardown and are dropped.
func (s *netlinkSubscription) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.err = err
	s.metrics.DecodeErrorsTotal.WithLabelValues(s.group.String()).Inc()
	slog.Warn("Notification stream error", "group", s.group, "error", err)
}

// deliver hands one event to the consumer. It reports false when the
// subscription was closed before the consumer took the event.
func (s *netlinkSubscription) deliver(ev event.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *netlinkSubscription) forwardRoutes(updates <-chan netlink.RouteUpdate, family Family) {
	defer close(s.events)

	for update := range updates {
		if family == FamilyIPv4 && update.Route.Family != netlink.FAMILY_V4 {
			continue
		}

		if !s.deliver(translateRoute(update)) {
			break
		}
	}

	// Drain so the library's sender never blocks while it shuts down.
	for range updates {
	}
}

func (s *netlinkSubscription) forwardLinks(updates <-chan netlink.LinkUpdate) {
	defer close(s.events)

	for update := range updates {
		eventType := event.LinkAdded
		if update.Header.Type == unix.RTM_DELLINK {
			eventType = event.LinkDeleted
		}

		if !s.deliver(event.Event{
			Type:    eventType,
			IfIndex: update.Link.Attrs().Index,
		}) {
			break
		}
	}

	for range updates {
	}
}

func (s *netlinkSubscription) forwardAddrs(updates <-chan netlink.AddrUpdate, family Family) {
	defer close(s.events)

	for update := range updates {
		// Address assignment is not reported, only removal.
		if update.NewAddr {
			continue
		}

		if family == FamilyIPv4 && !iputil.IsIPv4(update.LinkAddress.IP) {
			continue
		}

		if !s.deliver(event.Event{
			Type:    event.AddressDeleted,
			Address: update.LinkAddress.IP.String(),
			IfIndex: update.LinkIndex,
		}) {
			break
		}
	}

	for range updates {
	}
}

// translateRoute maps one route notification onto the event model. A route
// replacement carries the same message type as an addition and is told
// apart by the request flags echoed in the notification header.
func translateRoute(update netlink.RouteUpdate) event.Event {
	ifIndex := update.Route.LinkIndex
	gateway := update.Route.Gw

	// Multipath routes carry their nexthops in a nested attribute. Report
	// the first hop, matching the kernel's view of the primary path.
	if len(update.Route.MultiPath) > 0 {
		ifIndex = update.Route.MultiPath[0].LinkIndex
		gateway = update.Route.MultiPath[0].Gw
	}

	if ifIndex == 0 {
		ifIndex = event.NoInterface
	}

	eventType := event.RouteAdded
	switch {
	case update.Type == unix.RTM_DELROUTE:
		eventType = event.RouteDeleted
	case update.NlFlags&unix.NLM_F_REPLACE != 0:
		eventType = event.RouteChanged
	}

	return event.Event{
		Type:        eventType,
		Destination: destinationString(update.Route.Dst),
		Gateway:     gatewayString(gateway),
		Metric:      update.Route.Priority,
		IfIndex:     ifIndex,
	}
}
