package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/event"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/metrics"
	"golang.org/x/sys/unix"
)

// rawConn matches the slice of the netlink connection that the transport
// uses, so that tests can feed crafted messages.
type rawConn interface {
	JoinGroup(group uint32) error
	Receive() ([]netlink.Message, error)
	SetDeadline(t time.Time) error
	Close() error
}

var _ rawConn = (*netlink.Conn)(nil)

// RawTransport joins rtnetlink multicast groups on a plain netlink socket
// and decodes the messages itself. It exists as a fallback for the typed
// transport and processes the exact bytes the kernel sent.
type RawTransport struct {
	family  Family
	metrics *metrics.Metrics
	dial    func() (rawConn, error)
}

var _ Transport = (*RawTransport)(nil)

func NewRawTransport(family Family, promMetrics *metrics.Metrics) *RawTransport {
	return &RawTransport{
		family:  family,
		metrics: promMetrics,
		dial: func() (rawConn, error) {
			return netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{})
		},
	}
}

func (t *RawTransport) Subscribe(group Group) (Subscription, error) {
	ids := groupIDs(group, t.family)
	if len(ids) == 0 {
		return nil, fmt.Errorf("unsupported subscription group %q", group)
	}

	conn, err := t.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink socket: %w", err)
	}

	for _, id := range ids {
		if err := conn.JoinGroup(id); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to join multicast group %d: %w", id, err), conn.Close())
		}
	}

	sub := &rawSubscription{
		group:   group,
		family:  t.family,
		metrics: t.metrics,
		conn:    conn,
		events:  make(chan event.Event, eventBuffer),
		done:    make(chan struct{}),
	}

	go sub.receiveLoop()

	return sub, nil
}

// groupIDs maps a subscription group and address family to rtnetlink
// multicast group identifiers.
func groupIDs(group Group, family Family) []uint32 {
	switch group {
	case GroupRoute:
		if family == FamilyIPv4 {
			return []uint32{unix.RTNLGRP_IPV4_ROUTE}
		}

		return []uint32{unix.RTNLGRP_IPV4_ROUTE, unix.RTNLGRP_IPV6_ROUTE}
	case GroupLink:
		return []uint32{unix.RTNLGRP_LINK}
	case GroupAddr:
		if family == FamilyIPv4 {
			return []uint32{unix.RTNLGRP_IPV4_IFADDR}
		}

		return []uint32{unix.RTNLGRP_IPV4_IFADDR, unix.RTNLGRP_IPV6_IFADDR}
	default:
		return nil
	}
}

type rawSubscription struct {
	group   Group
	family  Family
	metrics *metrics.Metrics
	conn    rawConn
	events  chan event.Event
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

var _ Subscription = (*rawSubscription)(nil)

func (s *rawSubscription) Group() Group {
	return s.group
}

func (s *rawSubscription) Events() <-chan event.Event {
	return s.events
}

func (s *rawSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	return s.err
}

func (s *rawSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	// Abort any Receive in flight so the loop can exit.
	_ = s.conn.SetDeadline(time.Unix(0, 0))

	return s.conn.Close()
}

// receiveLoop reads message batches until the socket fails or the
// subscription is closed. A message that cannot be decoded is dropped and
// the stream stays alive.
func (s *rawSubscription) receiveLoop() {
	defer close(s.events)

	for {
		msgs, err := s.conn.Receive()
		if err != nil {
			s.receiveFailure(err)
			return
		}

		for _, msg := range msgs {
			ev, ok := s.decode(msg)
			if !ok {
				continue
			}

			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// receiveFailure records the error that ended the stream. Failures after a
// deliberate Close are the expected socket teardown and are dropped.
func (s *rawSubscription) receiveFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.err = err
	s.metrics.DecodeErrorsTotal.WithLabelValues(s.group.String()).Inc()
	slog.Warn("Notification stream error", "group", s.group, "error", err)
}

func (s *rawSubscription) decodeFailure(err error) {
	s.metrics.DecodeErrorsTotal.WithLabelValues(s.group.String()).Inc()
	slog.Warn("Failed to decode notification", "group", s.group, "error", err)
}

func (s *rawSubscription) decode(msg netlink.Message) (event.Event, bool) {
	switch msg.Header.Type {
	case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
		return s.decodeRoute(msg)
	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		return s.decodeLink(msg)
	case unix.RTM_NEWADDR, unix.RTM_DELADDR:
		return s.decodeAddr(msg)
	default:
		return event.Event{}, false
	}
}

func (s *rawSubscription) decodeRoute(msg netlink.Message) (event.Event, bool) {
	var rmsg rtnetlink.RouteMessage
	if err := rmsg.UnmarshalBinary(msg.Data); err != nil {
		s.decodeFailure(err)
		return event.Event{}, false
	}

	if s.family == FamilyIPv4 && rmsg.Family != unix.AF_INET {
		return event.Event{}, false
	}

	ifIndex := int(rmsg.Attributes.OutIface)
	gateway := rmsg.Attributes.Gateway

	// Multipath routes carry their nexthops in a nested attribute. Report
	// the first hop, matching the kernel's view of the primary path.
	if len(rmsg.Attributes.Multipath) > 0 {
		ifIndex = int(rmsg.Attributes.Multipath[0].Hop.IfIndex)
		gateway = rmsg.Attributes.Multipath[0].Gateway
	}

	if ifIndex == 0 {
		ifIndex = event.NoInterface
	}

	eventType := event.RouteAdded
	switch {
	case msg.Header.Type == unix.RTM_DELROUTE:
		eventType = event.RouteDeleted
	case msg.Header.Flags&unix.NLM_F_REPLACE != 0:
		eventType = event.RouteChanged
	}

	return event.Event{
		Type:        eventType,
		Destination: prefixDestination(rmsg.Attributes.Dst, int(rmsg.DstLength)),
		Gateway:     gatewayString(gateway),
		Metric:      int(rmsg.Attributes.Priority),
		IfIndex:     ifIndex,
	}, true
}

func (s *rawSubscription) decodeLink(msg netlink.Message) (event.Event, bool) {
	var lmsg rtnetlink.LinkMessage
	if err := lmsg.UnmarshalBinary(msg.Data); err != nil {
		s.decodeFailure(err)
		return event.Event{}, false
	}

	eventType := event.LinkAdded
	if msg.Header.Type == unix.RTM_DELLINK {
		eventType = event.LinkDeleted
	}

	return event.Event{
		Type:    eventType,
		IfIndex: int(lmsg.Index),
	}, true
}

func (s *rawSubscription) decodeAddr(msg netlink.Message) (event.Event, bool) {
	// Address assignment is not reported, only removal.
	if msg.Header.Type != unix.RTM_DELADDR {
		return event.Event{}, false
	}

	var amsg rtnetlink.AddressMessage
	if err := amsg.UnmarshalBinary(msg.Data); err != nil {
		s.decodeFailure(err)
		return event.Event{}, false
	}

	if s.family == FamilyIPv4 && amsg.Family != unix.AF_INET {
		return event.Event{}, false
	}

	// Nothing to report without an address.
	if amsg.Attributes == nil {
		return event.Event{}, false
	}

	// Point-to-point links carry the interface address in IFA_LOCAL with
	// the peer in IFA_ADDRESS, everything else sets IFA_ADDRESS.
	address := amsg.Attributes.Local
	if len(address) == 0 {
		address = amsg.Attributes.Address
	}

	if len(address) == 0 {
		return event.Event{}, false
	}

	return event.Event{
		Type:    event.AddressDeleted,
		Address: address.String(),
		IfIndex: int(amsg.Index),
	}, true
}
