// Package transport delivers decoded kernel network notifications. Two
// implementations exist: NetlinkTransport builds on the netlink library's
// change subscriptions, while RawTransport joins the rtnetlink multicast
// groups directly and decodes messages itself. Both produce the same event
// stream, so the rest of the observer never depends on which one is in use.
package transport

import (
	"net"

	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/event"
	"github.com/solidDoWant/infra-mk3/tooling/route-observer/pkg/iputil"
)

// eventBuffer sizes each subscription's delivery channel so short bursts of
// kernel notifications do not block the socket readers.
const eventBuffer = 64

// Group names a kernel multicast group the observer can subscribe to.
type Group int

const (
	// GroupRoute delivers routing table changes.
	GroupRoute Group = iota
	// GroupLink delivers link creation and removal.
	GroupLink
	// GroupAddr delivers address assignment changes.
	GroupAddr
)

// String returns a stable name, suitable as a metric label.
func (g Group) String() string {
	switch g {
	case GroupRoute:
		return "route"
	case GroupLink:
		return "link"
	case GroupAddr:
		return "address"
	default:
		return "unknown"
	}
}

// Family restricts which address families a transport delivers.
type Family int

const (
	// FamilyIPv4 delivers IPv4 route and address events only. Link events
	// carry no address family and are always delivered.
	FamilyIPv4 Family = iota
	// FamilyAll delivers events for every address family.
	FamilyAll
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyAll:
		return "all"
	default:
		return "unknown"
	}
}

// Transport provides subscriptions to kernel notification groups.
type Transport interface {
	// Subscribe joins the group and starts delivering its decoded events.
	// It fails only at subscription time; later stream failures surface
	// through the returned Subscription.
	Subscribe(group Group) (Subscription, error)
}

// Subscription is one joined group's decoded event stream.
type Subscription interface {
	// Group returns the subscribed group.
	Group() Group

	// Events returns the stream. The channel is closed when the stream
	// ends, either deliberately via Close or because the transport failed.
	Events() <-chan event.Event

	// Err returns the failure that ended the stream, or nil if the stream
	// was closed deliberately. Only meaningful once Events is closed.
	Err() error

	// Close stops the stream and releases the underlying socket. It is
	// idempotent and safe to call while a receive is in flight.
	Close() error
}

// destinationString renders a route destination, or the unknown sentinel
// when the notification carried none (default routes).
func destinationString(dst *net.IPNet) string {
	if dst == nil {
		return event.UnknownDestination
	}

	return dst.String()
}

// prefixDestination is destinationString for transports that decode the
// destination address and prefix length separately.
func prefixDestination(ip net.IP, prefixLength int) string {
	if len(ip) == 0 {
		return event.UnknownDestination
	}

	return iputil.PrefixString(ip, prefixLength)
}

// gatewayString renders a nexthop gateway, or the none sentinel for
// directly connected routes.
func gatewayString(gw net.IP) string {
	if len(gw) == 0 {
		return event.NoGateway
	}

	return gw.String()
}
