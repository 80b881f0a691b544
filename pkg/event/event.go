// Package event defines the decoded notification variants that transports
// deliver to the dispatcher.
package event

// Sentinel values applied by transports when a notification does not carry
// a field.
const (
	// UnknownDestination is reported when a route notification carries no
	// destination prefix (default routes).
	UnknownDestination = "unknown"
	// NoGateway is reported for directly connected routes without a
	// nexthop gateway.
	NoGateway = "none"
	// NoInterface is reported when a route carries no nexthop device.
	NoInterface = -1
)

// Type identifies the kind of kernel notification an Event was decoded from.
type Type int

const (
	RouteAdded Type = iota
	RouteDeleted
	RouteChanged
	LinkAdded
	LinkDeleted
	AddressDeleted
)

// String returns a stable snake_case name, suitable as a metric label.
func (t Type) String() string {
	switch t {
	case RouteAdded:
		return "route_added"
	case RouteDeleted:
		return "route_deleted"
	case RouteChanged:
		return "route_changed"
	case LinkAdded:
		return "link_added"
	case LinkDeleted:
		return "link_deleted"
	case AddressDeleted:
		return "address_deleted"
	default:
		return "unknown"
	}
}

// Event is a single decoded kernel notification. Type selects the variant;
// the remaining fields are populated per variant.
type Event struct {
	Type Type

	// Destination, Gateway and Metric are set for route events.
	Destination string
	Gateway     string
	Metric      int

	// IfIndex is the affected interface: the route's first-nexthop device
	// for route events, the link itself for link events, and the owning
	// interface for address events.
	IfIndex int

	// Address is the deleted address, set for AddressDeleted events.
	Address string
}
