package igmp

import (
	"log/slog"
	"net/netip"
)

// EventType distinguishes a group join from a group leave.
type EventType int

const (
	EventJoin EventType = iota
	EventLeave
)

func (t EventType) String() string {
	if t == EventJoin {
		return "join"
	}
	return "leave"
}

// Event is a debounced membership change for one multicast group.
type Event struct {
	Type  EventType
	Group netip.Addr
}

// Config configures a Listener.
type Config struct {
	// StreamInterface is the NIC to listen for IGMPv3 reports on and
	// bind the raw socket to.
	StreamInterface string
	Logger          *slog.Logger
}
