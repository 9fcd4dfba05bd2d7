package presence

import "github.com/meszmate/roster/internal/xmpp/address"

// Outbound is a presence stanza for the transport to send.
type Outbound struct {
	// To is zero for a broadcast presence.
	To       address.Address
	Kind     Kind
	Show     Show
	Status   string
	Priority int32

	// Join is set when the presence enters a room.
	Join *Join
}

// Join carries the room join extension.
type Join struct {
	Password   string
	MaxStanzas int
	Seconds    int
}

// Broadcast is the own-presence announcement.
func (o Own) Broadcast() Outbound {
	return Outbound{Kind: KindAvailable, Show: o.Show, Status: o.Status, Priority: o.Priority}
}

// Offline is the unavailable presence sent on deliberate disconnect.
func Offline() Outbound {
	return Outbound{Kind: KindUnavailable}
}

// Directed answers or requests a subscription.
func Directed(to address.Address, kind Kind) Outbound {
	return Outbound{To: to, Kind: kind}
}
