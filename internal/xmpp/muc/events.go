package muc

import (
	"fmt"

	"github.com/meszmate/roster/internal/xmpp/address"
)

// EventKind is the type of a room notification.
type EventKind int

const (
	// EventJoined: another occupant entered the room.
	EventJoined EventKind = iota + 1
	// EventLeft: an occupant left of their own accord.
	EventLeft
	// EventRemoved: an occupant was kicked, banned or otherwise removed.
	EventRemoved
	// EventRenamed: an occupant changed nickname.
	EventRenamed
	// EventRoleChanged: role or affiliation of an occupant changed.
	EventRoleChanged
	// EventRoomJoined: our own presence echo arrived; sending is enabled.
	EventRoomJoined
	// EventRoomLeft: we are no longer in the room; sending is disabled.
	EventRoomLeft
	// EventPasswordRequired: the room rejected the join for lack of a
	// password.
	EventPasswordRequired
	// EventJoinRetry: our nickname was taken and a new join must be sent.
	EventJoinRetry
	// EventJoinFailed: the room refused the join for another reason.
	EventJoinFailed
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventRemoved:
		return "removed"
	case EventRenamed:
		return "renamed"
	case EventRoleChanged:
		return "role-changed"
	case EventRoomJoined:
		return "room-joined"
	case EventRoomLeft:
		return "room-left"
	case EventPasswordRequired:
		return "password-required"
	case EventJoinRetry:
		return "join-retry"
	case EventJoinFailed:
		return "join-failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a room occupant notification for the view layer.
type Event struct {
	Room        address.Address
	Kind        EventKind
	Nickname    string
	NewNickname string
	Removal     RemovalKind
	Reason      string
	Actor       string
	Occupant    Occupant
	Join        JoinRequest
	Error       ErrorCondition
}

// suppressible reports whether the event is muted during the initial join
// window. Room-level state changes always go through.
func (k EventKind) suppressible() bool {
	switch k {
	case EventJoined, EventLeft, EventRemoved, EventRenamed, EventRoleChanged:
		return true
	}
	return false
}

// EventHandler receives room notifications.
type EventHandler func(Event)
