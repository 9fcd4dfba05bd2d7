package muc

import (
	"fmt"
	"strconv"

	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

// Affiliation represents a MUC affiliation
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Role represents a MUC role
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// StatusCode is a server-driven cause attached to an occupant presence.
type StatusCode int

const (
	StatusUnknown            StatusCode = 0
	StatusNonAnonymous       StatusCode = 100
	StatusSelf               StatusCode = 110
	StatusRoomCreated        StatusCode = 201
	StatusNickAssigned       StatusCode = 210
	StatusBanned             StatusCode = 301
	StatusNickChanged        StatusCode = 303
	StatusKicked             StatusCode = 307
	StatusAffiliationRemoved StatusCode = 321
	StatusMembersOnly        StatusCode = 322
	StatusShutdown           StatusCode = 332
)

// ParseStatusCode maps the code attribute of a <status/> element. Codes this
// engine does not act on map to StatusUnknown.
func ParseStatusCode(s string) StatusCode {
	n, err := strconv.Atoi(s)
	if err != nil {
		return StatusUnknown
	}
	switch c := StatusCode(n); c {
	case StatusNonAnonymous, StatusSelf, StatusRoomCreated, StatusNickAssigned,
		StatusBanned, StatusNickChanged, StatusKicked, StatusAffiliationRemoved,
		StatusMembersOnly, StatusShutdown:
		return c
	default:
		return StatusUnknown
	}
}

// RemovalKind is why an occupant was removed by the service.
type RemovalKind int

const (
	RemovedKicked RemovalKind = iota + 1
	RemovedBanned
	RemovedAffiliationChange
	RemovedMembersOnly
	RemovedShutdown
)

func (k RemovalKind) String() string {
	switch k {
	case RemovedKicked:
		return "kicked"
	case RemovedBanned:
		return "banned"
	case RemovedAffiliationChange:
		return "affiliation-change"
	case RemovedMembersOnly:
		return "members-only"
	case RemovedShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("removal(%d)", int(k))
	}
}

func removalFor(codes []StatusCode) (RemovalKind, bool) {
	for _, c := range codes {
		switch c {
		case StatusKicked:
			return RemovedKicked, true
		case StatusBanned:
			return RemovedBanned, true
		case StatusAffiliationRemoved:
			return RemovedAffiliationChange, true
		case StatusMembersOnly:
			return RemovedMembersOnly, true
		case StatusShutdown:
			return RemovedShutdown, true
		}
	}
	return 0, false
}

func hasCode(codes []StatusCode, want StatusCode) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

// ErrorCondition is the stanza error carried by an error presence from a
// room.
type ErrorCondition string

const (
	ErrorNone          ErrorCondition = ""
	ErrorConflict      ErrorCondition = "conflict"
	ErrorNotAuthorized ErrorCondition = "not-authorized"
	ErrorForbidden     ErrorCondition = "forbidden"
	ErrorNotAllowed    ErrorCondition = "not-allowed"
)

// Occupant represents a room occupant
type Occupant struct {
	// ID is stable for the lifetime of the occupant across nickname changes.
	ID          string
	Nickname    string
	RealAddress address.Address // zero unless the room is non-anonymous
	Role        Role
	Affiliation Affiliation
	Show        string
	Status      string
}

// Kind is the type of an occupant presence event.
type Kind int

const (
	Available Kind = iota
	Unavailable
	Error
)

// OccupantPresence is an already-parsed presence from room@service/nick.
type OccupantPresence struct {
	Kind        Kind
	Role        Role
	Affiliation Affiliation
	StatusCodes []StatusCode
	Reason      string
	Actor       string
	RealAddress address.Address
	NewNickname string
	Show        string
	Status      string
	Error       ErrorCondition
}

// JoinRequest is the presence the transport sends to enter a room.
type JoinRequest struct {
	// Occupant is room@service/nick.
	Occupant          address.Address
	Password          string
	HistoryMaxStanzas int
	HistorySeconds    int
}

// Presence builds the join stanza carrying own presence.
func (j JoinRequest) Presence(own presence.Own) presence.Outbound {
	out := own.Broadcast()
	out.To = j.Occupant
	out.Join = &presence.Join{
		Password:   j.Password,
		MaxStanzas: j.HistoryMaxStanzas,
		Seconds:    j.HistorySeconds,
	}
	return out
}

// LeavePresence is the unavailable presence that exits a room.
func LeavePresence(occupant address.Address) presence.Outbound {
	return presence.Outbound{To: occupant, Kind: presence.KindUnavailable}
}
