package muc

import (
	"sort"
	"strings"

	"github.com/meszmate/roster/internal/engine"
	"github.com/meszmate/roster/internal/ui/theme"
	"github.com/meszmate/roster/internal/xmpp/address"
	xmuc "github.com/meszmate/roster/internal/xmpp/muc"
)

// Model represents the MUC component
type Model struct {
	rooms      map[string]engine.RoomView
	order      []string
	activeRoom string
	width      int
	height     int
	styles     *theme.Styles
}

// New creates a new MUC model
func New(styles *theme.Styles) Model {
	return Model{
		rooms:  make(map[string]engine.RoomView),
		styles: styles,
	}
}

// SetRoom stores the latest snapshot of a room. The first room becomes active.
func (m Model) SetRoom(view engine.RoomView) Model {
	key := view.Address.Key()
	if _, ok := m.rooms[key]; !ok {
		m.order = append(m.order, key)
	}
	m.rooms[key] = view
	if m.activeRoom == "" {
		m.activeRoom = key
	}
	return m
}

// RemoveRoom forgets a room that is no longer tracked
func (m Model) RemoveRoom(room address.Address) Model {
	key := address.Bare(room).Key()
	delete(m.rooms, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeRoom == key {
		m.activeRoom = ""
		if len(m.order) > 0 {
			m.activeRoom = m.order[0]
		}
	}
	return m
}

// NextRoom makes the following room active
func (m Model) NextRoom() Model {
	for i, k := range m.order {
		if k == m.activeRoom {
			m.activeRoom = m.order[(i+1)%len(m.order)]
			break
		}
	}
	return m
}

// ActiveRoom returns the active room
func (m Model) ActiveRoom() (engine.RoomView, bool) {
	v, ok := m.rooms[m.activeRoom]
	return v, ok
}

// SetSize sets the component size
func (m Model) SetSize(width, height int) Model {
	m.width = width
	m.height = height
	return m
}

// ParticipantsView renders the participant list of the active room
func (m Model) ParticipantsView() string {
	room, ok := m.ActiveRoom()
	if !ok || m.width == 0 {
		return ""
	}

	var b strings.Builder
	title := room.Address.String()
	if !room.Joined {
		title += " (joining)"
	}
	b.WriteString(m.styles.RosterHeader.Width(m.width).Render(title))
	b.WriteString("\n")
	if room.Subject != "" {
		b.WriteString(m.styles.System.Render(" " + room.Subject))
		b.WriteString("\n")
	}

	groups := []struct {
		title string
		role  xmuc.Role
	}{
		{"Moderators", xmuc.RoleModerator},
		{"Participants", xmuc.RoleParticipant},
		{"Visitors", xmuc.RoleVisitor},
	}
	for _, g := range groups {
		var members []xmuc.Occupant
		for _, o := range room.Occupants {
			if o.Role == g.role {
				members = append(members, o)
			}
		}
		if len(members) == 0 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return strings.ToLower(members[i].Nickname) < strings.ToLower(members[j].Nickname)
		})
		b.WriteString(m.styles.RosterGroup.Render(g.title))
		b.WriteString("\n")
		for _, o := range members {
			b.WriteString(m.renderParticipant(o, o.Nickname == room.OwnNickname))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderParticipant renders a single participant
func (m Model) renderParticipant(o xmuc.Occupant, self bool) string {
	var indicator string
	switch o.Show {
	case "":
		indicator = m.styles.PresenceOnline.Render("●")
	case "away":
		indicator = m.styles.PresenceAway.Render("◐")
	case "dnd":
		indicator = m.styles.PresenceDND.Render("⊘")
	case "xa":
		indicator = m.styles.PresenceXA.Render("◯")
	default:
		indicator = m.styles.PresenceOnline.Render("●")
	}

	badge := ""
	switch o.Affiliation {
	case xmuc.AffiliationOwner:
		badge = "&"
	case xmuc.AffiliationAdmin:
		badge = "@"
	case xmuc.AffiliationMember:
		badge = "+"
	}

	nick := o.Nickname
	if limit := m.width - 5; len(nick) > limit && limit > 1 {
		nick = nick[:limit-1] + "…"
	}
	if self {
		nick += " (you)"
	}
	return " " + indicator + badge + nick
}
