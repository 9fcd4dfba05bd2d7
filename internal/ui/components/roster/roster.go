package roster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meszmate/roster/internal/ui/theme"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/presence"
	xroster "github.com/meszmate/roster/internal/xmpp/roster"
)

// Contact represents a roster contact
type Contact struct {
	Address  address.Address
	Name     string
	Groups   []string
	Presence presence.Effective
}

// Model represents the roster component
type Model struct {
	contacts []Contact
	selected int
	offset   int
	width    int
	height   int
	cached   bool
	styles   *theme.Styles
}

// New creates a new roster model
func New(styles *theme.Styles) Model {
	return Model{styles: styles}
}

// SetEntries replaces the contact list. Known presence is carried over.
func (m Model) SetEntries(entries []xroster.Entry, cached bool) Model {
	known := make(map[string]presence.Effective, len(m.contacts))
	for _, c := range m.contacts {
		known[c.Address.Key()] = c.Presence
	}

	contacts := make([]Contact, 0, len(entries))
	for _, e := range entries {
		eff, ok := known[e.Address.Key()]
		if !ok {
			eff = presence.Unavailable(e.Address)
		}
		contacts = append(contacts, Contact{
			Address:  e.Address,
			Name:     e.Name(),
			Groups:   e.GroupList(),
			Presence: eff,
		})
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		return strings.ToLower(contacts[i].Name) < strings.ToLower(contacts[j].Name)
	})

	m.contacts = contacts
	m.cached = cached
	if m.selected >= len(contacts) {
		m.selected = max(len(contacts)-1, 0)
	}
	return m
}

// ApplyItem updates one contact from a roster push. A removal drops it.
func (m Model) ApplyItem(e xroster.Entry) Model {
	contacts := make([]Contact, 0, len(m.contacts)+1)
	eff := presence.Unavailable(e.Address)
	for _, c := range m.contacts {
		if c.Address.Key() == e.Address.Key() {
			eff = c.Presence
			continue
		}
		contacts = append(contacts, c)
	}
	if e.Subscription != xroster.SubscriptionRemove {
		contacts = append(contacts, Contact{
			Address:  e.Address,
			Name:     e.Name(),
			Groups:   e.GroupList(),
			Presence: eff,
		})
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		return strings.ToLower(contacts[i].Name) < strings.ToLower(contacts[j].Name)
	})

	m.contacts = contacts
	if m.selected >= len(contacts) {
		m.selected = max(len(contacts)-1, 0)
	}
	return m
}

// UpdatePresence updates a contact's effective presence
func (m Model) UpdatePresence(bare address.Address, eff presence.Effective) Model {
	key := address.Bare(bare).Key()
	for i, c := range m.contacts {
		if c.Address.Key() == key {
			m.contacts[i].Presence = eff
			break
		}
	}
	return m
}

// Contacts returns the displayed contacts
func (m Model) Contacts() []Contact {
	return m.contacts
}

// SetSize sets the component size
func (m Model) SetSize(width, height int) Model {
	m.width = width
	m.height = height
	return m
}

// MoveUp moves the selection up
func (m Model) MoveUp() Model {
	if m.selected > 0 {
		m.selected--
		if m.selected < m.offset {
			m.offset = m.selected
		}
	}
	return m
}

// MoveDown moves the selection down
func (m Model) MoveDown() Model {
	if m.selected < len(m.contacts)-1 {
		m.selected++
		if visible := m.visibleHeight(); m.selected >= m.offset+visible {
			m.offset = m.selected - visible + 1
		}
	}
	return m
}

// Selected returns the selected contact
func (m Model) Selected() (Contact, bool) {
	if m.selected < 0 || m.selected >= len(m.contacts) {
		return Contact{}, false
	}
	return m.contacts[m.selected], true
}

func (m Model) visibleHeight() int {
	return max(m.height-1, 1)
}

// View renders the roster
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := "Roster"
	if m.cached {
		title += " (cached)"
	}
	b.WriteString(m.styles.RosterHeader.Width(m.width).Render(title))
	b.WriteString("\n")

	if len(m.contacts) == 0 {
		b.WriteString(m.styles.System.Render(" No contacts"))
		b.WriteString("\n")
		return b.String()
	}

	visible := m.visibleHeight()
	for i := m.offset; i < len(m.contacts) && i < m.offset+visible; i++ {
		b.WriteString(m.renderContact(m.contacts[i], i == m.selected))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderContact(c Contact, selected bool) string {
	var indicator string
	switch {
	case !c.Presence.Available():
		indicator = "○"
	case c.Presence.Record.Show == presence.ShowAway:
		indicator = "◐"
	case c.Presence.Record.Show == presence.ShowDND:
		indicator = "⊘"
	case c.Presence.Record.Show == presence.ShowXA:
		indicator = "◯"
	default:
		indicator = "●"
	}
	dot := m.styles.Presence(c.Presence).Render(indicator)

	name := c.Name
	if maxWidth := m.width - 6; len(name) > maxWidth && maxWidth > 1 {
		name = name[:maxWidth-1] + "…"
	}

	cursor := " "
	if selected {
		cursor = ">"
	}
	line := fmt.Sprintf("%s%s %s", cursor, dot, m.styles.RosterContact.Render(name))
	if c.Presence.Available() && c.Presence.Record.Status != "" {
		line += m.styles.System.Render(" " + c.Presence.Record.Status)
	}
	return line
}
