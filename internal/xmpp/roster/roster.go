package roster

import (
	"slices"
	"sort"

	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// ParseSubscription maps the subscription attribute; unknown values are
// treated as none.
func ParseSubscription(s string) Subscription {
	switch Subscription(s) {
	case SubscriptionTo, SubscriptionFrom, SubscriptionBoth, SubscriptionRemove:
		return Subscription(s)
	default:
		return SubscriptionNone
	}
}

// Entry represents a roster item
type Entry struct {
	Address      address.Address
	DisplayName  string
	Subscription Subscription
	Groups       map[string]struct{}
}

// NewEntry builds an entry with its groups as a set.
func NewEntry(a address.Address, name string, sub Subscription, groups ...string) Entry {
	e := Entry{
		Address:      address.Bare(a),
		DisplayName:  name,
		Subscription: sub,
		Groups:       make(map[string]struct{}, len(groups)),
	}
	for _, g := range groups {
		e.Groups[g] = struct{}{}
	}
	return e
}

// GroupList returns the groups sorted by name.
func (e Entry) GroupList() []string {
	out := make([]string, 0, len(e.Groups))
	for g := range e.Groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Name returns the display name, falling back to the address.
func (e Entry) Name() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Address.String()
}

// Request is an inbound subscription handshake waiting for the user.
type Request struct {
	From   address.Address
	Status string
}

// AuthorizationHandler is notified of inbound subscription requests and of
// subscription outcomes from contacts.
type AuthorizationHandler func(from address.Address, kind presence.Kind, status string)

// Manager manages the roster. Roster membership is independent of presence
// liveness. It is not safe for concurrent use.
type Manager struct {
	items   map[string]*Entry
	pending map[string]Request
	onAuth  AuthorizationHandler
}

// NewManager creates a new roster manager
func NewManager() *Manager {
	return &Manager{
		items:   make(map[string]*Entry),
		pending: make(map[string]Request),
	}
}

// SetAuthorizationHandler sets the subscription handshake handler
func (m *Manager) SetAuthorizationHandler(h AuthorizationHandler) {
	m.onAuth = h
}

// Set sets or updates a roster item. A remove subscription deletes it.
func (m *Manager) Set(e Entry) {
	key := e.Address.Key()
	if e.Subscription == SubscriptionRemove {
		delete(m.items, key)
		return
	}
	if e.Groups == nil {
		e.Groups = make(map[string]struct{})
	}
	e.Address = address.Bare(e.Address)
	m.items[key] = &e
}

// Get returns a roster item by address
func (m *Manager) Get(a address.Address) (Entry, bool) {
	e, ok := m.items[a.Key()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove removes a roster item
func (m *Manager) Remove(a address.Address) {
	delete(m.items, a.Key())
}

// All returns all roster items sorted by address
func (m *Manager) All() []Entry {
	items := make([]Entry, 0, len(m.items))
	for _, e := range m.items {
		items = append(items, *e)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Address.Key() < items[j].Address.Key() })
	return items
}

// Clear removes all roster items
func (m *Manager) Clear() {
	m.items = make(map[string]*Entry)
	m.pending = make(map[string]Request)
}

// Count returns the number of roster items
func (m *Manager) Count() int {
	return len(m.items)
}

// Groups returns all unique groups, sorted
func (m *Manager) Groups() []string {
	var groups []string
	for _, e := range m.items {
		for g := range e.Groups {
			if !slices.Contains(groups, g) {
				groups = append(groups, g)
			}
		}
	}
	sort.Strings(groups)
	return groups
}

// ByGroup returns items in a specific group
func (m *Manager) ByGroup(group string) []Entry {
	var items []Entry
	for _, e := range m.All() {
		if _, ok := e.Groups[group]; ok {
			items = append(items, e)
		}
	}
	return items
}

// Ungrouped returns items not in any group
func (m *Manager) Ungrouped() []Entry {
	var items []Entry
	for _, e := range m.All() {
		if len(e.Groups) == 0 {
			items = append(items, e)
		}
	}
	return items
}

// HandleAuthorization implements presence.Authorizer. Subscription handshakes
// update pending requests and the subscription state of known entries; they
// never touch liveness.
func (m *Manager) HandleAuthorization(from address.Address, kind presence.Kind, status string) {
	key := from.Key()
	switch kind {
	case presence.KindSubscribe:
		m.pending[key] = Request{From: address.Bare(from), Status: status}
	case presence.KindUnsubscribe:
		delete(m.pending, key)
		if e, ok := m.items[key]; ok {
			e.Subscription = dropSide(e.Subscription, SubscriptionFrom)
		}
	case presence.KindSubscribed:
		if e, ok := m.items[key]; ok {
			e.Subscription = addSide(e.Subscription, SubscriptionTo)
		}
	case presence.KindUnsubscribed:
		if e, ok := m.items[key]; ok {
			e.Subscription = dropSide(e.Subscription, SubscriptionTo)
		}
	default:
		return
	}
	if m.onAuth != nil {
		m.onAuth(address.Bare(from), kind, status)
	}
}

// Pending returns the subscription requests awaiting a decision.
func (m *Manager) Pending() []Request {
	out := make([]Request, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.Key() < out[j].From.Key() })
	return out
}

// Resolve removes a pending request once the user approved or denied it.
// Approval grants the contact a "from" subscription.
func (m *Manager) Resolve(from address.Address, approved bool) bool {
	key := from.Key()
	if _, ok := m.pending[key]; !ok {
		return false
	}
	delete(m.pending, key)
	if approved {
		if e, ok := m.items[key]; ok {
			e.Subscription = addSide(e.Subscription, SubscriptionFrom)
		}
	}
	return true
}

func addSide(cur, side Subscription) Subscription {
	switch {
	case cur == SubscriptionBoth || cur == side:
		return cur
	case cur == SubscriptionNone || cur == "":
		return side
	default:
		return SubscriptionBoth
	}
}

func dropSide(cur, side Subscription) Subscription {
	switch {
	case cur == side:
		return SubscriptionNone
	case cur == SubscriptionBoth && side == SubscriptionTo:
		return SubscriptionFrom
	case cur == SubscriptionBoth && side == SubscriptionFrom:
		return SubscriptionTo
	default:
		return cur
	}
}
