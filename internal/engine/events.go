package engine

import (
	"sync"

	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
	"github.com/meszmate/roster/internal/xmpp/roster"
)

// EventType represents the type of event
type EventType int

const (
	EventPresenceChanged EventType = iota
	EventRoomOccupant
	EventSessionState
	EventReconnectTick
	EventConnectFailed
	EventAuthorizationRequest
	EventRoomPasswordRequired
	EventRosterLoaded
	EventRosterItem
)

// EventMsg represents an event published by the engine
type EventMsg struct {
	Type EventType
	Data any
}

// PresenceChanged carries a new effective presence for a bare address.
type PresenceChanged struct {
	Address  address.Address
	Presence presence.Effective
}

// SessionStateChanged carries a lifecycle transition.
type SessionStateChanged struct {
	From session.State
	To   session.State
}

// ReconnectTick carries the seconds left before the next attempt.
type ReconnectTick struct {
	Remaining int
}

// ConnectFailed reports a failed connect attempt.
type ConnectFailed struct {
	Err       error
	WillRetry bool
}

// AuthorizationRequest reports a subscription handshake presence.
type AuthorizationRequest struct {
	From   address.Address
	Kind   presence.Kind
	Status string
}

// RoomPasswordRequired reports that a room refused a join without the right
// password.
type RoomPasswordRequired struct {
	Room address.Address
}

// RosterLoaded reports a full roster, cached or live.
type RosterLoaded struct {
	Entries []roster.Entry
	Cached  bool
}

// RosterItemChanged reports one pushed roster item. A remove subscription
// means the contact was deleted.
type RosterItemChanged struct {
	Entry roster.Entry
}

// EventHandler is a function that handles events
type EventHandler func(event EventMsg)

// EventBus handles event subscription and publishing. Handlers run on the
// engine goroutine in publish order; they must not block or call back into
// the engine synchronously.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish publishes an event to all subscribers
func (b *EventBus) Publish(event EventMsg) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Unsubscribe removes all handlers for an event type
func (b *EventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
}

// OnPresenceChanged subscribes to effective presence changes.
func (b *EventBus) OnPresenceChanged(f func(PresenceChanged)) {
	b.Subscribe(EventPresenceChanged, func(ev EventMsg) { f(ev.Data.(PresenceChanged)) })
}

// OnRoomOccupant subscribes to room occupant notifications.
func (b *EventBus) OnRoomOccupant(f func(muc.Event)) {
	b.Subscribe(EventRoomOccupant, func(ev EventMsg) { f(ev.Data.(muc.Event)) })
}

// OnSessionState subscribes to session lifecycle transitions.
func (b *EventBus) OnSessionState(f func(SessionStateChanged)) {
	b.Subscribe(EventSessionState, func(ev EventMsg) { f(ev.Data.(SessionStateChanged)) })
}

// OnReconnectTick subscribes to reconnect countdown ticks.
func (b *EventBus) OnReconnectTick(f func(ReconnectTick)) {
	b.Subscribe(EventReconnectTick, func(ev EventMsg) { f(ev.Data.(ReconnectTick)) })
}

// OnConnectFailed subscribes to connect failures.
func (b *EventBus) OnConnectFailed(f func(ConnectFailed)) {
	b.Subscribe(EventConnectFailed, func(ev EventMsg) { f(ev.Data.(ConnectFailed)) })
}

// OnAuthorizationRequest subscribes to subscription handshakes.
func (b *EventBus) OnAuthorizationRequest(f func(AuthorizationRequest)) {
	b.Subscribe(EventAuthorizationRequest, func(ev EventMsg) { f(ev.Data.(AuthorizationRequest)) })
}

// OnRoomPasswordRequired subscribes to room password prompts.
func (b *EventBus) OnRoomPasswordRequired(f func(RoomPasswordRequired)) {
	b.Subscribe(EventRoomPasswordRequired, func(ev EventMsg) { f(ev.Data.(RoomPasswordRequired)) })
}

// OnRosterLoaded subscribes to roster loads.
func (b *EventBus) OnRosterLoaded(f func(RosterLoaded)) {
	b.Subscribe(EventRosterLoaded, func(ev EventMsg) { f(ev.Data.(RosterLoaded)) })
}

// OnRosterItem subscribes to single roster pushes.
func (b *EventBus) OnRosterItem(f func(RosterItemChanged)) {
	b.Subscribe(EventRosterItem, func(ev EventMsg) { f(ev.Data.(RosterItemChanged)) })
}
