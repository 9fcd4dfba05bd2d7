// Package engine hosts the session, presence, roster and room state behind a
// single goroutine. Every mutation, whether it comes from the transport, a
// timer or the view layer, is posted to that goroutine and runs in order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/storage"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
	"github.com/meszmate/roster/internal/xmpp/roster"
)

// ErrStopped is returned by calls made after the engine loop exited.
var ErrStopped = errors.New("engine stopped")

const sendTimeout = 10 * time.Second

// RosterFetcher is implemented by transports that can request the roster.
type RosterFetcher interface {
	FetchRoster(ctx context.Context) ([]roster.Entry, error)
}

// AutoJoin is a room joined on every fresh login.
type AutoJoin struct {
	Room     address.Address
	Nickname string
	Password string
}

// Options configures an Engine.
type Options struct {
	Account     string
	Transport   session.Transport
	Store       storage.Store
	Sealer      *storage.Sealer
	RosterCache storage.RosterCache
	Clock       session.Clock
	// Go runs blocking transport calls. Defaults to a new goroutine.
	Go              func(func())
	Schedule        session.Schedule
	MaxResumeWindow time.Duration
	MUC             muc.Options
	AutoJoin        []AutoJoin
	Logger          *logging.Logger
}

// Engine is the single actor owning all session state.
type Engine struct {
	opts Options
	log  *logging.Logger
	bus  *EventBus

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool

	presence *presence.Resolver
	roster   *roster.Manager
	rooms    *muc.Manager
	session  *session.Manager
}

// New wires the state machines together. Nothing runs until Run is called.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = session.RealClock()
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}
	e := &Engine{
		opts: opts,
		log:  opts.Logger,
		bus:  NewEventBus(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	e.presence = presence.NewResolver(opts.Logger.Named("presence"))
	e.roster = roster.NewManager()
	e.presence.SetAuthorizer(e.roster)

	mucOpts := opts.MUC
	if mucOpts.Now == nil {
		mucOpts.Now = opts.Clock.Now
	}
	if mucOpts.Logger == nil {
		mucOpts.Logger = opts.Logger.Named("muc")
	}
	e.rooms = muc.NewManager(mucOpts)

	e.session = session.NewManager(session.Options{
		Transport:       opts.Transport,
		Store:           opts.Store,
		Sealer:          opts.Sealer,
		Clock:           loopClock{inner: opts.Clock, post: e.Post},
		Post:            e.Post,
		Go:              opts.Go,
		Schedule:        opts.Schedule,
		MaxResumeWindow: opts.MaxResumeWindow,
		Logger:          opts.Logger.Named("session"),
	})

	e.presence.SetChangeHandler(e.onPresenceChanged)
	e.roster.SetAuthorizationHandler(e.onAuthorization)
	e.rooms.SetEventHandler(e.onRoomEvent)
	e.session.SetHooks(session.Hooks{
		StateChanged:  e.onStateChanged,
		Tick:          e.onTick,
		Connected:     e.onConnected,
		Dropped:       e.onDropped,
		ConnectFailed: e.onConnectFailed,
	})
	return e
}

// Events returns the notification bus.
func (e *Engine) Events() *EventBus {
	return e.bus
}

// loopClock routes timer callbacks through the engine inbox.
type loopClock struct {
	inner session.Clock
	post  func(func())
}

func (c loopClock) Now() time.Time {
	return c.inner.Now()
}

func (c loopClock) AfterFunc(d time.Duration, f func()) session.Timer {
	return c.inner.AfterFunc(d, func() { c.post(f) })
}

// Post queues f to run on the engine goroutine. It never blocks; work posted
// after the loop exited is dropped.
func (e *Engine) Post(f func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, f)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the inbox until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.loadCachedRoster()
	for {
		for {
			f, ok := e.next()
			if !ok {
				break
			}
			f()
		}
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.closed = true
			e.queue = nil
			e.mu.Unlock()
			return ctx.Err()
		case <-e.wake:
		}
	}
}

func (e *Engine) next() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	f := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return f, true
}

// call runs f on the engine goroutine and waits for its result.
func call[T any](e *Engine, f func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	e.Post(func() {
		v, err := f()
		ch <- result{v, err}
	})
	select {
	case r := <-ch:
		return r.v, r.err
	case <-e.done:
		var zero T
		return zero, ErrStopped
	}
}

func (e *Engine) do(f func() error) error {
	_, err := call(e, func() (struct{}, error) { return struct{}{}, f() })
	return err
}

// Connect starts a user-initiated login.
func (e *Engine) Connect(creds session.Credentials) error {
	return e.do(func() error { return e.session.StartConnect(creds) })
}

// Disconnect logs out without reconnecting.
func (e *Engine) Disconnect() error {
	return e.do(e.session.RequestDisconnect)
}

// RetryNow skips the reconnect countdown.
func (e *Engine) RetryNow() error {
	return e.do(e.session.RetryNow)
}

// CancelReconnect stops reconnecting and forgets the saved session.
func (e *Engine) CancelReconnect() error {
	return e.do(e.session.CancelReconnect)
}

// Forget ends the session for good.
func (e *Engine) Forget() error {
	return e.do(func() error {
		err := e.session.Forget()
		e.rooms.Clear()
		e.resetPresence()
		return err
	})
}

// Resume restores a saved session. It reports false when there was nothing
// resumable; errs.ErrResumeExpired means the saved data was too old.
func (e *Engine) Resume() (bool, error) {
	return call(e, func() (bool, error) {
		return e.session.Resume(e.restore)
	})
}

func (e *Engine) restore(s storage.SerializedSession) {
	e.presence.SetOwn(presence.Own{
		Show:     presence.ParseShow(s.Show),
		Status:   s.Status,
		Priority: s.Priority,
	})
	for _, sr := range s.Rooms {
		room, err := address.Parse(sr.Address)
		if err != nil {
			e.log.Warn("Skipping saved room %q: %v", sr.Address, err)
			continue
		}
		if _, err := e.rooms.Join(room, sr.Nickname, sr.Password); err != nil {
			e.log.Warn("Skipping saved room %s: %v", room, err)
		}
	}
}

// Suspend saves the session for a later Resume and closes the connection.
func (e *Engine) Suspend() error {
	return e.do(func() error {
		snap := session.Snapshot{Own: e.presence.GetOwn()}
		for _, r := range e.rooms.Rooms() {
			if r.Closed {
				continue
			}
			snap.Rooms = append(snap.Rooms, storage.SavedRoom{
				Address:  r.Address.String(),
				Nickname: r.OwnNickname,
				Password: r.Password,
			})
		}
		return e.session.Suspend(snap)
	})
}

// SetPresence changes own presence and broadcasts it to contacts and rooms.
func (e *Engine) SetPresence(own presence.Own) error {
	return e.do(func() error {
		e.presence.SetOwn(own)
		if e.session.State() != session.StateConnected {
			return nil
		}
		e.send(own.Broadcast())
		for _, r := range e.rooms.Rooms() {
			if !r.Joined {
				continue
			}
			occ, err := r.Address.WithResource(r.OwnNickname)
			if err != nil {
				continue
			}
			out := own.Broadcast()
			out.To = occ
			e.send(out)
		}
		return nil
	})
}

// JoinRoom enters a room now, or on the next connect when offline.
func (e *Engine) JoinRoom(room address.Address, nick, password string) error {
	return e.do(func() error {
		req, err := e.rooms.Join(room, nick, password)
		if err != nil {
			return err
		}
		if e.session.State() == session.StateConnected {
			e.send(req.Presence(e.presence.GetOwn()))
		}
		return nil
	})
}

// LeaveRoom exits a room and drops its occupant presences.
func (e *Engine) LeaveRoom(room address.Address) error {
	return e.do(func() error {
		occ, ok := e.rooms.Leave(room)
		if !ok {
			return fmt.Errorf("room %s is not tracked", room)
		}
		if e.session.State() == session.StateConnected {
			e.send(muc.LeavePresence(occ))
		}
		e.presence.RemoveAllForRoom(room)
		return nil
	})
}

// RetryRoomPassword resends a join with a user-supplied password.
func (e *Engine) RetryRoomPassword(room address.Address, password string) error {
	return e.do(func() error {
		req, err := e.rooms.RetryWithPassword(room, password)
		if err != nil {
			return err
		}
		if e.session.State() == session.StateConnected {
			e.send(req.Presence(e.presence.GetOwn()))
		}
		return nil
	})
}

// EndInitial ends a room's initial replay window.
func (e *Engine) EndInitial(room address.Address) {
	e.Post(func() { e.rooms.EndInitial(room) })
}

// AnswerSubscription approves or denies a pending subscription request.
func (e *Engine) AnswerSubscription(from address.Address, approve bool) error {
	return e.do(func() error {
		if !e.roster.Resolve(from, approve) {
			return fmt.Errorf("no pending subscription from %s", from)
		}
		kind := presence.KindUnsubscribed
		if approve {
			kind = presence.KindSubscribed
		}
		if e.session.State() == session.StateConnected {
			e.send(presence.Directed(address.Bare(from), kind))
		}
		return nil
	})
}

// OnPresence is the transport's inbound presence entry point. Presences from
// tracked rooms go through the occupant state machine as well as the store.
func (e *Engine) OnPresence(from address.Address, rec presence.Record, occ *muc.OccupantPresence) {
	e.Post(func() { e.handlePresence(from, rec, occ) })
}

func (e *Engine) handlePresence(from address.Address, rec presence.Record, occ *muc.OccupantPresence) {
	if occ != nil && e.rooms.IsRoom(address.Bare(from)) {
		if err := e.rooms.Apply(from, *occ); err != nil {
			e.log.Warn("Dropping room presence from %s: %v", from, err)
			return
		}
		if occ.Kind == muc.Error {
			return
		}
	}
	if err := e.presence.OnPresenceEvent(from, rec); err != nil {
		e.log.Warn("Dropping presence from %s: %v", from, err)
	}
}

// OnSubject records a room subject.
func (e *Engine) OnSubject(room address.Address, subject string) {
	e.Post(func() { e.rooms.SetSubject(room, subject) })
}

// OnRoster replaces the roster with a fetched or pushed item set.
func (e *Engine) OnRoster(entries []roster.Entry) {
	e.Post(func() { e.applyRoster(entries, false) })
}

// OnRosterItem applies a single roster push.
func (e *Engine) OnRosterItem(entry roster.Entry) {
	e.Post(func() {
		entry.Address = address.Bare(entry.Address)
		e.roster.Set(entry)
		e.saveRoster()
		e.bus.Publish(EventMsg{Type: EventRosterItem, Data: RosterItemChanged{Entry: entry}})
	})
}

// OnDisconnected reports that the transport closed.
func (e *Engine) OnDisconnected(err error) {
	e.Post(func() { e.session.HandleTransportDrop(err) })
}

// State returns the session state.
func (e *Engine) State() session.State {
	s, _ := call(e, func() (session.State, error) { return e.session.State(), nil })
	return s
}

// EffectivePresence returns the presence speaking for bare.
func (e *Engine) EffectivePresence(bare address.Address) presence.Effective {
	eff, _ := call(e, func() (presence.Effective, error) {
		return e.presence.EffectivePresence(bare), nil
	})
	return eff
}

// Roster returns every roster entry.
func (e *Engine) Roster() []roster.Entry {
	entries, _ := call(e, func() ([]roster.Entry, error) { return e.roster.All(), nil })
	return entries
}

// PendingSubscriptions returns unanswered subscription requests.
func (e *Engine) PendingSubscriptions() []roster.Request {
	reqs, _ := call(e, func() ([]roster.Request, error) { return e.roster.Pending(), nil })
	return reqs
}

// RoomView is a point-in-time copy of a room.
type RoomView struct {
	Address     address.Address
	OwnNickname string
	Subject     string
	Joined      bool
	Occupants   []muc.Occupant
}

// Room returns a snapshot of a tracked room.
func (e *Engine) Room(room address.Address) (RoomView, bool) {
	v, err := call(e, func() (RoomView, error) {
		r, ok := e.rooms.Room(room)
		if !ok {
			return RoomView{}, errors.New("untracked")
		}
		return RoomView{
			Address:     r.Address,
			OwnNickname: r.OwnNickname,
			Subject:     r.Subject,
			Joined:      r.Joined,
			Occupants:   r.Occupants(),
		}, nil
	})
	return v, err == nil
}

// send hands p to the session's outbound queue; the loop never waits on the
// wire.
func (e *Engine) send(p presence.Outbound) {
	if err := e.session.Send(p); err != nil {
		e.log.Warn("Failed to send presence to %s: %v", p.To, err)
	}
}

// Drain waits until every queued send and close has reached the transport,
// or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	idle, err := call(e, func() (<-chan struct{}, error) { return e.session.Idle(), nil })
	if err != nil {
		return err
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) onPresenceChanged(bare address.Address, eff presence.Effective) {
	e.bus.Publish(EventMsg{Type: EventPresenceChanged, Data: PresenceChanged{Address: bare, Presence: eff}})
}

func (e *Engine) onAuthorization(from address.Address, kind presence.Kind, status string) {
	e.bus.Publish(EventMsg{Type: EventAuthorizationRequest, Data: AuthorizationRequest{From: from, Kind: kind, Status: status}})
}

func (e *Engine) onRoomEvent(ev muc.Event) {
	switch ev.Kind {
	case muc.EventJoinRetry:
		if e.session.State() == session.StateConnected {
			e.send(ev.Join.Presence(e.presence.GetOwn()))
		}
	case muc.EventPasswordRequired:
		e.bus.Publish(EventMsg{Type: EventRoomPasswordRequired, Data: RoomPasswordRequired{Room: ev.Room}})
	case muc.EventRoomLeft:
		e.presence.RemoveAllForRoom(ev.Room)
	}
	e.bus.Publish(EventMsg{Type: EventRoomOccupant, Data: ev})
}

func (e *Engine) onStateChanged(from, to session.State) {
	e.bus.Publish(EventMsg{Type: EventSessionState, Data: SessionStateChanged{From: from, To: to}})
	if to == session.StateDisconnected || to == session.StateTerminated {
		e.rooms.PrepareRejoin()
		e.resetPresence()
	}
}

func (e *Engine) onTick(remaining int) {
	e.bus.Publish(EventMsg{Type: EventReconnectTick, Data: ReconnectTick{Remaining: remaining}})
}

func (e *Engine) onConnectFailed(err error, willRetry bool) {
	e.bus.Publish(EventMsg{Type: EventConnectFailed, Data: ConnectFailed{Err: err, WillRetry: willRetry}})
}

func (e *Engine) onDropped(error) {
	e.rooms.PrepareRejoin()
	e.resetPresence()
}

// resetPresence clears every contact presence and tells the view each live
// contact went offline.
func (e *Engine) resetPresence() {
	var live []address.Address
	for _, bare := range e.presence.Store().Entities() {
		if e.presence.EffectivePresence(bare).Available() {
			live = append(live, bare)
		}
	}
	e.presence.Reset()
	for _, bare := range live {
		e.onPresenceChanged(bare, presence.Unavailable(bare))
	}
}

func (e *Engine) onConnected(_ address.Address, resuming bool) {
	own := e.presence.GetOwn()
	e.send(own.Broadcast())

	if !resuming {
		for _, aj := range e.opts.AutoJoin {
			if e.rooms.IsRoom(aj.Room) {
				continue
			}
			if _, err := e.rooms.Join(aj.Room, aj.Nickname, aj.Password); err != nil {
				e.log.Warn("Auto-join %s: %v", aj.Room, err)
			}
		}
		e.fetchRoster()
	}

	for _, req := range e.rooms.TakeRejoins() {
		e.send(req.Presence(own))
	}
}

func (e *Engine) fetchRoster() {
	f, ok := e.opts.Transport.(RosterFetcher)
	if !ok {
		return
	}
	e.opts.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		entries, err := f.FetchRoster(ctx)
		if err != nil {
			e.log.Warn("Roster fetch failed: %v", errs.Transport("roster", err))
			return
		}
		e.Post(func() { e.applyRoster(entries, false) })
	})
}

func (e *Engine) applyRoster(entries []roster.Entry, cached bool) {
	e.roster.Clear()
	for _, en := range entries {
		e.roster.Set(en)
	}
	if !cached {
		e.saveRoster()
	}
	e.bus.Publish(EventMsg{Type: EventRosterLoaded, Data: RosterLoaded{Entries: e.roster.All(), Cached: cached}})
}

func (e *Engine) loadCachedRoster() {
	if e.opts.RosterCache == nil {
		return
	}
	cached, err := e.opts.RosterCache.GetRoster(e.opts.Account)
	if err != nil {
		e.log.Warn("Failed to load cached roster: %v", err)
		return
	}
	if len(cached) == 0 {
		return
	}
	entries := make([]roster.Entry, 0, len(cached))
	for _, c := range cached {
		a, err := address.Parse(c.JID)
		if err != nil {
			continue
		}
		entries = append(entries, roster.NewEntry(a, c.Name, roster.ParseSubscription(c.Subscription), c.Groups...))
	}
	e.applyRoster(entries, true)
}

func (e *Engine) saveRoster() {
	if e.opts.RosterCache == nil {
		return
	}
	all := e.roster.All()
	out := make([]storage.RosterEntry, 0, len(all))
	for _, en := range all {
		out = append(out, storage.RosterEntry{
			JID:          en.Address.String(),
			Name:         en.DisplayName,
			Groups:       en.GroupList(),
			Subscription: string(en.Subscription),
		})
	}
	if err := e.opts.RosterCache.SaveRoster(e.opts.Account, out); err != nil {
		e.log.Warn("Failed to cache roster: %v", err)
	}
}
