package muc

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/xmpp/address"
)

// Defaults for the join history request and the initial replay window.
const (
	DefaultHistoryMaxStanzas = 10
	DefaultHistorySeconds    = 86400
	DefaultInitialWindow     = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	// InitialWindow is how long after our own presence echo occupant
	// notifications stay suppressed. The window also ends when the room
	// subject arrives or EndInitial is called.
	InitialWindow     time.Duration
	HistoryMaxStanzas int
	HistorySeconds    int
	Now               func() time.Time
	Logger            *logging.Logger
}

// Room represents a MUC room
type Room struct {
	Address       address.Address
	OwnNickname   string
	Password      string
	Subject       string
	Joined        bool
	RejoinPending bool

	// Closed is set when the service removed us or refused the join. A
	// closed room is kept for display but never rejoined.
	Closed bool

	initial      bool
	initialUntil time.Time
	occupants    map[string]*Occupant
}

// CanSend reports whether message-send affordances are enabled.
func (r *Room) CanSend() bool {
	return r.Joined
}

// Occupant returns an occupant by nickname.
func (r *Room) Occupant(nick string) (Occupant, bool) {
	o, ok := r.occupants[nick]
	if !ok {
		return Occupant{}, false
	}
	return *o, true
}

// Occupants returns all occupants sorted by nickname.
func (r *Room) Occupants() []Occupant {
	out := make([]Occupant, 0, len(r.occupants))
	for _, o := range r.occupants {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out
}

func (r *Room) joinRequest(o Options) (JoinRequest, error) {
	occ, err := r.Address.WithResource(r.OwnNickname)
	if err != nil {
		return JoinRequest{}, err
	}
	return JoinRequest{
		Occupant:          occ,
		Password:          r.Password,
		HistoryMaxStanzas: o.HistoryMaxStanzas,
		HistorySeconds:    o.HistorySeconds,
	}, nil
}

// Manager tracks the occupant tables of every room we are in. It is not safe
// for concurrent use; the engine serializes every call.
type Manager struct {
	opts    Options
	rooms   map[string]*Room
	onEvent EventHandler
	log     *logging.Logger
}

// NewManager creates a new MUC manager
func NewManager(opts Options) *Manager {
	if opts.InitialWindow <= 0 {
		opts.InitialWindow = DefaultInitialWindow
	}
	if opts.HistoryMaxStanzas == 0 {
		opts.HistoryMaxStanzas = DefaultHistoryMaxStanzas
	}
	if opts.HistorySeconds == 0 {
		opts.HistorySeconds = DefaultHistorySeconds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{
		opts:  opts,
		rooms: make(map[string]*Room),
		log:   opts.Logger,
	}
}

// SetEventHandler sets the room notification handler
func (m *Manager) SetEventHandler(h EventHandler) {
	m.onEvent = h
}

// Join creates a room entry and returns the join presence to send. The room
// starts in its initial replay window.
func (m *Manager) Join(room address.Address, nick, password string) (JoinRequest, error) {
	if nick == "" {
		return JoinRequest{}, fmt.Errorf("join %s: empty nickname", room)
	}
	r := &Room{
		Address:     address.Bare(room),
		OwnNickname:   nick,
		Password:      password,
		RejoinPending: true,
		initial:       true,
		occupants:     make(map[string]*Occupant),
	}
	req, err := r.joinRequest(m.opts)
	if err != nil {
		return JoinRequest{}, fmt.Errorf("join %s: %w", room, err)
	}
	m.rooms[r.Address.Key()] = r
	return req, nil
}

// Leave forgets a room and returns our occupant address so the caller can
// send an unavailable presence. The caller must also drop the room's
// presence records.
func (m *Manager) Leave(room address.Address) (address.Address, bool) {
	key := room.Key()
	r, ok := m.rooms[key]
	if !ok {
		return address.Address{}, false
	}
	delete(m.rooms, key)
	occ, err := r.Address.WithResource(r.OwnNickname)
	if err != nil {
		return address.Address{}, false
	}
	if r.Joined {
		m.emit(r, Event{Kind: EventRoomLeft, Nickname: r.OwnNickname})
	}
	return occ, true
}

// Room returns a room by address
func (m *Manager) Room(room address.Address) (*Room, bool) {
	r, ok := m.rooms[room.Key()]
	return r, ok
}

// IsRoom reports whether a is the address of a room we track.
func (m *Manager) IsRoom(a address.Address) bool {
	_, ok := m.rooms[a.Key()]
	return ok
}

// Rooms returns all rooms sorted by address
func (m *Manager) Rooms() []*Room {
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Address.Key() < rooms[j].Address.Key() })
	return rooms
}

// InInitial reports whether occupant notifications for room are suppressed.
func (m *Manager) InInitial(room address.Address) bool {
	r, ok := m.rooms[room.Key()]
	return ok && m.inInitial(r)
}

func (m *Manager) inInitial(r *Room) bool {
	if !r.initial {
		return false
	}
	if !r.initialUntil.IsZero() && !m.opts.Now().Before(r.initialUntil) {
		r.initial = false
		return false
	}
	return true
}

// EndInitial closes the initial replay window of a room.
func (m *Manager) EndInitial(room address.Address) {
	if r, ok := m.rooms[room.Key()]; ok {
		r.initial = false
	}
}

// SetSubject records the room subject. The subject is the last thing a
// service sends while replaying a join, so it ends the initial window.
func (m *Manager) SetSubject(room address.Address, subject string) {
	if r, ok := m.rooms[room.Key()]; ok {
		r.Subject = subject
		r.initial = false
	}
}

// Apply runs one occupant presence through the room state machine. Presences
// for unknown rooms and malformed events return an error wrapping
// errs.ErrProtocol without touching any table.
func (m *Manager) Apply(from address.Address, p OccupantPresence) error {
	r, ok := m.rooms[from.Key()]
	if !ok {
		return errs.Protocol("presence from unknown room %s", from)
	}
	nick := from.Nickname()
	if nick == "" {
		if p.Kind == Error {
			return m.applyError(r, p)
		}
		return errs.Protocol("room presence without nickname from %s", from)
	}
	self := nick == r.OwnNickname || hasCode(p.StatusCodes, StatusSelf)

	switch p.Kind {
	case Error:
		if !self {
			return errs.Protocol("error presence for foreign occupant %s", from)
		}
		return m.applyError(r, p)
	case Available:
		m.applyAvailable(r, nick, self, p)
		return nil
	case Unavailable:
		return m.applyUnavailable(r, nick, self, p)
	default:
		return errs.Protocol("unexpected occupant presence kind %d", p.Kind)
	}
}

func (m *Manager) applyAvailable(r *Room, nick string, self bool, p OccupantPresence) {
	if self && nick != r.OwnNickname {
		// The service assigned or normalised our nickname.
		r.OwnNickname = nick
	}

	role, aff := p.Role, p.Affiliation
	if role == "" {
		role = RoleNone
	}
	if aff == "" {
		aff = AffiliationNone
	}

	cur, exists := r.occupants[nick]
	if !exists {
		o := &Occupant{
			ID:          uuid.NewString(),
			Nickname:    nick,
			RealAddress: p.RealAddress,
			Role:        role,
			Affiliation: aff,
			Show:        p.Show,
			Status:      p.Status,
		}
		r.occupants[nick] = o

		if self {
			m.markJoined(r)
			return
		}
		m.emit(r, Event{Kind: EventJoined, Nickname: nick, Occupant: *o})
		return
	}

	// Drop and recreate so no derived state keeps pointing at the old
	// record.
	next := &Occupant{
		ID:          cur.ID,
		Nickname:    nick,
		RealAddress: cur.RealAddress,
		Role:        role,
		Affiliation: aff,
		Show:        p.Show,
		Status:      p.Status,
	}
	if !p.RealAddress.IsZero() {
		next.RealAddress = p.RealAddress
	}
	r.occupants[nick] = next

	if self && !r.Joined {
		m.markJoined(r)
	}
	if cur.Role != role || cur.Affiliation != aff {
		m.emit(r, Event{Kind: EventRoleChanged, Nickname: nick, Occupant: *next, Actor: p.Actor, Reason: p.Reason})
	}
}

func (m *Manager) markJoined(r *Room) {
	r.Joined = true
	r.RejoinPending = false
	if r.initial && r.initialUntil.IsZero() {
		r.initialUntil = m.opts.Now().Add(m.opts.InitialWindow)
	}
	m.log.Info("joined %s as %s", r.Address, r.OwnNickname)
	m.emit(r, Event{Kind: EventRoomJoined, Nickname: r.OwnNickname})
}

func (m *Manager) applyUnavailable(r *Room, nick string, self bool, p OccupantPresence) error {
	cur, exists := r.occupants[nick]

	if hasCode(p.StatusCodes, StatusNickChanged) && p.NewNickname != "" {
		if !exists {
			return errs.Protocol("nickname change for unknown occupant %s in %s", nick, r.Address)
		}
		delete(r.occupants, nick)
		renamed := *cur
		renamed.Nickname = p.NewNickname
		r.occupants[p.NewNickname] = &renamed
		if self {
			r.OwnNickname = p.NewNickname
		}
		m.emit(r, Event{Kind: EventRenamed, Nickname: nick, NewNickname: p.NewNickname, Occupant: renamed})
		return nil
	}

	if !exists && !self {
		return errs.Protocol("unavailable for unknown occupant %s in %s", nick, r.Address)
	}

	var occ Occupant
	if exists {
		occ = *cur
		delete(r.occupants, nick)
	}

	ev := Event{Kind: EventLeft, Nickname: nick, Reason: p.Reason, Actor: p.Actor, Occupant: occ}
	if kind, removed := removalFor(p.StatusCodes); removed {
		ev.Kind = EventRemoved
		ev.Removal = kind
	}

	if self {
		// Our own departure invalidates the whole occupant list.
		r.Joined = false
		r.occupants = make(map[string]*Occupant)
		if ev.Kind == EventRemoved {
			r.Closed = true
			r.RejoinPending = false
		}
		m.log.Info("left %s (%s)", r.Address, ev.Kind)
		m.emit(r, Event{Kind: EventRoomLeft, Nickname: nick, Removal: ev.Removal, Reason: p.Reason, Actor: p.Actor})
		return nil
	}

	m.emit(r, ev)
	return nil
}

func (m *Manager) applyError(r *Room, p OccupantPresence) error {
	switch p.Error {
	case ErrorConflict:
		r.OwnNickname += "_"
		req, err := r.joinRequest(m.opts)
		if err != nil {
			return errs.Protocol("retry join of %s: %v", r.Address, err)
		}
		m.log.Info("nickname taken in %s, retrying as %s", r.Address, r.OwnNickname)
		m.emit(r, Event{Kind: EventJoinRetry, Nickname: r.OwnNickname, Join: req})
	case ErrorNotAuthorized:
		m.emit(r, Event{Kind: EventPasswordRequired, Nickname: r.OwnNickname})
	default:
		r.Joined = false
		r.Closed = true
		r.RejoinPending = false
		r.occupants = make(map[string]*Occupant)
		m.emit(r, Event{Kind: EventJoinFailed, Nickname: r.OwnNickname, Error: p.Error})
	}
	return nil
}

// RetryWithPassword stores a password supplied by the user and returns the
// join presence to resend.
func (m *Manager) RetryWithPassword(room address.Address, password string) (JoinRequest, error) {
	r, ok := m.rooms[room.Key()]
	if !ok {
		return JoinRequest{}, fmt.Errorf("room %s is not tracked", room)
	}
	r.Password = password
	return r.joinRequest(m.opts)
}

// PrepareRejoin is called when the connection drops. Every room loses its
// occupants; joined rooms and joins still in flight are marked for rejoin.
func (m *Manager) PrepareRejoin() {
	for _, r := range m.rooms {
		if !r.Closed {
			r.RejoinPending = true
		}
		r.Joined = false
		r.occupants = make(map[string]*Occupant)
	}
}

// TakeRejoins clears the rejoin markers and returns the join presences to
// replay, with each marked room back in its initial window.
func (m *Manager) TakeRejoins() []JoinRequest {
	var reqs []JoinRequest
	for _, r := range m.Rooms() {
		if !r.RejoinPending || r.Closed {
			continue
		}
		r.RejoinPending = false
		r.Joined = false
		r.initial = true
		r.initialUntil = time.Time{}
		r.occupants = make(map[string]*Occupant)
		req, err := r.joinRequest(m.opts)
		if err != nil {
			m.log.Warn("cannot rejoin %s: %v", r.Address, err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// Clear forgets every room.
func (m *Manager) Clear() {
	m.rooms = make(map[string]*Room)
}

func (m *Manager) emit(r *Room, ev Event) {
	ev.Room = r.Address
	if ev.Kind.suppressible() && m.inInitial(r) {
		m.log.Debug("suppressed %s for %s in %s", ev.Kind, ev.Nickname, r.Address)
		return
	}
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
