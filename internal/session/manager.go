// Package session sequences connect, resume and reconnect for one account.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/storage"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

// DefaultConnectTimeout bounds a single connect attempt.
const DefaultConnectTimeout = 30 * time.Second

const sendTimeout = 10 * time.Second

// Transport is the wire collaborator.
type Transport interface {
	// Connect opens a stream, authenticates and binds a resource. It returns
	// the bound full address.
	Connect(ctx context.Context, creds Credentials) (address.Address, error)
	// Send queues a presence and returns its correlation id.
	Send(ctx context.Context, p presence.Outbound) (string, error)
	Close() error
}

// Snapshot is the host state persisted by Suspend.
type Snapshot struct {
	Own   presence.Own
	Rooms []storage.SavedRoom
}

// Hooks are the notifications the manager raises. All run on the caller's
// goroutine (the engine loop).
type Hooks struct {
	StateChanged  func(from, to State)
	Tick          func(remaining int)
	Connected     func(bound address.Address, resuming bool)
	Dropped       func(err error)
	ConnectFailed func(err error, willRetry bool)
}

// Options configures a Manager.
type Options struct {
	Transport Transport
	Store     storage.Store
	Sealer    *storage.Sealer
	Clock     Clock
	// Post hands a connect result back to the serialized loop. Defaults to
	// calling the function directly.
	Post func(func())
	// Go runs blocking transport calls. Defaults to a new goroutine.
	Go              func(func())
	Schedule        Schedule
	MaxResumeWindow time.Duration
	ConnectTimeout  time.Duration
	Logger          *logging.Logger
}

// countdown is one reconnect wait. A stopped countdown never fires.
type countdown struct {
	remaining int
	timer     Timer
	stopped   bool
}

func (c *countdown) stop() {
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Manager owns the session state machine. It is not safe for concurrent use;
// the engine serializes every call.
type Manager struct {
	opts  Options
	hooks Hooks
	log   *logging.Logger

	state    State
	bound    address.Address
	creds    Credentials
	hasCreds bool
	attempts int
	resuming bool

	// gen invalidates connect results that outlived their attempt.
	gen       uint64
	cancel    context.CancelFunc
	countdown *countdown

	// tail is closed once every queued send and close has finished.
	tail chan struct{}
}

// NewManager creates a manager in the Disconnected state.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}
	if opts.Schedule == (Schedule{}) {
		opts.Schedule = DefaultSchedule()
	}
	if opts.MaxResumeWindow <= 0 {
		opts.MaxResumeWindow = storage.DefaultMaxResumeWindow
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{opts: opts, log: opts.Logger}
}

// SetHooks replaces the notification hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.hooks = h
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Address returns the bound address, zero unless connected.
func (m *Manager) Address() address.Address {
	return m.bound
}

// Credentials returns the credentials of the current or last session.
func (m *Manager) Credentials() (Credentials, bool) {
	return m.creds, m.hasCreds
}

// Attempts returns the reconnect attempt counter.
func (m *Manager) Attempts() int {
	return m.attempts
}

// Resuming reports whether the in-flight connect is a resume.
func (m *Manager) Resuming() bool {
	return m.resuming
}

// Countdown returns the seconds left before the next automatic attempt.
func (m *Manager) Countdown() (int, bool) {
	if m.countdown == nil {
		return 0, false
	}
	return m.countdown.remaining, true
}

// Transport returns the wire collaborator.
func (m *Manager) Transport() Transport {
	return m.opts.Transport
}

// Send queues p behind earlier transport calls. It fails at once unless
// connected; wire errors are only logged.
func (m *Manager) Send(p presence.Outbound) error {
	if m.state != StateConnected {
		return invalid("send", m.state)
	}
	tr := m.opts.Transport
	m.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		id, err := tr.Send(ctx, p)
		if err != nil {
			m.log.Warn("Failed to send presence to %s: %v", p.To, errs.Transport("send", err))
			return
		}
		m.log.Debug("Sent presence %s (%s) to %s", id, p.Kind, p.To)
	})
	return nil
}

// Idle returns a channel that is closed once every transport call queued so
// far has finished.
func (m *Manager) Idle() <-chan struct{} {
	if m.tail == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return m.tail
}

// enqueue runs f through Go after the previously queued call, so wire order
// follows call order without blocking the caller.
func (m *Manager) enqueue(f func()) {
	prev := m.tail
	done := make(chan struct{})
	m.tail = done
	m.opts.Go(func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		f()
	})
}

// StartConnect begins a user-initiated login.
func (m *Manager) StartConnect(creds Credentials) error {
	switch m.state {
	case StateDisconnected, StateTerminated:
	case StateReconnecting:
		m.stopCountdown()
	default:
		return invalid("connect", m.state)
	}
	if creds.Address.IsZero() {
		return fmt.Errorf("connect: %w", address.ErrMalformed)
	}
	m.creds = creds
	m.hasCreds = true
	m.resuming = false
	m.connect(false)
	return nil
}

func (m *Manager) connect(automatic bool) {
	m.setState(StateConnecting)

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancel = cancel
	creds := m.creds
	tr := m.opts.Transport
	closing := m.tail

	m.log.Info("Connecting as %s (automatic=%t, resuming=%t)", creds.Address, automatic, m.resuming)
	m.opts.Go(func() {
		// A previous stream must be closed before the next one opens.
		if closing != nil {
			<-closing
		}
		bound, err := tr.Connect(ctx, creds)
		cancel()
		m.opts.Post(func() {
			m.handleConnectResult(gen, automatic, bound, err)
		})
	})
}

func (m *Manager) handleConnectResult(gen uint64, automatic bool, bound address.Address, err error) {
	if gen != m.gen || m.state != StateConnecting {
		if err == nil && m.state != StateConnecting && m.state != StateConnected {
			m.log.Debug("Discarding stale connect result for %s", bound)
			m.logout(false)
		}
		return
	}
	m.cancel = nil

	if err != nil {
		m.connectFailed(automatic, err)
		return
	}

	resuming := m.resuming
	m.resuming = false
	m.attempts = 0
	m.stopCountdown()
	m.bound = bound
	m.setState(StateConnected)
	m.log.Info("Connected as %s", bound)
	if m.hooks.Connected != nil {
		m.hooks.Connected(bound, resuming)
	}
}

func (m *Manager) connectFailed(automatic bool, err error) {
	if !errs.IsAuthorization(err) && !errors.Is(err, errs.ErrTransport) {
		err = errs.Transport("connect", err)
	}
	m.resuming = false

	if errs.IsAuthorization(err) {
		m.log.Error("Login rejected for %s: %v", m.creds.Address, err)
		m.attempts = 0
		if cerr := m.clearStored(); cerr != nil {
			m.log.Warn("Failed to clear session: %v", cerr)
		}
		m.setState(StateDisconnected)
		m.notifyFailed(err, false)
		return
	}

	if !automatic {
		m.log.Warn("Connect failed: %v", err)
		m.setState(StateDisconnected)
		m.notifyFailed(err, false)
		return
	}

	m.log.Warn("Reconnect attempt failed: %v", err)
	m.notifyFailed(err, true)
	m.enterReconnecting()
}

func (m *Manager) notifyFailed(err error, willRetry bool) {
	if m.hooks.ConnectFailed != nil {
		m.hooks.ConnectFailed(err, willRetry)
	}
}

// HandleTransportDrop reports that the transport closed without being asked
// to. It is ignored unless the session is connected.
func (m *Manager) HandleTransportDrop(err error) {
	if m.state != StateConnected {
		return
	}
	m.log.Warn("Connection lost: %v", err)
	m.bound = address.Address{}
	if m.hooks.Dropped != nil {
		m.hooks.Dropped(err)
	}
	m.enterReconnecting()
}

func (m *Manager) enterReconnecting() {
	m.setState(StateReconnecting)
	m.startCountdown(m.opts.Schedule.DelaySeconds(m.attempts))
	m.attempts++
}

func (m *Manager) startCountdown(seconds int) {
	m.stopCountdown()
	c := &countdown{remaining: seconds}
	m.countdown = c
	m.log.Info("Reconnecting in %d seconds", seconds)
	m.tick(c)
}

func (m *Manager) tick(c *countdown) {
	if m.hooks.Tick != nil {
		m.hooks.Tick(c.remaining)
	}
	c.timer = m.opts.Clock.AfterFunc(time.Second, func() {
		m.onTimer(c)
	})
}

func (m *Manager) onTimer(c *countdown) {
	if c.stopped || m.countdown != c || m.state != StateReconnecting {
		return
	}
	c.remaining--
	if c.remaining > 0 {
		m.log.Debug("Reconnect countdown: %d", c.remaining)
		m.tick(c)
		return
	}
	m.countdown = nil
	m.connect(true)
}

func (m *Manager) stopCountdown() {
	if m.countdown != nil {
		m.countdown.stop()
		m.countdown = nil
	}
}

// RetryNow skips the remaining countdown.
func (m *Manager) RetryNow() error {
	if m.state != StateReconnecting {
		return invalid("retry", m.state)
	}
	m.stopCountdown()
	m.connect(true)
	return nil
}

// CancelReconnect abandons automatic reconnection and forgets the persisted
// session.
func (m *Manager) CancelReconnect() error {
	switch m.state {
	case StateReconnecting, StateConnecting, StateSuspended:
	default:
		return invalid("cancel", m.state)
	}
	m.abortAttempt()
	m.attempts = 0
	if err := m.clearStored(); err != nil {
		m.log.Warn("Failed to clear session: %v", err)
	}
	m.setState(StateDisconnected)
	return nil
}

// RequestDisconnect logs out. Unavailable presence is sent best-effort and
// no reconnect follows.
func (m *Manager) RequestDisconnect() error {
	switch m.state {
	case StateConnected:
		m.logout(true)
	case StateConnecting, StateReconnecting:
		m.abortAttempt()
	default:
		return invalid("disconnect", m.state)
	}
	m.bound = address.Address{}
	m.attempts = 0
	if err := m.clearStored(); err != nil {
		m.log.Warn("Failed to clear session: %v", err)
	}
	m.setState(StateDisconnected)
	return nil
}

// Forget ends the session for good and wipes persisted data.
func (m *Manager) Forget() error {
	if m.state == StateConnected {
		m.logout(true)
	} else {
		m.abortAttempt()
	}
	m.bound = address.Address{}
	m.attempts = 0
	m.creds = Credentials{}
	m.hasCreds = false
	err := m.clearStored()
	m.setState(StateTerminated)
	return err
}

// Suspend persists the session for a later Resume and closes the transport
// without announcing unavailability.
func (m *Manager) Suspend(snap Snapshot) error {
	if m.state != StateConnected {
		return invalid("suspend", m.state)
	}
	if m.opts.Store == nil {
		return errors.New("suspend: no session store")
	}
	blob, err := sealCredentials(m.opts.Sealer, m.creds)
	if err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	sess := storage.SerializedSession{
		Domain:      m.bound.Domain(),
		Local:       m.bound.Local(),
		Resource:    m.bound.Resource(),
		Credentials: blob,
		SavedAt:     m.opts.Clock.Now(),
		Show:        string(snap.Own.Show),
		Status:      snap.Own.Status,
		Priority:    snap.Own.Priority,
		Rooms:       snap.Rooms,
	}
	if err := m.opts.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	m.logout(false)
	m.bound = address.Address{}
	m.setState(StateSuspended)
	m.log.Info("Session suspended")
	return nil
}

// Resume restores a persisted session at process start. It returns false
// with a nil error when nothing is stored, and ErrResumeExpired when the
// stored session is too old; in both cases the caller falls back to a
// normal login. restore runs before the connect so the host can rebuild
// rooms and own presence.
func (m *Manager) Resume(restore func(storage.SerializedSession)) (bool, error) {
	if m.state != StateDisconnected && m.state != StateSuspended {
		return false, invalid("resume", m.state)
	}
	if m.opts.Store == nil {
		return false, nil
	}
	sess, err := m.opts.Store.LoadSession()
	if err != nil {
		return false, fmt.Errorf("resume: %w", err)
	}
	if sess == nil {
		return false, nil
	}
	if !sess.Resumable(m.opts.Clock.Now(), m.opts.MaxResumeWindow) {
		m.log.Info("Stored session expired")
		if cerr := m.clearStored(); cerr != nil {
			m.log.Warn("Failed to clear session: %v", cerr)
		}
		return false, errs.ErrResumeExpired
	}
	creds, err := openCredentials(m.opts.Sealer, sess.Credentials)
	if err != nil {
		if cerr := m.clearStored(); cerr != nil {
			m.log.Warn("Failed to clear session: %v", cerr)
		}
		return false, fmt.Errorf("resume: %w", err)
	}
	if sess.Resource != "" && creds.Address.IsBare() {
		if full, err := creds.Address.WithResource(sess.Resource); err == nil {
			creds.Address = full
		}
	}

	m.creds = creds
	m.hasCreds = true
	if m.state != StateSuspended {
		m.setState(StateSuspended)
	}
	if restore != nil {
		restore(*sess)
	}
	m.resuming = true
	m.connect(true)
	return true, nil
}

func (m *Manager) abortAttempt() {
	m.stopCountdown()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.resuming = false
}

// logout closes the transport off the loop, first announcing unavailability
// when announce is set. A failed announcement does not stop the close.
func (m *Manager) logout(announce bool) {
	tr := m.opts.Transport
	m.enqueue(func() {
		if announce {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if _, err := tr.Send(ctx, presence.Offline()); err != nil {
				m.log.Debug("Unavailable presence not sent: %v", err)
			}
			cancel()
		}
		if err := tr.Close(); err != nil {
			m.log.Debug("Transport close: %v", err)
		}
	})
}

func (m *Manager) clearStored() error {
	if m.opts.Store == nil {
		return nil
	}
	return m.opts.Store.ClearSession()
}

func (m *Manager) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.Info("Session %s -> %s", from, to)
	if m.hooks.StateChanged != nil {
		m.hooks.StateChanged(from, to)
	}
}
