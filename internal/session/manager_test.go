package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/session/sessiontest"
	"github.com/meszmate/roster/internal/storage"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

var (
	start   = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	account = address.MustParse("alice@example.com")
	bound   = address.MustParse("alice@example.com/roster")
)

type failure struct {
	err       error
	willRetry bool
}

type harness struct {
	m      *session.Manager
	clock  *sessiontest.Clock
	tr     *sessiontest.Transport
	store  *sessiontest.Store
	sealer *storage.Sealer

	states    []session.State
	ticks     []int
	connected []bool
	dropped   int
	failures  []failure
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var key [32]byte
	key[0] = 1
	h := &harness{
		clock:  sessiontest.NewClock(start),
		tr:     sessiontest.NewTransport(),
		store:  sessiontest.NewStore(),
		sealer: storage.NewSealer(key),
	}
	h.m = h.build(h.clock, nil)
	return h
}

func (h *harness) build(clock session.Clock, goFn func(func())) *session.Manager {
	m := session.NewManager(session.Options{
		Transport: h.tr,
		Store:     h.store,
		Sealer:    h.sealer,
		Clock:     clock,
		Go: func(f func()) {
			if goFn != nil {
				goFn(f)
				return
			}
			f()
		},
	})
	m.SetHooks(session.Hooks{
		StateChanged: func(_, to session.State) { h.states = append(h.states, to) },
		Tick:         func(n int) { h.ticks = append(h.ticks, n) },
		Connected:    func(_ address.Address, resuming bool) { h.connected = append(h.connected, resuming) },
		Dropped:      func(error) { h.dropped++ },
		ConnectFailed: func(err error, willRetry bool) {
			h.failures = append(h.failures, failure{err: err, willRetry: willRetry})
		},
	})
	return m
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.tr.Succeed(bound)
	require.NoError(t, h.m.StartConnect(session.Credentials{Address: account, Password: "secret"}))
	require.Equal(t, session.StateConnected, h.m.State())
}

func TestDelaySeconds(t *testing.T) {
	assert.Equal(t, 5, session.DelaySeconds(0))
	assert.Equal(t, 10, session.DelaySeconds(1))
	assert.Equal(t, 115, session.DelaySeconds(22))
	assert.Equal(t, 120, session.DelaySeconds(23))
	assert.Equal(t, 120, session.DelaySeconds(24))
	assert.Equal(t, 120, session.DelaySeconds(1<<40))
	assert.Equal(t, 5, session.DelaySeconds(-3))

	prev := 0
	for n := 0; n < 100; n++ {
		d := session.DelaySeconds(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 120)
		prev = d
	}
}

func TestScheduleCustom(t *testing.T) {
	s := session.Schedule{Base: 1, Step: 2, Cap: 6}
	assert.Equal(t, 1, s.DelaySeconds(0))
	assert.Equal(t, 5, s.DelaySeconds(2))
	assert.Equal(t, 6, s.DelaySeconds(3))
	assert.Equal(t, 6*time.Second, s.Delay(10))
}

func TestManualConnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	assert.Equal(t, []session.State{session.StateConnecting, session.StateConnected}, h.states)
	assert.Equal(t, []bool{false}, h.connected)
	assert.Equal(t, bound, h.m.Address())
	assert.Equal(t, 0, h.m.Attempts())
}

func TestManualConnectFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.tr.Fail(errors.New("connection refused"))
	require.NoError(t, h.m.StartConnect(session.Credentials{Address: account}))

	assert.Equal(t, session.StateDisconnected, h.m.State())
	require.Len(t, h.failures, 1)
	assert.ErrorIs(t, h.failures[0].err, errs.ErrTransport)
	assert.False(t, h.failures[0].willRetry)
	assert.Zero(t, h.clock.Pending())
}

func TestStartConnectRejectsBusyState(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	err := h.m.StartConnect(session.Credentials{Address: account})
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestDropCountsDownAndReconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.m.HandleTransportDrop(errors.New("eof"))
	assert.Equal(t, session.StateReconnecting, h.m.State())
	assert.Equal(t, 1, h.m.Attempts())
	assert.Equal(t, 1, h.dropped)
	assert.Equal(t, []int{5}, h.ticks)

	h.tr.Succeed(bound)
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, []int{5, 4, 3, 2, 1}, h.ticks)
	assert.Equal(t, session.StateReconnecting, h.m.State())

	h.clock.Advance(time.Second)
	assert.Equal(t, session.StateConnected, h.m.State())
	assert.Equal(t, 0, h.m.Attempts())
	assert.Equal(t, 2, h.tr.Connects())
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, []bool{false, false}, h.connected)
}

func TestFailedAutomaticAttemptBacksOff(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.m.HandleTransportDrop(errors.New("eof"))

	h.tr.Fail(errors.New("timeout"))
	h.clock.Advance(5 * time.Second)

	assert.Equal(t, session.StateReconnecting, h.m.State())
	assert.Equal(t, 2, h.m.Attempts())
	remaining, ok := h.m.Countdown()
	require.True(t, ok)
	assert.Equal(t, 10, remaining)
	require.Len(t, h.failures, 1)
	assert.True(t, h.failures[0].willRetry)

	h.tr.Fail(errors.New("timeout"))
	h.clock.Advance(10 * time.Second)
	remaining, _ = h.m.Countdown()
	assert.Equal(t, 15, remaining)
	assert.Equal(t, 3, h.m.Attempts())
}

func TestCancelDuringCountdown(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.m.HandleTransportDrop(errors.New("eof"))
	h.clock.Advance(2 * time.Second)

	require.NoError(t, h.m.CancelReconnect())
	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.store.Cleared())
	ticks := len(h.ticks)

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.tr.Connects())
	assert.Len(t, h.ticks, ticks)
}

// captureClock hands out timers whose callbacks can be invoked after Stop,
// simulating a callback already queued when the countdown is cancelled.
type captureClock struct {
	funcs []func()
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func (c *captureClock) Now() time.Time { return start }

func (c *captureClock) AfterFunc(_ time.Duration, f func()) session.Timer {
	c.funcs = append(c.funcs, f)
	return noopTimer{}
}

func TestCancelledCountdownNeverFires(t *testing.T) {
	h := newHarness(t)
	clock := &captureClock{}
	h.m = h.build(clock, nil)
	h.connect(t)
	h.m.HandleTransportDrop(errors.New("eof"))

	// Run the countdown down to its final second.
	for i := 0; i < 4; i++ {
		clock.funcs[len(clock.funcs)-1]()
	}
	last := clock.funcs[len(clock.funcs)-1]

	require.NoError(t, h.m.CancelReconnect())
	h.tr.Succeed(bound)
	last()

	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Equal(t, 1, h.tr.Connects())
}

func TestRetryNow(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.m.HandleTransportDrop(errors.New("eof"))

	h.tr.Succeed(bound)
	require.NoError(t, h.m.RetryNow())
	assert.Equal(t, session.StateConnected, h.m.State())
	assert.Zero(t, h.clock.Pending())

	assert.ErrorIs(t, h.m.RetryNow(), session.ErrInvalidTransition)
}

func TestAuthorizationDeniedNeverRetries(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.m.HandleTransportDrop(errors.New("eof"))

	h.tr.Fail(fmtAuth())
	h.clock.Advance(5 * time.Second)

	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Zero(t, h.clock.Pending())
	require.Len(t, h.failures, 1)
	assert.ErrorIs(t, h.failures[0].err, errs.ErrAuthorizationDenied)
	assert.False(t, h.failures[0].willRetry)
	assert.Equal(t, 1, h.store.Cleared())
}

func fmtAuth() error {
	return errors.Join(errs.ErrAuthorizationDenied, errors.New("not-authorized"))
}

func TestRequestDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.m.RequestDisconnect())
	assert.Equal(t, session.StateDisconnected, h.m.State())
	require.Len(t, h.tr.Sent(), 1)
	assert.Equal(t, presence.KindUnavailable, h.tr.Sent()[0].Kind)
	assert.Equal(t, 1, h.tr.Closes())

	// The transport's close callback arrives afterwards and must not
	// schedule a reconnect.
	h.m.HandleTransportDrop(errors.New("closed"))
	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Zero(t, h.clock.Pending())
}

func TestRequestDisconnectIgnoresSendFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.tr.FailSends(errors.New("broken pipe"))

	require.NoError(t, h.m.RequestDisconnect())
	assert.Equal(t, session.StateDisconnected, h.m.State())
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	snap := session.Snapshot{
		Own:   presence.Own{Show: presence.ShowAway, Status: "lunch", Priority: 5},
		Rooms: []storage.SavedRoom{{Address: "room@conf.example.com", Nickname: "alice"}},
	}
	require.NoError(t, h.m.Suspend(snap))
	assert.Equal(t, session.StateSuspended, h.m.State())
	assert.Empty(t, h.tr.Sent(), "suspend must not announce unavailability")

	h.clock.Advance(100 * time.Second)
	h.states = nil
	h.m = h.build(h.clock, nil)

	var restored storage.SerializedSession
	h.tr.Succeed(bound)
	ok, err := h.m.Resume(func(s storage.SerializedSession) { restored = s })
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []session.State{session.StateSuspended, session.StateConnecting, session.StateConnected}, h.states)
	assert.Equal(t, []bool{false, true}, h.connected)
	assert.Equal(t, "lunch", restored.Status)
	assert.Equal(t, int32(5), restored.Priority)
	require.Len(t, restored.Rooms, 1)

	creds, ok := h.m.Credentials()
	require.True(t, ok)
	assert.Equal(t, bound, creds.Address)
	assert.Equal(t, "secret", creds.Password)
	assert.False(t, h.m.Resuming())
}

func TestResumeExpired(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.m.Suspend(session.Snapshot{}))

	h.clock.Advance(301 * time.Second)
	h.m = h.build(h.clock, nil)
	ok, err := h.m.Resume(nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errs.ErrResumeExpired)
	assert.Equal(t, session.StateDisconnected, h.m.State())

	loaded, err := h.store.LoadSession()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestResumeNothingStored(t *testing.T) {
	h := newHarness(t)
	ok, err := h.m.Resume(nil)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, session.StateDisconnected, h.m.State())
}

func TestResumeFailureReconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.m.Suspend(session.Snapshot{}))
	h.m = h.build(h.clock, nil)

	h.tr.Fail(errors.New("unreachable"))
	ok, err := h.m.Resume(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session.StateReconnecting, h.m.State())
	assert.False(t, h.m.Resuming())
}

func TestSuspendRequiresSealer(t *testing.T) {
	h := newHarness(t)
	h.sealer = nil
	h.m = h.build(h.clock, nil)
	h.connect(t)
	assert.ErrorIs(t, h.m.Suspend(session.Snapshot{}), session.ErrNoSealer)
	assert.Equal(t, session.StateConnected, h.m.State())
}

func TestForget(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.m.Forget())

	assert.Equal(t, session.StateTerminated, h.m.State())
	assert.Equal(t, 1, h.store.Cleared())
	_, ok := h.m.Credentials()
	assert.False(t, ok)

	h.tr.Succeed(bound)
	require.NoError(t, h.m.StartConnect(session.Credentials{Address: account}))
	assert.Equal(t, session.StateConnected, h.m.State())
}

func TestStaleConnectResultIgnored(t *testing.T) {
	h := newHarness(t)
	var pending func()
	h.m = h.build(h.clock, func(f func()) { pending = f })

	h.tr.Succeed(bound)
	require.NoError(t, h.m.StartConnect(session.Credentials{Address: account}))
	assert.Equal(t, session.StateConnecting, h.m.State())

	require.NoError(t, h.m.RequestDisconnect())
	pending()
	assert.Zero(t, h.tr.Closes())
	pending()

	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Empty(t, h.connected)
	assert.Equal(t, 1, h.tr.Closes())
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t)
	err := h.m.Send(presence.Own{}.Broadcast())
	assert.ErrorIs(t, err, session.ErrInvalidTransition)

	h.connect(t)
	require.NoError(t, h.m.Send(presence.Own{}.Broadcast()))
	require.Len(t, h.tr.Sent(), 1)
}

func TestSendFailureIsNotReturned(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.tr.FailSends(errors.New("broken pipe"))
	assert.NoError(t, h.m.Send(presence.Own{}.Broadcast()))
	assert.Equal(t, session.StateConnected, h.m.State())
}

func TestTransportCallsRunInOrderOffTheCaller(t *testing.T) {
	h := newHarness(t)
	var queued []func()
	h.m = h.build(h.clock, func(f func()) { queued = append(queued, f) })

	h.tr.Succeed(bound)
	require.NoError(t, h.m.StartConnect(session.Credentials{Address: account}))
	require.Len(t, queued, 1)
	queued[0]()
	require.Equal(t, session.StateConnected, h.m.State())

	require.NoError(t, h.m.Send(presence.Own{Status: "here"}.Broadcast()))
	require.NoError(t, h.m.RequestDisconnect())
	assert.Equal(t, session.StateDisconnected, h.m.State())
	assert.Empty(t, h.tr.Sent())
	assert.Zero(t, h.tr.Closes())

	select {
	case <-h.m.Idle():
		t.Fatal("queued calls reported idle before running")
	default:
	}

	require.Len(t, queued, 3)
	queued[1]()
	queued[2]()

	sent := h.tr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "here", sent[0].Status)
	assert.Equal(t, presence.KindUnavailable, sent[1].Kind)
	assert.Equal(t, 1, h.tr.Closes())

	select {
	case <-h.m.Idle():
	default:
		t.Fatal("queued calls still pending")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", session.StateReconnecting.String())
	assert.Equal(t, "state(42)", session.State(42).String())
}
