// Package sessiontest provides a fake clock and a scripted transport for
// driving the session manager in tests.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/storage"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

// Clock is a manually advanced session.Clock.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

type timer struct {
	c       *Clock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

// NewClock returns a clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{c: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have neither fired nor stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in order on the
// calling goroutine.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.when
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *Clock) nextDue(target time.Time) *timer {
	var next *timer
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if t.when.After(target) {
			continue
		}
		if next == nil || t.when.Before(next.when) {
			next = t
		}
	}
	c.timers = live
	return next
}

// ErrNotScripted is returned by Connect when no result was queued.
var ErrNotScripted = errors.New("sessiontest: no connect result scripted")

// Result is one scripted Connect outcome.
type Result struct {
	Bound address.Address
	Err   error
}

// Transport is a scripted session.Transport.
type Transport struct {
	mu       sync.Mutex
	results  []Result
	sent     []presence.Outbound
	connects int
	closes   int
	seq      int
	sendErr  error
}

// NewTransport returns a transport with no scripted results.
func NewTransport() *Transport {
	return &Transport{}
}

// Succeed queues a successful connect bound to full.
func (t *Transport) Succeed(full address.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, Result{Bound: full})
}

// Fail queues a failed connect.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, Result{Err: err})
}

// FailSends makes every Send return err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *Transport) Connect(ctx context.Context, creds session.Credentials) (address.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if len(t.results) == 0 {
		return address.Address{}, ErrNotScripted
	}
	r := t.results[0]
	t.results = t.results[1:]
	return r.Bound, r.Err
}

func (t *Transport) Send(ctx context.Context, p presence.Outbound) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.sent = append(t.sent, p)
	t.seq++
	return fmt.Sprintf("id-%d", t.seq), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

// Sent returns every presence sent so far.
func (t *Transport) Sent() []presence.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]presence.Outbound(nil), t.sent...)
}

// Connects returns the number of Connect calls.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Closes returns the number of Close calls.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Store is an in-memory storage.Store.
type Store struct {
	mu      sync.Mutex
	sess    *storage.SerializedSession
	cleared int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) LoadSession() (*storage.SerializedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, nil
	}
	cp := *s.sess
	return &cp, nil
}

func (s *Store) SaveSession(sess storage.SerializedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = &sess
	return nil
}

func (s *Store) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	s.cleared++
	return nil
}

// Cleared returns the number of ClearSession calls.
func (s *Store) Cleared() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}
