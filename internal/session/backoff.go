package session

import "time"

// Reconnection schedule defaults: 5s, 10s, 15s ... capped at two minutes.
const (
	DefaultReconnectBase = 5
	DefaultReconnectStep = 5
	DefaultReconnectCap  = 120
)

// DelaySeconds is the countdown before reconnect attempt n (0-indexed).
func DelaySeconds(n int) int {
	return DefaultSchedule().DelaySeconds(n)
}

// Schedule is the reconnect backoff policy. It grows linearly and plateaus;
// the number of attempts is never capped.
type Schedule struct {
	Base int
	Step int
	Cap  int
}

// DefaultSchedule returns the 5 + 5n, max 120 schedule.
func DefaultSchedule() Schedule {
	return Schedule{Base: DefaultReconnectBase, Step: DefaultReconnectStep, Cap: DefaultReconnectCap}
}

// DelaySeconds returns min(Base + Step*n, Cap).
func (s Schedule) DelaySeconds(n int) int {
	if n < 0 {
		n = 0
	}
	if s.Step > 0 && n > (s.Cap-s.Base)/s.Step+1 {
		return s.Cap
	}
	d := s.Base + s.Step*n
	if d > s.Cap {
		return s.Cap
	}
	return d
}

// Delay is DelaySeconds as a duration.
func (s Schedule) Delay(n int) time.Duration {
	return time.Duration(s.DelaySeconds(n)) * time.Second
}
