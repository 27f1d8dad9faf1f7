package engine

import "time"

// EventState is the debounce state of one monitored condition. The zero value
// is Idle.
type EventState struct {
	Active         bool      `json:"active"`
	CoolingDown    bool      `json:"cooling_down"`
	FirstActiveAt  time.Time `json:"first_active_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
}

func (s EventState) Idle() bool {
	return !s.Active && !s.CoolingDown
}

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseActive      Phase = "active"
	PhaseCoolingDown Phase = "cooling_down"
)

func (s EventState) Phase() Phase {
	switch {
	case s.Active:
		return PhaseActive
	case s.CoolingDown:
		return PhaseCoolingDown
	}
	return PhaseIdle
}

type Policy struct {
	ResendInterval time.Duration
	CooldownWindow time.Duration
}

// Decision is what one frame asks of the notifier and the clip writer.
type Decision struct {
	Notify         bool
	StartRecording bool
	StopRecording  bool
}

// Step advances s by one frame observed at now with the given detection
// count. It never blocks and never mutates shared state.
func Step(s EventState, now time.Time, count int, p Policy) (EventState, Decision) {
	var d Decision
	if count > 0 {
		if s.Idle() {
			s.Active = true
			s.FirstActiveAt = now
			s.LastActiveAt = now
			s.LastNotifiedAt = now
			d.Notify = true
			d.StartRecording = true
			return s, d
		}
		s.Active = true
		s.CoolingDown = false
		if now.After(s.LastActiveAt) {
			s.LastActiveAt = now
		}
		if elapsed(now, s.LastNotifiedAt) >= p.ResendInterval {
			s.LastNotifiedAt = now
			d.Notify = true
		}
		return s, d
	}
	if s.Idle() {
		return s, d
	}
	if elapsed(now, s.LastActiveAt) >= p.CooldownWindow {
		s.Active = false
		s.CoolingDown = false
		s.FirstActiveAt = time.Time{}
		s.LastActiveAt = time.Time{}
		d.StopRecording = true
		return s, d
	}
	s.Active = false
	s.CoolingDown = true
	return s, d
}

// elapsed clamps skewed clocks to zero.
func elapsed(now, since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return d
}
