package expresslane

import "time"

// DefaultBackoffSchedule is the handshake retransmit schedule from
// spec.md §4.3: five attempts before the caller gives up on Expresslane and
// falls back to the control-plane TLS/DTLS path permanently for the
// session's lifetime.
var DefaultBackoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// Backoff walks a fixed retransmit schedule and reports when the caller
// should give up. It holds no timers itself; ConnectionManager drives it
// from the session's own tick events so all retransmit decisions happen on
// the session's single task, per spec.md §5.
type Backoff struct {
	schedule []time.Duration
	attempt  int
	deadline time.Time
	now      func() time.Time
}

// NewBackoff creates a Backoff over schedule. A nil schedule uses
// DefaultBackoffSchedule.
func NewBackoff(schedule []time.Duration) *Backoff {
	if schedule == nil {
		schedule = DefaultBackoffSchedule
	}
	return &Backoff{schedule: schedule, now: time.Now}
}

// Start arms the first retransmit deadline.
func (b *Backoff) Start() {
	b.attempt = 0
	b.deadline = b.now().Add(b.schedule[0])
}

// Due reports whether the current deadline has passed.
func (b *Backoff) Due() bool {
	return !b.deadline.IsZero() && !b.now().Before(b.deadline)
}

// Exhausted reports whether every attempt in the schedule has fired.
func (b *Backoff) Exhausted() bool {
	return b.attempt >= len(b.schedule)
}

// Advance records that a retransmit just fired and arms the next deadline,
// or marks the schedule exhausted if this was the last attempt.
func (b *Backoff) Advance() {
	b.attempt++
	if b.Exhausted() {
		b.deadline = time.Time{}
		return
	}
	b.deadline = b.now().Add(b.schedule[b.attempt])
}

// Attempt returns the 1-based index of the retransmit about to fire.
func (b *Backoff) Attempt() int { return b.attempt + 1 }
