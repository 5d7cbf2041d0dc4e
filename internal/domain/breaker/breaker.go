// Package breaker implements the per-upstream circuit breaker that guards
// the router against repeatedly calling a failing upstream.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state for one upstream.
type State int

const (
	// Closed admits all attempts.
	Closed State = iota
	// Open rejects all attempts until the open window elapses.
	Open
	// HalfOpen admits exactly one probe attempt at a time.
	HalfOpen
)

// String returns the canonical state name used in provider listings and metrics.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config controls breaker behavior. The zero value disables the breaker.
type Config struct {
	Enabled          bool
	FailureThreshold int
	OpenFor          time.Duration
}

// Snapshot is a point-in-time view of one upstream's breaker.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	// OpenedAt is zero unless the breaker has opened at least once and is
	// not currently closed.
	OpenedAt time.Time
	// OpenUntil is when the open window elapses; zero unless State is Open.
	OpenUntil time.Time
	// HalfOpenInFlight reports whether the single half-open probe slot is
	// taken.
	HalfOpenInFlight bool
}

type entry struct {
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker tracks circuit state per upstream name. Safe for concurrent use.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	now     func() time.Time
	// onTransition fires outside state decisions but under the lock order
	// guarantees of the caller; used to feed metrics and logs.
	onTransition func(name string, from, to State)
}

// New creates a breaker with the given config. onTransition may be nil.
func New(cfg Config, onTransition func(name string, from, to State)) *Breaker {
	return &Breaker{
		cfg:          cfg,
		entries:      make(map[string]*entry),
		now:          time.Now,
		onTransition: onTransition,
	}
}

// Allow reports whether an attempt against the named upstream may proceed.
// In half-open state only one in-flight probe is admitted; callers that get
// true MUST pair it with a Record call.
func (b *Breaker) Allow(name string) bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(name)
	switch e.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(e.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.transition(name, e, HalfOpen)
		e.probeInFlight = true
		return true
	default: // HalfOpen
		if e.probeInFlight {
			return false
		}
		e.probeInFlight = true
		return true
	}
}

// Record reports the outcome of an admitted attempt. Transport failures
// (ok=false) count toward opening; protocol-level errors from a responsive
// upstream are successes for breaker purposes.
func (b *Breaker) Record(name string, ok bool) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(name)
	if e.state == HalfOpen {
		e.probeInFlight = false
	}

	if ok {
		e.failures = 0
		if e.state != Closed {
			b.transition(name, e, Closed)
			e.openedAt = time.Time{}
		}
		return
	}

	switch e.state {
	case HalfOpen:
		// Failed probe reopens immediately and restarts the window.
		b.transition(name, e, Open)
		e.openedAt = b.now()
		e.failures = 0
	case Closed:
		e.failures++
		if e.failures >= b.cfg.FailureThreshold {
			b.transition(name, e, Open)
			e.openedAt = b.now()
			// The counter restarts on every transition into open; an open
			// breaker reports zero consecutive failures.
			e.failures = 0
		}
	}
}

// StateOf returns the current state for the named upstream, accounting for
// an elapsed open window (reported as half-open since the next attempt
// would be admitted as a probe).
func (b *Breaker) StateOf(name string) State {
	return b.SnapshotOf(name).State
}

// SnapshotOf returns a point-in-time view for one upstream.
func (b *Breaker) SnapshotOf(name string) Snapshot {
	if !b.cfg.Enabled {
		return Snapshot{State: Closed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[name]
	if !ok {
		return Snapshot{State: Closed}
	}
	state := e.state
	if state == Open && b.now().Sub(e.openedAt) >= b.cfg.OpenFor {
		state = HalfOpen
	}
	s := Snapshot{
		State:               state,
		ConsecutiveFailures: e.failures,
		OpenedAt:            e.openedAt,
		HalfOpenInFlight:    e.probeInFlight,
	}
	if state == Open {
		s.OpenUntil = e.openedAt.Add(b.cfg.OpenFor)
	}
	return s
}

// Forget drops state for upstreams no longer present in the config.
func (b *Breaker) Forget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, name)
}

func (b *Breaker) entry(name string) *entry {
	e, ok := b.entries[name]
	if !ok {
		e = &entry{state: Closed}
		b.entries[name] = e
	}
	return e
}

// transition must be called with the lock held.
func (b *Breaker) transition(name string, e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if b.onTransition != nil {
		b.onTransition(name, from, to)
	}
}
