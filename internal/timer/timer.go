// Package timer implements the per-session countdown / elapsed clock.
//
// A Timer moves idle → running → {expired, stopped}. Remaining or elapsed time
// only changes while running. Subscribers receive tick and expiry events; the
// timer never acts on expiry itself.
package timer

import (
	"errors"
	"sync"
	"time"
)

var ErrAlreadyStarted = errors.New("timer already started")

type Mode string

const (
	ModeCountdown Mode = "countdown"
	ModeElapsed   Mode = "elapsed"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateExpired State = "expired"
	StateStopped State = "stopped"
)

// Snapshot is the derived timer state. It is never persisted.
type Snapshot struct {
	Mode      Mode  `json:"mode"`
	State     State `json:"state"`
	Remaining int   `json:"remaining_seconds"`
	Elapsed   int   `json:"elapsed_seconds"`
	Running   bool  `json:"running"`
}

type EventKind string

const (
	EventTick    EventKind = "tick"
	EventExpired EventKind = "expired"
)

type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// Config controls how the timer is driven.
type Config struct {
	// Interval between ticks. Defaults to one second.
	Interval time.Duration
	// Manual disables the background ticker; callers drive the timer with Advance.
	Manual bool
}

type Timer struct {
	mu        sync.Mutex
	cfg       Config
	mode      Mode
	state     State
	remaining int
	elapsed   int
	done      chan struct{}

	subs    map[int]func(Event)
	nextSub int
}

func New(cfg Config) *Timer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Timer{
		cfg:   cfg,
		mode:  ModeElapsed,
		state: StateIdle,
		subs:  make(map[int]func(Event)),
	}
}

// Subscribe registers fn for tick and expiry events. Events are delivered
// without the timer's lock held, on the goroutine that advanced the timer.
func (t *Timer) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Start enters countdown mode when limitSeconds is non-nil, elapsed mode
// otherwise. A zero or negative limit expires immediately.
func (t *Timer) Start(limitSeconds *int) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}

	if limitSeconds != nil {
		t.mode = ModeCountdown
		t.remaining = max(*limitSeconds, 0)
	} else {
		t.mode = ModeElapsed
		t.elapsed = 0
	}
	t.state = StateRunning

	if t.mode == ModeCountdown && t.remaining == 0 {
		t.state = StateExpired
		snap, subs := t.snapshotLocked(), t.subscribersLocked()
		t.mu.Unlock()
		emit(subs, Event{Kind: EventExpired, Snapshot: snap})
		return nil
	}

	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	if !t.cfg.Manual {
		go t.run(done)
	}
	return nil
}

func (t *Timer) run(done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !t.Advance() {
				return
			}
		}
	}
}

// Advance performs exactly one tick. It returns false once the timer is no
// longer running, including when this tick caused expiry.
func (t *Timer) Advance() bool {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return false
	}

	expired := false
	switch t.mode {
	case ModeCountdown:
		t.remaining--
		if t.remaining <= 0 {
			t.remaining = 0
			t.state = StateExpired
			t.haltLocked()
			expired = true
		}
	case ModeElapsed:
		t.elapsed++
	}

	snap, subs := t.snapshotLocked(), t.subscribersLocked()
	t.mu.Unlock()

	emit(subs, Event{Kind: EventTick, Snapshot: snap})
	if expired {
		emit(subs, Event{Kind: EventExpired, Snapshot: snap})
	}
	return !expired
}

// Stop halts ticking. Calling it more than once, or after expiry, is a no-op.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateIdle, StateRunning:
		t.state = StateStopped
		t.haltLocked()
	}
}

// Snapshot returns the current timer state.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Timer) haltLocked() {
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
}

func (t *Timer) snapshotLocked() Snapshot {
	return Snapshot{
		Mode:      t.mode,
		State:     t.state,
		Remaining: t.remaining,
		Elapsed:   t.elapsed,
		Running:   t.state == StateRunning,
	}
}

func (t *Timer) subscribersLocked() []func(Event) {
	out := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		out = append(out, fn)
	}
	return out
}

func emit(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
