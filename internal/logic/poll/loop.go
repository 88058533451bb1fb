// Package poll runs the single cooperative loop that owns all wheel and
// diffuser hardware access. Machines are ticked quickly while they have an
// operation pending and refreshed at a slower idle rate otherwise.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/filterwheel/internal/debug"
)

// ErrStopped is returned by Do when the loop is not running.
var ErrStopped = errors.New("poll loop stopped")

// Machine is a state machine advanced by the loop. All three methods are
// only ever called from the loop goroutine.
type Machine interface {
	// Active reports whether an operation is pending and needs fast ticks.
	Active() bool
	// Poll advances the pending operation.
	Poll(now time.Time)
	// Refresh updates cached sensor state while idle.
	Refresh(now time.Time)
}

type call struct {
	fn   func()
	done chan struct{}
}

// Loop serialises every machine tick and every externally requested call
// onto one goroutine, so no two hardware exchanges ever overlap.
type Loop struct {
	fast time.Duration
	idle time.Duration

	mu       sync.Mutex
	machines []Machine

	calls   chan call
	started chan struct{}
	done    chan struct{}
	once    sync.Once

	lastRefresh time.Time
}

// New creates a loop ticking every fast while any machine is active and
// every idle otherwise.
func New(fast, idle time.Duration) *Loop {
	if fast <= 0 {
		fast = 20 * time.Millisecond
	}
	if idle < fast {
		idle = fast
	}
	return &Loop{
		fast:    fast,
		idle:    idle,
		calls:   make(chan call),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add registers a machine. Machines added after Run are picked up on the
// next tick.
func (l *Loop) Add(m Machine) {
	l.mu.Lock()
	l.machines = append(l.machines, m)
	l.mu.Unlock()
}

func (l *Loop) snapshot() []Machine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Machine(nil), l.machines...)
}

func (l *Loop) active() bool {
	for _, m := range l.snapshot() {
		if m.Active() {
			return true
		}
	}
	return false
}

func (l *Loop) interval() time.Duration {
	if l.active() {
		return l.fast
	}
	return l.idle
}

// Tick runs one pass: active machines are polled, idle ones refreshed when
// the idle interval has elapsed. Run calls it; tests may call it directly
// when the loop is not running.
func (l *Loop) Tick(now time.Time) {
	refresh := now.Sub(l.lastRefresh) >= l.idle
	for _, m := range l.snapshot() {
		switch {
		case m.Active():
			m.Poll(now)
		case refresh:
			m.Refresh(now)
		}
	}
	if refresh {
		l.lastRefresh = now
	}
}

// Run drives the loop until ctx is cancelled. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	debug.Verbose("Poll loop started (fast=%v idle=%v)", l.fast, l.idle)
	close(l.started)
	defer l.once.Do(func() { close(l.done) })

	current := l.interval()
	timer := time.NewTimer(current)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			debug.Verbose("Poll loop stopped")
			return nil
		case c := <-l.calls:
			c.fn()
			close(c.done)
			// a call may have started an operation: switch to fast ticks now
			if next := l.interval(); next < current {
				current = next
				timer.Reset(current)
			}
		case now := <-timer.C:
			l.Tick(now)
			current = l.interval()
			timer.Reset(current)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case l.calls <- c:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-c.done
	return nil
}

// Started is closed once Run has begun.
func (l *Loop) Started() <-chan struct{} {
	return l.started
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
