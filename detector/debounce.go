package detector

import (
	"sync"
	"time"
)

// Timer is the slice of *time.Timer the debouncer needs, extracted so tests
// can drive the quiet-period window with a fake clock.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

// Clock creates timers. The default implementation delegates to the time
// package.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Debouncer coalesces qualifying changes per environment: the first change
// arms a quiet-period timer, every further change resets it, and the
// recompose callback fires once when the window elapses with no further
// changes. A burst of N changes to one environment yields exactly one fire.
//
// Each environment is a tagged state machine: idle (no timer) or pending
// (armed timer). All transitions happen under the mutex.
type Debouncer struct {
	window time.Duration
	clock  Clock
	fire   func(environment string)

	mu      sync.Mutex
	pending map[string]Timer
	stopped bool
}

// NewDebouncer creates a debouncer that invokes fire once per settled burst
func NewDebouncer(window time.Duration, fire func(environment string)) *Debouncer {
	return newDebouncerWithClock(window, fire, realClock{})
}

func newDebouncerWithClock(window time.Duration, fire func(environment string), clock Clock) *Debouncer {
	return &Debouncer{
		window:  window,
		clock:   clock,
		fire:    fire,
		pending: make(map[string]Timer),
	}
}

// Mark records a qualifying change for an environment, arming or resetting
// its quiet-period timer.
func (d *Debouncer) Mark(environment string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if timer, ok := d.pending[environment]; ok {
		timer.Reset(d.window)
		return
	}
	d.pending[environment] = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.pending, environment)
		d.mu.Unlock()
		d.fire(environment)
	})
}

// Pending reports whether an environment has an armed timer
func (d *Debouncer) Pending(environment string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[environment]
	return ok
}

// Stop cancels all armed timers. Marks after Stop are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for env, timer := range d.pending {
		timer.Stop()
		delete(d.pending, env)
	}
}
