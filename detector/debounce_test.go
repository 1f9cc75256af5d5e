package detector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives debounce timers manually
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.deadline = t.clock.now.Add(d)
	t.fired = false
	t.stopped = false
	return active
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fireRecorder struct {
	mu    sync.Mutex
	fires []string
}

func (r *fireRecorder) fire(environment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, environment)
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func TestDebouncerBurstFiresOnce(t *testing.T) {
	clock := newFakeClock()
	rec := &fireRecorder{}
	d := newDebouncerWithClock(3*time.Second, rec.fire, clock)

	// N near-simultaneous changes to distinct subgraphs of one environment
	for i := 0; i < 10; i++ {
		d.Mark("prod")
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 0, rec.count(), "nothing fires inside the quiet window")
	assert.True(t, d.Pending("prod"))

	clock.Advance(3 * time.Second)
	assert.Equal(t, 1, rec.count(), "a settled burst fires exactly once")
	assert.False(t, d.Pending("prod"))
}

func TestDebouncerTimerResetsOnEachChange(t *testing.T) {
	clock := newFakeClock()
	rec := &fireRecorder{}
	d := newDebouncerWithClock(3*time.Second, rec.fire, clock)

	d.Mark("prod")
	clock.Advance(2 * time.Second)
	d.Mark("prod") // resets the window with 1s left
	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, rec.count(), "window restarted by the second change")

	clock.Advance(time.Second)
	assert.Equal(t, 1, rec.count())
}

func TestDebouncerEnvironmentsIndependent(t *testing.T) {
	clock := newFakeClock()
	rec := &fireRecorder{}
	d := newDebouncerWithClock(3*time.Second, rec.fire, clock)

	d.Mark("prod")
	d.Mark("staging")
	clock.Advance(3 * time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{"prod", "staging"}, rec.fires)
}

func TestDebouncerRefiresAfterSettledBurst(t *testing.T) {
	clock := newFakeClock()
	rec := &fireRecorder{}
	d := newDebouncerWithClock(3*time.Second, rec.fire, clock)

	d.Mark("prod")
	clock.Advance(3 * time.Second)
	d.Mark("prod")
	clock.Advance(3 * time.Second)
	assert.Equal(t, 2, rec.count(), "separate bursts fire separately")
}

func TestDebouncerStopCancelsTimers(t *testing.T) {
	clock := newFakeClock()
	rec := &fireRecorder{}
	d := newDebouncerWithClock(3*time.Second, rec.fire, clock)

	d.Mark("prod")
	d.Stop()
	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, rec.count())

	d.Mark("prod") // marks after stop are ignored
	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, rec.count())
}
