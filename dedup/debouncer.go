package dedup

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Debouncer runs only the most recently scheduled action of a burst
type Debouncer struct {
	mu    sync.Mutex
	clock clock.Clock
	timer clock.Timer
	gen   uint64
	fired uint64
}

// NewDebouncer returns a Debouncer scheduling on clk (the wall clock if nil)
func NewDebouncer(clk clock.Clock) *Debouncer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Debouncer{clock: clk}
}

// Debounce cancels any pending action and schedules action to run after delay.
// A delay <= 0 runs action immediately on the calling goroutine.
func (d *Debouncer) Debounce(delay time.Duration, action func()) {
	gen, previous := d.next()
	if previous != nil {
		previous.Stop()
	}
	if delay <= 0 {
		action()
		return
	}
	// the clock is never called with d.mu held
	t := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.fired = gen
		d.timer = nil
		d.mu.Unlock()
		action()
	})
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		t.Stop()
		return
	}
	if d.fired != gen {
		d.timer = t
	}
	d.mu.Unlock()
}

// Pending reports whether an action is scheduled
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels the pending action, if any
func (d *Debouncer) Stop() {
	_, previous := d.next()
	if previous != nil {
		previous.Stop()
	}
}

func (d *Debouncer) next() (uint64, clock.Timer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	previous := d.timer
	d.timer = nil
	return d.gen, previous
}
