package reconcile

import (
	"sync"
	"time"
)

// Debouncer keeps at most one deferred task per key. Scheduling again
// cancels the previous task and restarts the delay.
type Debouncer struct {
	mu      sync.Mutex
	clock   Clock
	slots   map[string]*slot
	stopped bool
}

type slot struct {
	key   string
	timer Timer
	gen   uint64
}

// NewDebouncer creates a debouncer.
func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Debouncer{clock: clock, slots: make(map[string]*slot)}
}

// Schedule runs fn after delay unless another Schedule or Cancel for the
// same key comes first.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	s, ok := d.slots[key]
	if !ok {
		s = &slot{key: key}
		d.slots[key] = s
	} else if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.slots[s.key] != s || s.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.slots, s.key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the task for key. It reports whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[key]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(d.slots, key)
	return true
}

// Rekey moves the task scheduled under from to key to, keeping its
// deadline. A task already scheduled under to is newer and wins.
func (d *Debouncer) Rekey(from, to string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[from]
	if !ok || from == to {
		return
	}
	delete(d.slots, from)
	if _, taken := d.slots[to]; taken {
		s.timer.Stop()
		return
	}
	s.key = to
	d.slots[to] = s
}

// Pending reports whether a task is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.slots[key]
	return ok
}

// Stop cancels every task and refuses new ones.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, s := range d.slots {
		s.timer.Stop()
		delete(d.slots, key)
	}
}
