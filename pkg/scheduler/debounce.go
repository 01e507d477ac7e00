package scheduler

import (
	"sync"
	"time"
)

// Debouncer calls fn for a key once no Touch has happened for the quiet
// period. Each key has at most one pending call.
type Debouncer struct {
	quiet time.Duration
	fn    func(key string)

	mu      sync.Mutex
	pending map[string]*pendingCall
	gen     uint64
	stopped bool
}

type pendingCall struct {
	timer *time.Timer
	gen   uint64
}

// NewDebouncer creates a debouncer. fn runs on its own goroutine.
func NewDebouncer(quiet time.Duration, fn func(key string)) *Debouncer {
	return &Debouncer{
		quiet:   quiet,
		fn:      fn,
		pending: make(map[string]*pendingCall),
	}
}

// Touch (re)starts the quiet period for key
func (d *Debouncer) Touch(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.pending[key] = &pendingCall{
		gen:   gen,
		timer: time.AfterFunc(d.quiet, func() { d.fire(key, gen) }),
	}
}

// Cancel drops a pending call for key
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports whether a call for key is waiting
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop drops every pending call. Touch is a no-op afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen {
		// Superseded by a later Touch or cancelled
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.fn(key)
}
