package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic clock for tests, grounded on the teacher's
// tests/unit/fakes.FakeClock.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake constructs a fake clock initialized to start (or the Unix epoch if
// zero).
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward and fires any timers/tickers whose
// deadline has passed.
func (f *Fake) Advance(delta time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(delta)
	now := f.now
	var fired []*fakeTimer
	for _, t := range f.timers {
		if !t.fired && !now.Before(t.deadline) {
			t.fired = true
			fired = append(fired, t)
		}
	}
	var tickersToFire []*fakeTicker
	for _, tk := range f.tickers {
		if !now.Before(tk.next) {
			tickersToFire = append(tickersToFire, tk)
			tk.next = tk.next.Add(tk.interval)
		}
	}
	f.mu.Unlock()

	for _, t := range fired {
		select {
		case t.ch <- now:
		default:
		}
	}
	for _, tk := range tickersToFire {
		select {
		case tk.ch <- now:
		default:
		}
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	t := f.NewTimer(d)
	return t.C()
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
		clock:    f,
	}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := &fakeTicker{
		ch:       make(chan time.Time, 1),
		next:     f.now.Add(d),
		interval: d,
		clock:    f,
	}
	f.tickers = append(f.tickers, tk)
	return tk
}

type fakeTimer struct {
	ch       chan time.Time
	deadline time.Time
	fired    bool
	clock    *Fake
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.fired
	t.fired = false
	t.deadline = t.clock.now.Add(d)
	return wasActive
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.fired
	t.fired = true
	return wasActive
}

type fakeTicker struct {
	ch       chan time.Time
	next     time.Time
	interval time.Duration
	clock    *Fake
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, tk := range t.clock.tickers {
		if tk == t {
			t.clock.tickers = append(t.clock.tickers[:i], t.clock.tickers[i+1:]...)
			break
		}
	}
}
