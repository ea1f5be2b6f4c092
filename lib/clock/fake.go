// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when the test calls Advance or
// Set. After channels and tickers fire synchronously inside Advance,
// before Advance returns, so tests never race against wall time.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	tickers []*fakeTicker
}

// waiter is a pending After or Sleep deadline.
type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

type fakeTicker struct {
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a Fake starting at a fixed, arbitrary instant. The
// starting instant is deliberately not time.Now() so tests that
// accidentally mix wall time with fake time fail loudly.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

var _ Clock = (*Fake)(nil)

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set jumps the clock to t without firing intermediate timers one at a
// time; all deadlines at or before t fire.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceTo(t)
}

// Advance moves the clock forward by d, firing every After channel and
// ticker whose deadline falls within the window, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceTo(f.now.Add(d))
}

// advanceTo fires deadlines in chronological order up to target.
// Callers hold f.mu.
func (f *Fake) advanceTo(target time.Time) {
	for {
		next, ok := f.nextDeadline(target)
		if !ok {
			break
		}
		f.now = next
		f.fireAt(next)
	}
	f.now = target
}

// nextDeadline finds the earliest pending deadline at or before
// target. Callers hold f.mu.
func (f *Fake) nextDeadline(target time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(t time.Time) {
		if t.After(target) {
			return
		}
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	for _, w := range f.waiters {
		consider(w.deadline)
	}
	for _, tk := range f.tickers {
		if !tk.stopped {
			consider(tk.next)
		}
	}
	return best, found
}

// fireAt delivers to every waiter and ticker due exactly at t.
// Callers hold f.mu.
func (f *Fake) fireAt(t time.Time) {
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.deadline.After(t) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- t
	}
	f.waiters = remaining

	for _, tk := range f.tickers {
		if tk.stopped || tk.next.After(t) {
			continue
		}
		select {
		case tk.ch <- t:
		default: // consumer behind: drop the tick, like time.Ticker
		}
		tk.next = tk.next.Add(tk.interval)
	}
}

// After returns a channel that receives when the fake clock reaches
// now+d. If d <= 0 the channel already holds a value.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.now.Add(d), ch: ch})
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	return ch
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker interval must be positive")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := &fakeTicker{
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, tk)
	return &Ticker{
		C: tk.ch,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			tk.stopped = true
		},
		resetFunc: func(nd time.Duration) {
			if nd <= 0 {
				panic("clock: Ticker.Reset interval must be positive")
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			tk.interval = nd
			tk.next = f.now.Add(nd)
			tk.stopped = false
		},
	}
}

// Sleep blocks until another goroutine advances the clock past now+d.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}
