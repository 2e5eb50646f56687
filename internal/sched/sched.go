// Package sched provides a small cancellable recurring-task primitive so
// periodic work (cache sweeps, alert ticks) shares one lifecycle model and
// tests can drive it with a manual clock.
package sched

import (
	"sync"
	"time"
)

// Clock abstracts time for recurring tasks.
type Clock interface {
	Now() time.Time
	Tick(d time.Duration) (<-chan time.Time, func())
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ManualClock is a test clock advanced explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
	ch  chan time.Time
}

// NewManualClock creates a manual clock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t, ch: make(chan time.Time, 64)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Tick(time.Duration) (<-chan time.Time, func()) {
	return c.ch, func() {}
}

// Advance moves the clock forward and delivers one tick.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.ch <- now
}

// Recurring runs fn on a fixed interval until stopped. A run always finishes
// before the next one is considered; ticks that arrive mid-run are dropped by
// the ticker, not queued.
type Recurring struct {
	interval time.Duration
	fn       func(now time.Time)
	clock    Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRecurring creates a recurring task. A nil clock means the wall clock.
func NewRecurring(interval time.Duration, clock Clock, fn func(now time.Time)) *Recurring {
	if clock == nil {
		clock = RealClock{}
	}
	return &Recurring{
		interval: interval,
		fn:       fn,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the task loop.
func (r *Recurring) Start() {
	go r.loop()
}

func (r *Recurring) loop() {
	defer close(r.doneCh)

	ticks, stop := r.clock.Tick(r.interval)
	defer stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticks:
			r.fn(now)
		}
	}
}

// Stop cancels the task and waits for an in-flight run to finish.
func (r *Recurring) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}
