package oracle

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so the round loop runs unchanged against wall-clock
// or logical simulated time.
type Clock interface {
	Now() time.Time
	// After fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
	// Sleep waits d (wall) or advances the clock by d (simulated).
	Sleep(ctx context.Context, d time.Duration) error
	// Advance moves simulated time forward; a no-op on the wall clock.
	Advance(d time.Duration)
	Simulated() bool
}

// WallClock is real time.
type WallClock struct{}

func (WallClock) Now() time.Time                         { return time.Now().UTC() }
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (WallClock) Advance(time.Duration)                  {}
func (WallClock) Simulated() bool                        { return false }

func (WallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SimEpoch is where simulated time starts.
var SimEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type simTimer struct {
	at time.Time
	ch chan time.Time
}

// SimClock is a logical clock moved only by Advance/Sleep.
type SimClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []simTimer
}

// NewSimClock starts a logical clock at SimEpoch.
func NewSimClock() *SimClock {
	return &SimClock{now: SimEpoch}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimClock) Simulated() bool { return true }

func (c *SimClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, simTimer{at: at, ch: ch})
	return ch
}

func (c *SimClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

func (c *SimClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Set jumps to t (used when resuming from a checkpoint).
func (c *SimClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
