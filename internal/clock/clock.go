// Package clock abstracts time so the same pipeline runs against wall-clock
// time live and a single-writer simulated clock in backtests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time in Unix milliseconds.
type Clock interface {
	NowMs() int64
}

// System is the wall clock.
type System struct{}

// NowMs returns time.Now in Unix milliseconds.
func (System) NowMs() int64 {
	return time.Now().UnixMilli()
}

// Sim is a deterministic clock that only moves when told to.
type Sim struct {
	mu    sync.Mutex
	nowMs int64
}

// NewSim creates a simulated clock starting at startMs.
func NewSim(startMs int64) *Sim {
	return &Sim{nowMs: startMs}
}

// NowMs returns the simulated time.
func (c *Sim) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *Sim) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.nowMs += d.Milliseconds()
	c.mu.Unlock()
}

// Set moves the clock to ms if ms is not in the past.
// Returns false when ms would move the clock backward.
func (c *Sim) Set(ms int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms < c.nowMs {
		return false
	}
	c.nowMs = ms
	return true
}

var (
	_ Clock = System{}
	_ Clock = (*Sim)(nil)
)
