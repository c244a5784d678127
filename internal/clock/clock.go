// Package clock injects time and randomness so request timeouts, queue
// backoff, and expired-table cleanup are deterministic under test. It
// follows the small-interface-plus-real-implementation pattern used
// elsewhere in this module for swappable collaborators.
package clock

// file: internal/clock/clock.go

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time.Now and timer creation.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d and returns a handle that can
	// cancel it. Mirrors time.AfterFunc so the real implementation is a
	// one-line forward.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal handle the kernel needs: cancellation. Modeled after
// *time.Timer.Stop but returned as an interface so fakes can be substituted.
type Timer interface {
	// Stop cancels the timer. Returns false if the timer already fired or
	// was already stopped, matching time.Timer.Stop's contract.
	Stop() bool
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc schedules f on a real timer.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Group tracks every timer created through it so a node can cancel them all
// at once on shutdown: every timer belongs to a node-level timer group that
// is released when the node shuts down.
type Group struct {
	clock Clock

	mu     sync.Mutex
	timers map[*groupTimer]struct{}
	closed bool
}

// NewGroup creates a timer group backed by clk. A nil clk uses Real{}.
func NewGroup(clk Clock) *Group {
	if clk == nil {
		clk = Real{}
	}
	return &Group{clock: clk, timers: make(map[*groupTimer]struct{})}
}

// Now returns the group's clock's current time, so callers needn't hold a
// separate Clock reference purely to compute elapsed durations.
func (g *Group) Now() time.Time {
	return g.clock.Now()
}

type groupTimer struct {
	group *Group
	inner Timer
}

func (t *groupTimer) Stop() bool {
	t.group.mu.Lock()
	delete(t.group.timers, t)
	t.group.mu.Unlock()
	return t.inner.Stop()
}

// AfterFunc schedules f after d, tracked by the group. If the group has
// already been released, f is never scheduled and a no-op Timer is returned.
func (g *Group) AfterFunc(d time.Duration, f func()) Timer {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return noopTimer{}
	}
	gt := &groupTimer{group: g}
	g.timers[gt] = struct{}{}
	g.mu.Unlock()

	gt.inner = g.clock.AfterFunc(d, func() {
		g.mu.Lock()
		delete(g.timers, gt)
		g.mu.Unlock()
		f()
	})
	return gt
}

// Release stops every outstanding timer in the group and prevents new ones
// from being scheduled. Called once, on node shutdown.
func (g *Group) Release() {
	g.mu.Lock()
	g.closed = true
	timers := make([]*groupTimer, 0, len(g.timers))
	for t := range g.timers {
		timers = append(timers, t)
	}
	g.timers = make(map[*groupTimer]struct{})
	g.mu.Unlock()

	for _, t := range timers {
		t.inner.Stop()
	}
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }

// Jitter returns a pseudo-random float64 in [-spread, +spread]. Used by
// internal/retry for backoff jitter. Package-level rand is adequate: this
// is scheduling jitter, not a security primitive.
func Jitter(spread float64) float64 {
	return (rand.Float64()*2 - 1) * spread
}
