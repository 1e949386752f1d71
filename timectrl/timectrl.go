package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Every core
// component reads time through it so that a whole multi-node run can be
// driven by a single virtual clock.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how a run maps simulation time onto wall-clock time.
type Mode int

const (
	// RealTime paces the simulation so that simulated seconds take wall seconds.
	RealTime Mode = iota
	// Accelerated advances from one event to the next without waiting.
	Accelerated
)

func (m Mode) String() string {
	if m == RealTime {
		return "real-time"
	}
	return "accelerated"
}

// VirtualClock is a SimClock that only moves when the simulation driver
// advances it. Time is monotonic: Set ignores attempts to go backwards.
type VirtualClock struct {
	mu    sync.RWMutex
	start time.Time
	now   time.Time

	listeners []func(time.Time)
}

// NewVirtualClock constructs a clock positioned at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{start: start, now: start}
}

// Now returns the current simulation time. Implements SimClock.
func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Elapsed returns the simulated time since the clock was created.
func (c *VirtualClock) Elapsed() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now.Sub(c.start)
}

// Set moves the clock to t and notifies listeners. It reports whether the
// clock moved.
func (c *VirtualClock) Set(t time.Time) bool {
	c.mu.Lock()
	if !t.After(c.now) {
		c.mu.Unlock()
		return false
	}
	c.now = t
	listeners := append([]func(time.Time){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return true
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// AddListener registers a callback invoked every time the clock moves.
func (c *VirtualClock) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Pacer throttles a simulation so that simulated time never runs ahead of
// wall-clock time in RealTime mode. In Accelerated mode Wait returns at once.
type Pacer struct {
	Mode Mode

	wallStart time.Time
	simStart  time.Time
	sleep     func(time.Duration)
	wallNow   func() time.Time
}

// NewPacer constructs a pacer anchored at the simulation start time.
func NewPacer(mode Mode, simStart time.Time) *Pacer {
	return &Pacer{
		Mode:      mode,
		wallStart: time.Now(),
		simStart:  simStart,
		sleep:     time.Sleep,
		wallNow:   time.Now,
	}
}

// Wait blocks until wall-clock time has caught up with simTime.
func (p *Pacer) Wait(simTime time.Time) {
	if p == nil || p.Mode != RealTime {
		return
	}
	target := simTime.Sub(p.simStart)
	if behind := target - p.wallNow().Sub(p.wallStart); behind > 0 {
		p.sleep(behind)
	}
}
