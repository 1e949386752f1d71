package sim

import (
	"context"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/observability"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/timectrl"
)

// Driver advances the shared virtual clock from one due event to the next
// and runs every scheduler at each instant. Nodes never run concurrently.
type Driver struct {
	clock   *timectrl.VirtualClock
	pacer   *timectrl.Pacer
	metrics *observability.SchedulerCollector
	scheds  []sched.EventScheduler
}

// NewDriver builds a driver over clock. pacer and metrics may be nil.
func NewDriver(clock *timectrl.VirtualClock, pacer *timectrl.Pacer, metrics *observability.SchedulerCollector) *Driver {
	return &Driver{clock: clock, pacer: pacer, metrics: metrics}
}

// Add registers a scheduler. Schedulers run in registration order within one
// instant.
func (d *Driver) Add(s sched.EventScheduler) { d.scheds = append(d.scheds, s) }

// Now returns the virtual time.
func (d *Driver) Now() time.Time { return d.clock.Now() }

// Pending returns the number of queued events across every scheduler.
func (d *Driver) Pending() int {
	n := 0
	for _, s := range d.scheds {
		n += s.Pending()
	}
	return n
}

// Step runs every event due at the earliest pending instant and reports
// that instant. It returns false when nothing is queued.
func (d *Driver) Step() (time.Time, int, bool) {
	next, ok := d.next()
	if !ok {
		return time.Time{}, 0, false
	}
	d.pacer.Wait(next)
	d.clock.Set(next)

	began := time.Now()
	ran := 0
	for _, s := range d.scheds {
		ran += s.RunDue()
	}
	d.metrics.ObserveStep(time.Since(began), ran)
	d.metrics.SetPending(d.Pending())
	d.metrics.SetElapsed(d.clock.Elapsed())
	return d.clock.Now(), ran, true
}

// RunUntil steps until the next event lies after end, then parks the clock
// at end. It returns the number of events run.
func (d *Driver) RunUntil(ctx context.Context, end time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		next, ok := d.next()
		if !ok || next.After(end) {
			break
		}
		_, ran, _ := d.Step()
		total += ran
	}
	d.clock.Set(end)
	d.metrics.SetElapsed(d.clock.Elapsed())
	return total, nil
}

func (d *Driver) next() (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, s := range d.scheds {
		at, ok := s.NextAt()
		if ok && (!found || at.Before(best)) {
			best, found = at, true
		}
	}
	return best, found
}
