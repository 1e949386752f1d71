package sched

import (
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/gsn-simulator/timectrl"
)

// EventID identifies a scheduled callback. IDs increase monotonically for the
// lifetime of a scheduler and are never reused.
type EventID uint64

// EventScheduler is the time-ordered event queue owned by one simulated
// node. Message deliveries and timer expiries are both scheduled here, so a
// node observes every event in non-decreasing timestamp order.
type EventScheduler interface {
	// Schedule registers f to run at simulation time at. Events with equal
	// timestamps run in the order they were scheduled.
	Schedule(at time.Time, f func()) EventID

	// Cancel drops a scheduled event. It reports whether the event was still
	// pending; unknown or already-run IDs are a no-op.
	Cancel(id EventID) bool

	// Now returns the current simulation time of the underlying clock.
	Now() time.Time

	// NextAt returns the timestamp of the earliest pending event.
	NextAt() (time.Time, bool)

	// RunDue executes all events whose scheduled time is <= Now(), including
	// events scheduled by the callbacks themselves for the same instant.
	RunDue() int

	// Pending returns the number of events still queued.
	Pending() int
}

type scheduledEvent struct {
	id        EventID
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by when, then by id
	index   map[EventID]*scheduledEvent
}

// NewEventScheduler creates a scheduler backed by the given clock. In a
// multi-node run every node shares the driver's virtual clock but owns its
// own scheduler.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[EventID]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) EventID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduledEvent{
		id:   EventID(s.counter),
		when: at,
		f:    f,
	}
	s.addEventLocked(ev)
	s.index[ev.id] = ev
	return ev.id
}

// addEventLocked inserts ev after every event scheduled for the same or an
// earlier time. Caller must hold s.mu.
func (s *eventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *eventScheduler) Cancel(id EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return false
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue and NextAt skip cancelled events.
	return true
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCancelledHeadLocked()
	if len(s.events) == 0 {
		return time.Time{}, false
	}
	return s.events[0].when, true
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *eventScheduler) dropCancelledHeadLocked() {
	for len(s.events) > 0 && s.events[0].cancelled {
		s.events[0] = nil
		s.events = s.events[1:]
	}
}

// popDueLocked removes and returns the earliest live event due at now.
// Caller must hold s.mu.
func (s *eventScheduler) popDueLocked(now time.Time) *scheduledEvent {
	s.dropCancelledHeadLocked()
	if len(s.events) == 0 {
		return nil
	}
	ev := s.events[0]
	if ev.when.After(now) {
		return nil
	}
	s.events[0] = nil
	s.events = s.events[1:]
	delete(s.index, ev.id)
	return ev
}

func (s *eventScheduler) RunDue() int {
	ran := 0
	for {
		s.mu.Lock()
		ev := s.popDueLocked(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return ran
		}

		// Callbacks run outside the lock so they can schedule follow-up events.
		if ev.f != nil {
			ev.f()
		}
		ran++
	}
}
