package sched

import (
	"testing"
	"time"

	"github.com/signalsfoundry/gsn-simulator/timectrl"
)

func TestEventScheduler_SingleEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewVirtualClock(start)
	s := NewEventScheduler(clock)

	var counter int
	t1 := start.Add(10 * time.Second)
	id := s.Schedule(t1, func() { counter++ })
	if id == 0 {
		t.Fatalf("Schedule returned zero ID")
	}

	s.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.Set(t1)
	if ran := s.RunDue(); ran != 1 {
		t.Fatalf("RunDue ran %d events, want 1", ran)
	}
	s.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after second RunDue (event should not run twice), got %d", counter)
	}
}

func TestEventScheduler_EqualTimestampsRunFIFO(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewVirtualClock(start)
	s := NewEventScheduler(clock)

	var order []string
	at := start.Add(time.Second)
	s.Schedule(at.Add(time.Second), func() { order = append(order, "late") })
	s.Schedule(at, func() { order = append(order, "a") })
	s.Schedule(at, func() { order = append(order, "b") })
	s.Schedule(at, func() { order = append(order, "c") })

	clock.Set(at.Add(time.Second))
	s.RunDue()

	want := []string{"a", "b", "c", "late"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventScheduler_CancelAndNextAt(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewVirtualClock(start)
	s := NewEventScheduler(clock)

	ran := false
	first := s.Schedule(start.Add(time.Second), func() { ran = true })
	s.Schedule(start.Add(5*time.Second), func() {})

	if !s.Cancel(first) {
		t.Fatalf("Cancel(first) = false, want true")
	}
	if s.Cancel(first) {
		t.Fatalf("second Cancel(first) = true, want false")
	}

	next, ok := s.NextAt()
	if !ok || !next.Equal(start.Add(5*time.Second)) {
		t.Fatalf("NextAt() = %v,%v, want %v,true", next, ok, start.Add(5*time.Second))
	}
	if got := s.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	clock.Set(start.Add(10 * time.Second))
	s.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
	if _, ok := s.NextAt(); ok {
		t.Fatalf("NextAt() reported an event on an empty queue")
	}
}

func TestEventScheduler_CallbackSchedulesSameInstant(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewVirtualClock(start)
	s := NewEventScheduler(clock)

	var hops int
	var hop func()
	hop = func() {
		hops++
		if hops < 3 {
			s.Schedule(clock.Now(), hop)
		}
	}
	s.Schedule(start, hop)

	if ran := s.RunDue(); ran != 3 {
		t.Fatalf("RunDue ran %d events, want 3", ran)
	}
}
