// Package simtest provides an outbox and a virtual-time harness for
// component tests that run without a message fabric.
package simtest

import (
	"context"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
	"github.com/signalsfoundry/gsn-simulator/timectrl"
)

// Epoch is the virtual start time of every harness.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Sent is one captured envelope.
type Sent struct {
	To   model.NodeID
	Body msg.Body
}

// Outbox is a msg.Sender that records instead of delivering.
type Outbox struct {
	sent []Sent
}

// Send implements msg.Sender.
func (o *Outbox) Send(_ context.Context, to model.NodeID, body msg.Body) {
	o.sent = append(o.sent, Sent{To: to, Body: body})
}

// Take returns and clears everything captured so far.
func (o *Outbox) Take() []Sent {
	out := o.sent
	o.sent = nil
	return out
}

// Len returns the number of captured envelopes.
func (o *Outbox) Len() int { return len(o.sent) }

// Of returns the captured bodies of type T, in send order, without clearing.
func Of[T msg.Body](o *Outbox) []T {
	var out []T
	for _, s := range o.sent {
		if b, ok := s.Body.(T); ok {
			out = append(out, b)
		}
	}
	return out
}

// Env is a single-node scheduler and timer service on a virtual clock.
type Env struct {
	Ctx    context.Context
	Clock  *timectrl.VirtualClock
	Sched  sched.EventScheduler
	Timers *timer.Service
	Out    *Outbox
}

// NewEnv returns a harness positioned at Epoch.
func NewEnv() *Env {
	ctx := context.Background()
	clock := timectrl.NewVirtualClock(Epoch)
	s := sched.NewEventScheduler(clock)
	return &Env{
		Ctx:    ctx,
		Clock:  clock,
		Sched:  s,
		Timers: timer.NewService(ctx, s, nil),
		Out:    &Outbox{},
	}
}

// Advance runs every event due within d, in timestamp order.
func (e *Env) Advance(d time.Duration) {
	target := e.Clock.Now().Add(d)
	for {
		next, ok := e.Sched.NextAt()
		if !ok || next.After(target) {
			break
		}
		e.Clock.Set(next)
		e.Sched.RunDue()
	}
	e.Clock.Set(target)
}
