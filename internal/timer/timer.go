// Package timer implements the node-scoped timer and bounded-retry framework.
//
// A timer is armed with a typed Payload and yields a Handle. Handles are
// derived from monotonically increasing scheduler IDs, so a handle can never
// be reissued. Expiry handlers must still check that the owning context exists,
// that it stores the firing handle, and that it is in the state the timer
// guards, before acting.
package timer

import (
	"context"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/sched"
)

// Handle identifies one armed timer. The zero Handle is never armed.
type Handle struct {
	id sched.EventID
}

// Armed reports whether h refers to a timer that was started.
func (h Handle) Armed() bool { return h.id != 0 }

// ID exposes the underlying identifier for logging.
func (h Handle) ID() uint64 { return uint64(h.id) }

// ExpiryFunc receives every timer expiry of a node.
type ExpiryFunc func(ctx context.Context, h Handle, p Payload)

// ExpiryRecorder counts expiries per kind. Implementations must be nil-safe.
type ExpiryRecorder interface {
	TimerExpired(kind string)
}

// Service arms and cancels timers on a node's event scheduler.
type Service struct {
	ctx      context.Context
	sched    sched.EventScheduler
	live     map[Handle]Payload
	onExpiry ExpiryFunc
	recorder ExpiryRecorder
}

// NewService constructs a timer service. ctx is passed to every expiry
// callback; it normally carries the node logger and tracing state.
func NewService(ctx context.Context, s sched.EventScheduler, rec ExpiryRecorder) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Service{
		ctx:      ctx,
		sched:    s,
		live:     make(map[Handle]Payload),
		recorder: rec,
	}
}

// SetExpiry installs the node's expiry dispatcher. It must be called once
// during node assembly, before any timer can fire.
func (s *Service) SetExpiry(fn ExpiryFunc) {
	s.onExpiry = fn
}

// Start arms a timer that fires after d.
func (s *Service) Start(d time.Duration, p Payload) Handle {
	var h Handle
	h.id = s.sched.Schedule(s.sched.Now().Add(d), func() { s.fire(h) })
	s.live[h] = p
	return h
}

// Stop cancels h. Stopping an expired, stopped or zero handle is a no-op.
func (s *Service) Stop(h Handle) bool {
	if !h.Armed() {
		return false
	}
	if _, ok := s.live[h]; !ok {
		return false
	}
	delete(s.live, h)
	return s.sched.Cancel(h.id)
}

// Restart stops h and arms a fresh timer with the same payload.
func (s *Service) Restart(h Handle, d time.Duration) Handle {
	p, ok := s.live[h]
	if !ok {
		return Handle{}
	}
	s.Stop(h)
	return s.Start(d, p)
}

// Active reports whether h is armed and has neither fired nor been stopped.
func (s *Service) Active(h Handle) bool {
	_, ok := s.live[h]
	return ok
}

// Live returns the number of armed timers.
func (s *Service) Live() int { return len(s.live) }

func (s *Service) fire(h Handle) {
	p, ok := s.live[h]
	if !ok {
		return
	}
	delete(s.live, h)
	if s.recorder != nil {
		s.recorder.TimerExpired(p.Kind().String())
	}
	if s.onExpiry != nil {
		s.onExpiry(s.ctx, h, p)
	}
}

// Retry counts expiries of one confirmation timer against a bound. With a
// bound of N the procedure retransmits on the first N expiries and aborts on
// expiry N+1.
type Retry struct {
	Count int
	Max   int
}

// NewRetry returns a counter bounded by max retransmissions.
func NewRetry(max int) Retry { return Retry{Max: max} }

// Expire records one expiry and reports whether a retransmission is allowed.
func (r *Retry) Expire() bool {
	r.Count++
	return r.Count <= r.Max
}

// Exhausted reports whether the bound has been exceeded.
func (r Retry) Exhausted() bool { return r.Count > r.Max }

// Reset clears the counter for a new procedure step.
func (r *Retry) Reset() { r.Count = 0 }
