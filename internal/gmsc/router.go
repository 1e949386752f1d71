// Package gmsc implements the remote-switch router. Every call crosses it as
// two leg records: the originating leg under the caller and the terminating
// leg under the callee, keyed by the caller as its peer. The router locates
// the callee through the location directory and relays call control between
// the two switches.
package gmsc

import (
	"cmp"
	"context"
	"slices"

	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// Locator resolves the serving node of a subscriber.
type Locator interface {
	Query(ctx context.Context, imsi model.IMSI, done hlr.Done)
}

// Metrics records routed calls. Implementations must be nil-safe.
type Metrics interface {
	CallOutcome(origin, result string)
}

type nopMetrics struct{}

func (nopMetrics) CallOutcome(string, string) {}

type origKey struct {
	imsi model.IMSI
	ti   model.TI
}

type termKey struct {
	imsi model.IMSI
	peer model.IMSI
}

type leg struct {
	imsi model.IMSI
	ti   model.TI
	// sw is the switch serving this leg's subscriber; empty while the callee
	// is being located.
	sw model.NodeID
}

type record struct {
	id   model.CallID
	orig leg
	term leg
}

// Leg is a copy of one routed call as the router sees it.
type Leg struct {
	CallID       model.CallID
	Caller       model.IMSI
	CallerTI     model.TI
	CallerSwitch model.NodeID
	Callee       model.IMSI
	CalleeTI     model.TI
	CalleeSwitch model.NodeID
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the call recorder.
func WithMetrics(m Metrics) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Router is the remote-switch router of a gateway switch node.
type Router struct {
	send    msg.Sender
	loc     Locator
	log     logging.Logger
	metrics Metrics

	orig map[origKey]*record
	term map[termKey]*record
}

// NewRouter builds a router.
func NewRouter(send msg.Sender, loc Locator, opts ...Option) *Router {
	r := &Router{
		send:    send,
		loc:     loc,
		log:     logging.Noop(),
		metrics: nopMetrics{},
		orig:    make(map[origKey]*record),
		term:    make(map[termKey]*record),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logging.Component("gmsc"))
	return r
}

// Calls returns every routed call ordered by call id.
func (r *Router) Calls() []Leg {
	out := make([]Leg, 0, len(r.orig))
	for _, rec := range r.orig {
		out = append(out, Leg{
			CallID:       rec.id,
			Caller:       rec.orig.imsi,
			CallerTI:     rec.orig.ti,
			CallerSwitch: rec.orig.sw,
			Callee:       rec.term.imsi,
			CalleeTI:     rec.term.ti,
			CalleeSwitch: rec.term.sw,
		})
	}
	slices.SortFunc(out, func(a, b Leg) int { return cmp.Compare(a.CallID, b.CallID) })
	return out
}

// Len returns the number of leg records held, two per routed call.
func (r *Router) Len() int { return len(r.orig) + len(r.term) }

// Handle processes an inter-switch envelope.
func (r *Router) Handle(ctx context.Context, from model.NodeID, s *msg.Switch) outcome.Outcome {
	if s.Kind == msg.SwitchCallSetup {
		return r.setup(ctx, from, s)
	}
	if rec, ok := r.orig[origKey{s.IMSI, s.TI}]; ok && rec.orig.sw == from && rec.term.imsi == s.Peer {
		return r.relay(ctx, rec, s, &rec.term, &rec.orig)
	}
	if rec, ok := r.term[termKey{s.IMSI, s.Peer}]; ok && rec.id == s.CallID {
		// The terminating switch allocates its TI; learn it from the first
		// message it sends.
		if rec.term.ti == 0 {
			rec.term.ti = s.TI
		}
		if rec.term.sw == "" {
			rec.term.sw = from
		}
		return r.relay(ctx, rec, s, &rec.orig, &rec.term)
	}
	r.log.Debug(ctx, "switch message without call", logging.IMSI(s.IMSI), logging.Stringer("kind", s.Kind), logging.Node(from))
	return outcome.Discarded("no call record")
}

func (r *Router) setup(ctx context.Context, from model.NodeID, s *msg.Switch) outcome.Outcome {
	ok := origKey{s.IMSI, s.TI}
	if _, dup := r.orig[ok]; dup {
		return outcome.Discarded("retransmitted CALL_SETUP")
	}
	tk := termKey{s.Peer, s.IMSI}
	if _, busy := r.term[tk]; busy {
		r.send.Send(ctx, from, &msg.Switch{
			Kind: msg.SwitchDisconnect, IMSI: s.IMSI, TI: s.TI, Peer: s.Peer, CallID: s.CallID, Cause: model.CauseRejected,
		})
		return outcome.Consumed()
	}
	rec := &record{
		id:   s.CallID,
		orig: leg{imsi: s.IMSI, ti: s.TI, sw: from},
		term: leg{imsi: s.Peer},
	}
	r.orig[ok] = rec
	r.term[tk] = rec
	r.log.Info(ctx, "routing call", logging.IMSI(s.IMSI), logging.String("callee", string(s.Peer)), logging.Uint64("call", uint64(s.CallID)))

	r.loc.Query(ctx, s.Peer, func(ctx context.Context, res hlr.Result) {
		r.located(ctx, rec, res)
	})
	return outcome.Consumed()
}

func (r *Router) located(ctx context.Context, rec *record, res hlr.Result) {
	if r.orig[origKey{rec.orig.imsi, rec.orig.ti}] != rec {
		// The caller cleared while the callee was being located.
		return
	}
	if !res.OK() || res.Node == "" {
		cause := res.Cause
		if cause.Accepted() {
			cause = model.CauseNoSuch
		}
		r.log.Info(ctx, "callee not located", logging.String("callee", string(rec.term.imsi)), logging.Stringer("cause", cause))
		r.send.Send(ctx, rec.orig.sw, &msg.Switch{
			Kind:   msg.SwitchDisconnect,
			IMSI:   rec.orig.imsi,
			TI:     rec.orig.ti,
			Peer:   rec.term.imsi,
			CallID: rec.id,
			Cause:  cause,
		})
		r.metrics.CallOutcome("routed", "unreachable")
		r.remove(rec)
		return
	}
	rec.term.sw = res.Node
	r.send.Send(ctx, rec.term.sw, &msg.Switch{
		Kind:   msg.SwitchCallSetup,
		IMSI:   rec.term.imsi,
		Peer:   rec.orig.imsi,
		CallID: rec.id,
	})
	r.metrics.CallOutcome("routed", "delivered")
}

// relay passes s from one leg to the other, rewritten in the receiving
// switch's terms.
func (r *Router) relay(ctx context.Context, rec *record, s *msg.Switch, to, from *leg) outcome.Outcome {
	if to.sw == "" {
		if s.Kind == msg.SwitchDisconnect {
			r.remove(rec)
			return outcome.Consumed()
		}
		return outcome.Discarded("far leg not located")
	}
	r.send.Send(ctx, to.sw, &msg.Switch{
		Kind:   s.Kind,
		IMSI:   to.imsi,
		TI:     to.ti,
		Peer:   from.imsi,
		CallID: rec.id,
		Cause:  s.Cause,
	})
	if s.Kind == msg.SwitchDisconnect {
		r.remove(rec)
		r.log.Info(ctx, "call released", logging.Uint64("call", uint64(rec.id)), logging.Stringer("cause", s.Cause))
	}
	return outcome.Forwarded(to.sw)
}

func (r *Router) remove(rec *record) {
	delete(r.orig, origKey{rec.orig.imsi, rec.orig.ti})
	delete(r.term, termKey{rec.term.imsi, rec.orig.imsi})
}
