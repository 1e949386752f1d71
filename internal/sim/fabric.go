// Package sim runs a complete multi-node core network on one virtual clock:
// the backbone fabric between nodes, the event driver, and scripted
// stand-ins for the radio access network and the packet data network.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrDuplicateEndpoint reports a second endpoint attached under one id.
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")
)

// Endpoint is anything with a backbone address: a core node, a controller
// stub or the packet data network.
type Endpoint interface {
	Deliver(ctx context.Context, env msg.Envelope) outcome.Outcome
	Scheduler() sched.EventScheduler
}

// Delivery is one envelope handed to its endpoint.
type Delivery struct {
	At       time.Time
	Envelope msg.Envelope
	Outcome  outcome.Outcome
}

// Fabric carries envelopes between endpoints with a fixed delay plus seeded
// jitter. Envelopes between the same two endpoints may overtake each other
// when jitter is configured.
type Fabric struct {
	ctx       context.Context
	delay     time.Duration
	jitter    time.Duration
	rng       *rand.Rand
	log       logging.Logger
	endpoints map[model.NodeID]Endpoint
	observers []func(Delivery)
	filters   []func(msg.Envelope) bool

	inFlight int
	dropped  int
	lost     int
}

// NewFabric builds a fabric shaped by cfg. Handlers run with ctx.
func NewFabric(ctx context.Context, cfg config.Fabric, log logging.Logger) *Fabric {
	if log == nil {
		log = logging.Noop()
	}
	seed := uint64(cfg.Seed)
	return &Fabric{
		ctx:       ctx,
		delay:     cfg.Delay.D(),
		jitter:    cfg.Jitter.D(),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:       log.With(logging.Component("fabric")),
		endpoints: make(map[model.NodeID]Endpoint),
	}
}

// Attach registers ep under id.
func (f *Fabric) Attach(id model.NodeID, ep Endpoint) error {
	if _, dup := f.endpoints[id]; dup {
		return fmt.Errorf("attach %q: %w", id, ErrDuplicateEndpoint)
	}
	f.endpoints[id] = ep
	return nil
}

// Observe registers fn to see every delivery after the endpoint handled it.
func (f *Fabric) Observe(fn func(Delivery)) { f.observers = append(f.observers, fn) }

// Filter registers keep to decide, at send time, whether an envelope is
// carried. Envelopes it refuses are lost without reaching their endpoint.
func (f *Fabric) Filter(keep func(msg.Envelope) bool) { f.filters = append(f.filters, keep) }

// Lost returns the number of envelopes refused by a filter.
func (f *Fabric) Lost() int { return f.lost }

// InFlight returns the number of envelopes sent but not yet delivered.
func (f *Fabric) InFlight() int { return f.inFlight }

// Dropped returns the number of envelopes addressed to unknown endpoints.
func (f *Fabric) Dropped() int { return f.dropped }

// Sender returns the sender used by endpoint from.
func (f *Fabric) Sender(from model.NodeID) msg.Sender {
	return msg.SenderFunc(func(ctx context.Context, to model.NodeID, body msg.Body) {
		f.send(ctx, msg.Envelope{From: from, To: to, Body: body})
	})
}

func (f *Fabric) send(ctx context.Context, env msg.Envelope) {
	dst, ok := f.endpoints[env.To]
	if !ok {
		f.dropped++
		f.log.Warn(ctx, "envelope for unknown endpoint",
			logging.String("from", string(env.From)),
			logging.String("to", string(env.To)),
			logging.String("kind", env.Body.KindName()))
		return
	}
	for _, keep := range f.filters {
		if !keep(env) {
			f.lost++
			f.log.Debug(ctx, "envelope lost",
				logging.String("from", string(env.From)),
				logging.String("to", string(env.To)),
				logging.String("kind", env.Body.KindName()))
			return
		}
	}
	s := dst.Scheduler()
	at := s.Now().Add(f.delay + f.sampleJitter())
	f.inFlight++
	s.Schedule(at, func() {
		f.inFlight--
		res := dst.Deliver(f.ctx, env)
		if len(f.observers) == 0 {
			return
		}
		d := Delivery{At: s.Now(), Envelope: env, Outcome: res}
		for _, fn := range f.observers {
			fn(d)
		}
	})
}

func (f *Fabric) sampleJitter() time.Duration {
	if f.jitter <= 0 {
		return 0
	}
	return time.Duration(f.rng.Int64N(int64(f.jitter) + 1))
}
