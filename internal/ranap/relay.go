// Package ranap relays messages between the core and the radio network
// controllers. The Dispatcher demultiplexes inbound radio envelopes; the Relay
// resolves the controller serving a subscriber and emits outbound ones.
package ranap

import (
	"context"
	"errors"

	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// ErrNoController reports a subscriber with no known serving controller.
var ErrNoController = errors.New("no serving controller for subscriber")

// Locator returns the controller a subscriber was last seen on.
type Locator interface {
	Lookup(imsi model.IMSI) (model.RNCID, model.CellID, bool)
}

// Resolver maps a controller onto its owner and backbone endpoint.
type Resolver interface {
	CachedController(rnc model.RNCID) (msg.ControllerRecord, bool)
	ResolveController(ctx context.Context, rnc model.RNCID, done hlr.Done)
	QueryCell(ctx context.Context, cell model.CellID, done hlr.Done)
}

// Relay emits core-to-controller messages.
type Relay struct {
	self     model.NodeID
	send     msg.Sender
	locator  Locator
	resolver Resolver
	log      logging.Logger

	// waiting holds messages for controllers whose record is being resolved.
	waiting map[model.RNCID][]*msg.Radio
}

// NewRelay builds a relay for node self.
func NewRelay(self model.NodeID, send msg.Sender, locator Locator, resolver Resolver, log logging.Logger) *Relay {
	if log == nil {
		log = logging.Noop()
	}
	return &Relay{
		self:     self,
		send:     send,
		locator:  locator,
		resolver: resolver,
		log:      log.With(logging.Component("ranap")),
		waiting:  make(map[model.RNCID][]*msg.Radio),
	}
}

// DirectTransfer carries one NAS message to the subscriber.
func (r *Relay) DirectTransfer(ctx context.Context, imsi model.IMSI, m *nas.Message) error {
	return r.toSubscriber(ctx, imsi, &msg.Radio{Kind: msg.RadioDirectTransfer, IMSI: imsi, NAS: m})
}

// Page asks the subscriber's controller to page it in domain d.
func (r *Relay) Page(ctx context.Context, imsi model.IMSI, d model.Domain) error {
	return r.toSubscriber(ctx, imsi, &msg.Radio{Kind: msg.RadioPaging, IMSI: imsi, Domain: d})
}

// AssignBearers requests setup or release of radio access bearers.
func (r *Relay) AssignBearers(ctx context.Context, imsi model.IMSI, items []msg.BearerItem) error {
	return r.toSubscriber(ctx, imsi, &msg.Radio{Kind: msg.RadioResourceAssignmentRequest, IMSI: imsi, Bearers: items})
}

// RequestRelease commands the controller to release the subscriber's
// signalling connection in domain d.
func (r *Relay) RequestRelease(ctx context.Context, imsi model.IMSI, d model.Domain, cause model.Cause) error {
	return r.toSubscriber(ctx, imsi, &msg.Radio{Kind: msg.RadioReleaseRequest, IMSI: imsi, Domain: d, Cause: cause})
}

// Pending returns the number of messages waiting on controller resolution.
func (r *Relay) Pending() int {
	n := 0
	for _, q := range r.waiting {
		n += len(q)
	}
	return n
}

func (r *Relay) toSubscriber(ctx context.Context, imsi model.IMSI, m *msg.Radio) error {
	rnc, cell, ok := r.locator.Lookup(imsi)
	if !ok {
		return ErrNoController
	}
	m.RNC, m.Cell = rnc, cell
	r.ToController(ctx, rnc, m)
	return nil
}

// ToController sends m to controller rnc, resolving its owner first when it
// is not cached.
func (r *Relay) ToController(ctx context.Context, rnc model.RNCID, m *msg.Radio) {
	if rec, ok := r.resolver.CachedController(rnc); ok {
		r.deliver(ctx, rec, m)
		return
	}
	q, inflight := r.waiting[rnc]
	r.waiting[rnc] = append(q, m)
	if inflight {
		return
	}
	r.resolver.ResolveController(ctx, rnc, func(ctx context.Context, res hlr.Result) {
		queued := r.waiting[rnc]
		delete(r.waiting, rnc)
		if !res.OK() || res.Controller == nil {
			r.log.Warn(ctx, "controller unresolved, dropping radio messages",
				logging.RNC(rnc), logging.Int("dropped", len(queued)), logging.Stringer("cause", res.Cause))
			return
		}
		for _, qm := range queued {
			r.deliver(ctx, *res.Controller, qm)
		}
	})
}

func (r *Relay) deliver(ctx context.Context, rec msg.ControllerRecord, m *msg.Radio) {
	if rec.Owner == "" || rec.Owner == r.self {
		r.send.Send(ctx, rec.Endpoint, m)
		return
	}
	// The controller belongs to another serving node, which relays it on.
	r.send.Send(ctx, rec.Owner, &msg.Radio{
		Kind: msg.RadioTopologyForward,
		Topology: &msg.Topology{
			Controller: rec.Controller,
			Owner:      rec.Owner,
			Endpoint:   rec.Endpoint,
		},
		Forward: m,
		Origin:  r.self,
	})
}
