package ranap

import (
	"context"

	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// NASRouter receives every uplink NAS message.
type NASRouter interface {
	DispatchNAS(ctx context.Context, ev nas.Event) outcome.Outcome
}

// BearerListener receives the bearer outcomes of one domain. access is the
// controller endpoint that answered.
type BearerListener interface {
	BearersAssigned(ctx context.Context, access model.NodeID, imsi model.IMSI, items []msg.BearerItem) outcome.Outcome
}

// ReleaseListener receives controller-initiated connection releases.
type ReleaseListener interface {
	ReleaseRequested(ctx context.Context, imsi model.IMSI, d model.Domain, cause model.Cause) outcome.Outcome
}

// Dispatcher demultiplexes radio envelopes arriving at a serving node.
type Dispatcher struct {
	relay   *Relay
	nas     NASRouter
	bearers map[model.Domain]BearerListener
	release ReleaseListener
	log     logging.Logger
}

// NewDispatcher builds an inbound dispatcher sharing relay's resolver and
// sender.
func NewDispatcher(relay *Relay, router NASRouter, release ReleaseListener) *Dispatcher {
	return &Dispatcher{
		relay:   relay,
		nas:     router,
		bearers: make(map[model.Domain]BearerListener),
		release: release,
		log:     relay.log,
	}
}

// SetBearerListener installs the bearer listener for domain d.
func (d *Dispatcher) SetBearerListener(dom model.Domain, l BearerListener) { d.bearers[dom] = l }

// Handle processes one radio envelope.
func (d *Dispatcher) Handle(ctx context.Context, from model.NodeID, r *msg.Radio) outcome.Outcome {
	switch r.Kind {
	case msg.RadioInitialAccess, msg.RadioDirectTransfer:
		if r.NAS == nil {
			return outcome.Discarded("radio transfer without NAS")
		}
		imsi := r.IMSI
		if imsi == "" {
			imsi = r.NAS.IMSI
		}
		return d.nas.DispatchNAS(ctx, nas.Event{
			IMSI:    imsi,
			RNC:     r.RNC,
			Cell:    r.Cell,
			Initial: r.Kind == msg.RadioInitialAccess,
			Message: r.NAS,
		})

	case msg.RadioResourceAssignmentResponse:
		return d.bearersAssigned(ctx, from, r)

	case msg.RadioReleaseRequest:
		res := outcome.Consumed()
		if d.release != nil {
			res = d.release.ReleaseRequested(ctx, r.IMSI, r.Domain, r.Cause)
		}
		d.relay.send.Send(ctx, from, &msg.Radio{
			Kind: msg.RadioReleaseComplete, IMSI: r.IMSI, RNC: r.RNC, Domain: r.Domain,
		})
		return res

	case msg.RadioReleaseComplete:
		d.log.Debug(ctx, "radio connection released", logging.IMSI(r.IMSI), logging.Stringer("domain", r.Domain))
		return outcome.Consumed()

	case msg.RadioTopologyQuery:
		return d.topologyQuery(ctx, from, r)

	case msg.RadioTopologyForward:
		return d.forward(ctx, from, r)

	default:
		d.log.Warn(ctx, "unexpected radio message", logging.Stringer("kind", r.Kind), logging.Node(from))
		return outcome.Discarded("unexpected radio message")
	}
}

func (d *Dispatcher) bearersAssigned(ctx context.Context, from model.NodeID, r *msg.Radio) outcome.Outcome {
	if len(r.Bearers) == 0 {
		return outcome.Discarded("empty resource assignment response")
	}
	byDomain := make(map[model.Domain][]msg.BearerItem, 2)
	for _, it := range r.Bearers {
		byDomain[it.Domain] = append(byDomain[it.Domain], it)
	}
	res := outcome.Consumed()
	for _, dom := range []model.Domain{model.DomainCS, model.DomainPS} {
		items, ok := byDomain[dom]
		if !ok {
			continue
		}
		l, ok := d.bearers[dom]
		if !ok {
			d.log.Warn(ctx, "no bearer listener", logging.Stringer("domain", dom), logging.IMSI(r.IMSI))
			res = outcome.Discarded("no bearer listener")
			continue
		}
		res = l.BearersAssigned(ctx, from, r.IMSI, items)
	}
	return res
}

func (d *Dispatcher) topologyQuery(ctx context.Context, from model.NodeID, r *msg.Radio) outcome.Outcome {
	if r.Topology == nil || r.Topology.Cell == "" {
		return outcome.Discarded("topology query without cell")
	}
	cell := r.Topology.Cell
	d.relay.resolver.QueryCell(ctx, cell, func(ctx context.Context, res hlr.Result) {
		reply := &msg.Topology{Cell: cell}
		if res.OK() && res.Cell != nil && res.Controller != nil {
			reply.BaseStation = res.Cell.BaseStation
			reply.Controller = res.Cell.Controller
			reply.Owner = res.Controller.Owner
			reply.Endpoint = res.Controller.Endpoint
			reply.Found = true
		}
		d.relay.send.Send(ctx, from, &msg.Radio{Kind: msg.RadioTopologyReply, RNC: r.RNC, Topology: reply})
	})
	return outcome.Consumed()
}

func (d *Dispatcher) forward(ctx context.Context, from model.NodeID, r *msg.Radio) outcome.Outcome {
	if r.Topology == nil || r.Forward == nil {
		return outcome.Discarded("topology forward without payload")
	}
	if r.Topology.Owner != d.relay.self {
		// Relaying again could loop between two nodes with stale caches.
		d.log.Warn(ctx, "topology forward for a controller owned elsewhere",
			logging.RNC(r.Topology.Controller), logging.String("owner", string(r.Topology.Owner)), logging.Node(from))
		return outcome.Discarded("forward for foreign controller")
	}
	fwd := *r.Forward
	if fwd.Origin == "" {
		fwd.Origin = r.Origin
	}
	if fwd.Origin == "" {
		fwd.Origin = from
	}
	d.relay.send.Send(ctx, r.Topology.Endpoint, &fwd)
	return outcome.Forwarded(r.Topology.Endpoint)
}
