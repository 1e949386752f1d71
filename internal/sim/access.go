package sim

import (
	"context"
	"maps"
	"net/netip"
	"slices"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/gtp"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// bearer is one radio access bearer as the controller holds it.
type bearer struct {
	domain model.Domain
	core   model.TEID
	access model.TEID
}

// UE is the scripted subscriber behind a controller. It answers the core
// the way a compliant handset would and remembers what it saw.
type UE struct {
	IMSI      model.IMSI
	Cell      model.CellID
	Reachable bool

	TMSI     model.TMSI
	Received []nas.Message
	// Addresses holds the packet address of every accepted session.
	Addresses map[model.TI]netip.Addr
	// Calls holds the last call-control message type seen per transaction.
	Calls map[model.TI]nas.MessageType

	PacketsDown int
	BytesDown   int

	pending map[model.TI]model.IMSI
	bearers map[model.RABID]*bearer
	// core is the node the subscriber's signalling currently runs through.
	core model.NodeID
}

// Saw counts downlink NAS messages of one type.
func (u *UE) Saw(pd nas.PD, t nas.MessageType) int {
	n := 0
	for _, m := range u.Received {
		if m.PD == pd && m.Type == t {
			n++
		}
	}
	return n
}

// Access stands in for one radio network controller and the subscribers
// camped on its cells.
type Access struct {
	id    model.RNCID
	owner model.NodeID
	sched sched.EventScheduler
	send  msg.Sender
	log   logging.Logger

	ues      map[model.IMSI]*UE
	byAccess map[model.TEID]model.IMSI
	nextTEID model.TEID
}

// NewAccess builds the stub for controller rc.
func NewAccess(rc config.Controller, s sched.EventScheduler, send msg.Sender, log logging.Logger) *Access {
	if log == nil {
		log = logging.Noop()
	}
	return &Access{
		id:       model.RNCID(rc.ID),
		owner:    model.NodeID(rc.Owner),
		sched:    s,
		send:     send,
		log:      log.With(logging.Component("access"), logging.RNC(model.RNCID(rc.ID))),
		ues:      make(map[model.IMSI]*UE),
		byAccess: make(map[model.TEID]model.IMSI),
	}
}

// AddSubscriber camps sub on this controller.
func (a *Access) AddSubscriber(sub config.Subscriber) *UE {
	cell := model.CellID(sub.Cell)
	ue := &UE{
		IMSI:      model.IMSI(sub.IMSI),
		Cell:      cell,
		Reachable: sub.IsReachable(),
		Addresses: make(map[model.TI]netip.Addr),
		Calls:     make(map[model.TI]nas.MessageType),
		pending:   make(map[model.TI]model.IMSI),
		bearers:   make(map[model.RABID]*bearer),
		core:      a.owner,
	}
	a.ues[ue.IMSI] = ue
	return ue
}

// UE returns the subscriber imsi, or nil.
func (a *Access) UE(imsi model.IMSI) *UE { return a.ues[imsi] }

// ID returns the controller id.
func (a *Access) ID() model.RNCID { return a.id }

// Scheduler implements Endpoint.
func (a *Access) Scheduler() sched.EventScheduler { return a.sched }

// Deliver implements Endpoint.
func (a *Access) Deliver(ctx context.Context, env msg.Envelope) outcome.Outcome {
	switch b := env.Body.(type) {
	case *msg.Radio:
		return a.radio(ctx, env.From, b)
	case *msg.Tunnel:
		return a.tunnel(ctx, b)
	}
	return outcome.Discarded("controller got " + env.Body.Interface().String())
}

func (a *Access) radio(ctx context.Context, from model.NodeID, r *msg.Radio) outcome.Outcome {
	reply := from
	if r.Origin != "" {
		reply = r.Origin
	}
	ue := a.ues[r.IMSI]

	switch r.Kind {
	case msg.RadioDirectTransfer:
		if ue == nil || r.NAS == nil {
			return outcome.Discarded("direct transfer for unknown subscriber")
		}
		ue.core = reply
		a.downlinkNAS(ctx, ue, *r.NAS)
		return outcome.Consumed()

	case msg.RadioPaging:
		if ue == nil || !ue.Reachable {
			return outcome.Discarded("subscriber out of coverage")
		}
		ue.core = reply
		if r.Domain == model.DomainPS {
			a.uplink(ctx, ue, true, &nas.Message{PD: nas.PDGMM, Type: nas.GMMServiceRequest, IMSI: ue.IMSI, TMSI: ue.TMSI})
		} else {
			a.uplink(ctx, ue, true, &nas.Message{PD: nas.PDMM, Type: nas.MMCMServiceRequest, IMSI: ue.IMSI, TMSI: ue.TMSI})
		}
		return outcome.Consumed()

	case msg.RadioResourceAssignmentRequest:
		if ue == nil {
			return outcome.Discarded("bearer request for unknown subscriber")
		}
		items := make([]msg.BearerItem, 0, len(r.Bearers))
		for _, it := range r.Bearers {
			out := it
			out.Outcome = model.CauseAccepted
			switch it.Action {
			case msg.BearerSetup:
				b := &bearer{domain: it.Domain, core: it.TEID}
				if it.Domain == model.DomainPS {
					a.nextTEID++
					b.access = a.nextTEID
					a.byAccess[b.access] = ue.IMSI
				}
				if old, ok := ue.bearers[it.RAB]; ok && old.access != 0 {
					delete(a.byAccess, old.access)
				}
				ue.bearers[it.RAB] = b
				out.TEID = b.access
			case msg.BearerRelease:
				if old, ok := ue.bearers[it.RAB]; ok {
					delete(a.byAccess, old.access)
					delete(ue.bearers, it.RAB)
				}
				out.TEID = 0
			}
			items = append(items, out)
		}
		a.send.Send(ctx, reply, &msg.Radio{
			Kind:    msg.RadioResourceAssignmentResponse,
			IMSI:    r.IMSI,
			RNC:     a.id,
			Cell:    ue.Cell,
			Bearers: items,
		})
		return outcome.Consumed()

	case msg.RadioReleaseRequest:
		if ue != nil {
			a.dropBearers(ue, r.Domain)
		}
		a.send.Send(ctx, reply, &msg.Radio{Kind: msg.RadioReleaseComplete, IMSI: r.IMSI, RNC: a.id, Domain: r.Domain})
		return outcome.Consumed()

	case msg.RadioReleaseComplete, msg.RadioTopologyReply:
		return outcome.Consumed()
	}
	a.log.Debug(ctx, "radio message ignored", logging.Stringer("kind", r.Kind), logging.Node(from))
	return outcome.Discarded("controller does not handle " + r.Kind.String())
}

func (a *Access) dropBearers(ue *UE, d model.Domain) {
	for rab, b := range ue.bearers {
		if b.domain == d {
			delete(a.byAccess, b.access)
			delete(ue.bearers, rab)
		}
	}
}

func (a *Access) tunnel(ctx context.Context, t *msg.Tunnel) outcome.Outcome {
	if t.Type != msg.TunnelData {
		return outcome.Discarded("controller got tunnel control")
	}
	imsi, ok := a.byAccess[t.TEID]
	if !ok {
		return outcome.Discarded("downlink for unknown bearer")
	}
	teid, inner, err := gtp.Decapsulate(t.Payload)
	if err != nil || teid != t.TEID {
		a.log.Warn(ctx, "malformed downlink frame", logging.TEID(t.TEID), logging.Err(err))
		return outcome.Discarded("malformed G-PDU")
	}
	ue := a.ues[imsi]
	ue.PacketsDown++
	ue.BytesDown += len(inner)
	return outcome.Consumed()
}

// downlinkNAS lets the subscriber react to one NAS message from the core.
func (a *Access) downlinkNAS(ctx context.Context, ue *UE, m nas.Message) {
	ue.Received = append(ue.Received, m)
	respond := func(pd nas.PD, t nas.MessageType) {
		a.uplink(ctx, ue, false, &nas.Message{PD: pd, TI: m.TI, Type: t, IMSI: ue.IMSI})
	}

	switch m.PD {
	case nas.PDGMM:
		switch m.Type {
		case nas.GMMAttachAccept:
			ue.TMSI = m.TMSI
			respond(nas.PDGMM, nas.GMMAttachComplete)
		case nas.GMMDetachAccept:
			clear(ue.Addresses)
			a.dropBearers(ue, model.DomainPS)
		}
	case nas.PDMM:
		switch m.Type {
		case nas.MMLocationUpdateAccept:
			ue.TMSI = m.TMSI
			respond(nas.PDMM, nas.MMTMSIReallocComplete)
		case nas.MMCMServiceAccept:
			for _, ti := range slices.Sorted(maps.Keys(ue.pending)) {
				peer := ue.pending[ti]
				delete(ue.pending, ti)
				ue.Calls[ti] = nas.CCSetup
				a.uplink(ctx, ue, false, &nas.Message{PD: nas.PDCC, TI: ti, Type: nas.CCSetup, IMSI: ue.IMSI, Peer: peer})
			}
		case nas.MMCMServiceReject:
			clear(ue.pending)
		}
	case nas.PDSM:
		switch m.Type {
		case nas.SMActivateAccept:
			ue.Addresses[m.TI] = m.Address
		case nas.SMRequestActivation:
			a.uplink(ctx, ue, false, &nas.Message{PD: nas.PDSM, TI: m.TI, Type: nas.SMActivateRequest, IMSI: ue.IMSI, QoS: m.QoS})
		case nas.SMDeactivateRequest:
			delete(ue.Addresses, m.TI)
			respond(nas.PDSM, nas.SMDeactivateAccept)
		case nas.SMDeactivateAccept, nas.SMActivateReject:
			delete(ue.Addresses, m.TI)
		}
	case nas.PDCC:
		ue.Calls[m.TI] = m.Type
		switch m.Type {
		case nas.CCSetup:
			respond(nas.PDCC, nas.CCCallConfirmed)
			respond(nas.PDCC, nas.CCAlerting)
			respond(nas.PDCC, nas.CCConnect)
		case nas.CCConnect:
			respond(nas.PDCC, nas.CCConnectAck)
		case nas.CCDisconnect:
			respond(nas.PDCC, nas.CCRelease)
		case nas.CCRelease:
			respond(nas.PDCC, nas.CCReleaseComplete)
			delete(ue.Calls, m.TI)
		case nas.CCReleaseComplete:
			delete(ue.Calls, m.TI)
		}
	}
}

// uplink carries one subscriber NAS message to the core.
func (a *Access) uplink(ctx context.Context, ue *UE, initial bool, m *nas.Message) {
	kind := msg.RadioDirectTransfer
	if initial {
		kind = msg.RadioInitialAccess
	}
	a.send.Send(ctx, ue.core, &msg.Radio{
		Kind: kind,
		IMSI: ue.IMSI,
		RNC:  a.id,
		Cell: ue.Cell,
		NAS:  m,
	})
}

// release takes imsi off this controller, dropping its radio bearers.
func (a *Access) release(imsi model.IMSI) (*UE, bool) {
	ue, ok := a.ues[imsi]
	if !ok {
		return nil, false
	}
	for _, b := range ue.bearers {
		delete(a.byAccess, b.access)
	}
	clear(ue.bearers)
	delete(a.ues, imsi)
	return ue, true
}

// adopt camps a subscriber arriving from another controller on cell.
func (a *Access) adopt(ue *UE, cell model.CellID) {
	ue.Cell = cell
	ue.core = a.owner
	a.ues[ue.IMSI] = ue
}
