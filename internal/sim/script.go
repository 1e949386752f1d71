package sim

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/gtp"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrNoSession reports a scripted step that needs a session the
	// subscriber does not hold.
	ErrNoSession = errors.New("no such session")
	// ErrNoCall reports a scripted hang-up without a call.
	ErrNoCall = errors.New("no such call")
)

// Ports used by generated datagrams.
const (
	SubscriberPort uint16 = 40000
	ServerPort     uint16 = 8080
)

// Attach sends GMM ATTACH_REQUEST.
func (a *Access) Attach(ctx context.Context, imsi model.IMSI) error {
	return a.initial(ctx, imsi, &nas.Message{PD: nas.PDGMM, Type: nas.GMMAttachRequest})
}

// LocationUpdate sends MM LOCATION_UPDATING_REQUEST.
func (a *Access) LocationUpdate(ctx context.Context, imsi model.IMSI) error {
	return a.initial(ctx, imsi, &nas.Message{PD: nas.PDMM, Type: nas.MMLocationUpdateRequest})
}

// ServiceRequest sends GMM SERVICE_REQUEST.
func (a *Access) ServiceRequest(ctx context.Context, imsi model.IMSI) error {
	return a.initial(ctx, imsi, &nas.Message{PD: nas.PDGMM, Type: nas.GMMServiceRequest})
}

// Detach sends GMM DETACH_REQUEST.
func (a *Access) Detach(ctx context.Context, imsi model.IMSI) error {
	return a.initial(ctx, imsi, &nas.Message{PD: nas.PDGMM, Type: nas.GMMDetachRequest})
}

// IMSIDetach sends MM IMSI_DETACH_INDICATION.
func (a *Access) IMSIDetach(ctx context.Context, imsi model.IMSI) error {
	return a.initial(ctx, imsi, &nas.Message{PD: nas.PDMM, Type: nas.MMIMSIDetachIndication})
}

// Activate requests a subscriber-originated session on ti.
func (a *Access) Activate(ctx context.Context, imsi model.IMSI, ti model.TI, qos model.QoSProfile) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	a.uplink(ctx, ue, false, &nas.Message{PD: nas.PDSM, TI: ti, Type: nas.SMActivateRequest, IMSI: imsi, QoS: qos})
	return nil
}

// Deactivate requests deactivation of the session with transaction value v.
func (a *Access) Deactivate(ctx context.Context, imsi model.IMSI, v uint8) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	ti, ok := findTI(ue.Addresses, v)
	if !ok {
		return fmt.Errorf("deactivate %s ti %d: %w", imsi, v, ErrNoSession)
	}
	a.uplink(ctx, ue, false, &nas.Message{PD: nas.PDSM, TI: ti, Type: nas.SMDeactivateRequest, IMSI: imsi, Cause: model.CauseNormalClearing})
	return nil
}

// Call places a call to peer on subscriber transaction ti. The SETUP follows
// once the core accepts the CM service request.
func (a *Access) Call(ctx context.Context, imsi model.IMSI, ti model.TI, peer model.IMSI) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	ue.pending[ti] = peer
	a.uplink(ctx, ue, true, &nas.Message{PD: nas.PDMM, Type: nas.MMCMServiceRequest, IMSI: imsi, TMSI: ue.TMSI})
	return nil
}

// Hangup disconnects the call with transaction value v.
func (a *Access) Hangup(ctx context.Context, imsi model.IMSI, v uint8) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	ti, ok := findTI(ue.Calls, v)
	if !ok {
		return fmt.Errorf("hang up %s ti %d: %w", imsi, v, ErrNoCall)
	}
	a.uplink(ctx, ue, false, &nas.Message{PD: nas.PDCC, TI: ti, Type: nas.CCDisconnect, IMSI: imsi, Cause: model.CauseNormalClearing})
	return nil
}

// ReleaseRequest asks the core to release the subscriber's packet
// connection, as a controller does on radio inactivity.
func (a *Access) ReleaseRequest(ctx context.Context, imsi model.IMSI) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	a.dropBearers(ue, model.DomainPS)
	a.send.Send(ctx, ue.core, &msg.Radio{
		Kind:   msg.RadioReleaseRequest,
		IMSI:   imsi,
		RNC:    a.id,
		Cell:   ue.Cell,
		Domain: model.DomainPS,
		Cause:  model.CauseNormalClearing,
	})
	return nil
}

// Uplink sends one datagram of size bytes to dst over the session with
// transaction value v.
func (a *Access) Uplink(ctx context.Context, imsi model.IMSI, v uint8, dst netip.Addr, size int) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	ti, ok := findTI(ue.Addresses, v)
	if !ok {
		return fmt.Errorf("uplink %s ti %d: %w", imsi, v, ErrNoSession)
	}
	b, ok := ue.bearers[model.RABFor(ti)]
	if !ok || b.core == 0 {
		return fmt.Errorf("uplink %s ti %d: no radio bearer: %w", imsi, v, ErrNoSession)
	}
	datagram, err := gtp.BuildUDP(ue.Addresses[ti], dst, SubscriberPort, ServerPort, make([]byte, size))
	if err != nil {
		return err
	}
	frame, err := gtp.Encapsulate(b.core, datagram)
	if err != nil {
		return err
	}
	a.send.Send(ctx, ue.core, &msg.Tunnel{Type: msg.TunnelData, TEID: b.core, Payload: frame})
	return nil
}

func (a *Access) initial(ctx context.Context, imsi model.IMSI, m *nas.Message) error {
	ue, err := a.subscriber(imsi)
	if err != nil {
		return err
	}
	ue.core = a.owner
	m.IMSI = imsi
	m.TMSI = ue.TMSI
	a.uplink(ctx, ue, true, m)
	return nil
}

func (a *Access) subscriber(imsi model.IMSI) (*UE, error) {
	ue, ok := a.ues[imsi]
	if !ok {
		return nil, fmt.Errorf("subscriber %s not camped on %s", imsi, a.id)
	}
	return ue, nil
}

// findTI resolves a scripted transaction value, preferring the subscriber
// allocated identifier.
func findTI[V any](m map[model.TI]V, v uint8) (model.TI, bool) {
	for _, ti := range []model.TI{model.SubscriberTI(v), model.NetworkTI(v)} {
		if _, ok := m[ti]; ok {
			return ti, true
		}
	}
	return 0, false
}

// run executes one scripted step. Steps addressed to the subscriber run on
// the controller; the rest are handed to the simulation.
func (s *Simulation) run(ctx context.Context, act config.Action) error {
	imsi := model.IMSI(act.IMSI)
	a := s.accessOf[imsi]
	switch act.Kind {
	case config.ActionAttach:
		return a.Attach(ctx, imsi)
	case config.ActionLocationUpdate:
		return a.LocationUpdate(ctx, imsi)
	case config.ActionActivate:
		qos := model.QoSProfile{Class: model.QoSInteractive}
		if c, ok := config.ParseQoSClass(act.QoS); ok {
			qos.Class = c
		}
		return a.Activate(ctx, imsi, model.SubscriberTI(act.TI), qos)
	case config.ActionDeactivate:
		return a.Deactivate(ctx, imsi, act.TI)
	case config.ActionUplink:
		return a.Uplink(ctx, imsi, act.TI, s.pdn.Addr(), act.Bytes)
	case config.ActionCall:
		return a.Call(ctx, imsi, model.SubscriberTI(act.TI), model.IMSI(act.Peer))
	case config.ActionHangup:
		return a.Hangup(ctx, imsi, act.TI)
	case config.ActionDetach:
		return a.Detach(ctx, imsi)
	case config.ActionServiceRequest:
		return a.ServiceRequest(ctx, imsi)
	case config.ActionIMSIDetach:
		return a.IMSIDetach(ctx, imsi)
	case config.ActionReleaseRequest:
		return a.ReleaseRequest(ctx, imsi)
	case config.ActionDownlink:
		return s.pdn.Downlink(ctx, s.gatewayOf[imsi], s.addressOf(imsi), act.Bytes)
	case config.ActionNetworkDeactivate:
		return s.networkDeactivate(ctx, imsi, act.TI)
	}
	return fmt.Errorf("%w: unknown action %q", config.ErrInvalid, act.Kind)
}

// addressOf returns the configured static address of imsi, else the address
// of its first accepted session.
func (s *Simulation) addressOf(imsi model.IMSI) netip.Addr {
	if addr, ok := s.static[imsi]; ok {
		return addr
	}
	ue := s.accessOf[imsi].UE(imsi)
	if tis := slices.Sorted(maps.Keys(ue.Addresses)); len(tis) > 0 {
		return ue.Addresses[tis[0]]
	}
	return netip.Addr{}
}

func (s *Simulation) networkDeactivate(ctx context.Context, imsi model.IMSI, v uint8) error {
	gw := s.nodes[s.gatewayOf[imsi]].Gateway()
	for _, ti := range []model.TI{model.SubscriberTI(v), model.NetworkTI(v)} {
		if snap, ok := gw.LookupSession(imsi, ti); ok {
			return gw.Deactivate(ctx, snap.UplinkTEID)
		}
	}
	return fmt.Errorf("network deactivate %s ti %d: %w", imsi, v, ErrNoSession)
}

func (s *Simulation) schedule(ctx context.Context, act config.Action) {
	at := s.start.Add(act.At.D())
	target := s.schedulerFor(act)
	target.Schedule(at, func() {
		if err := s.run(ctx, act); err != nil {
			s.log.Warn(ctx, "scripted step failed",
				logging.String("kind", act.Kind), logging.IMSI(model.IMSI(act.IMSI)), logging.Err(err))
			s.failed++
			return
		}
		s.log.Debug(ctx, "scripted step", logging.String("kind", act.Kind), logging.IMSI(model.IMSI(act.IMSI)))
	})
}
