package sm

import (
	"context"
	"errors"

	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/mm"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// HandleNAS handles an uplink session-management message.
func (m *Manager) HandleNAS(ctx context.Context, ev nas.Event) outcome.Outcome {
	switch ev.Message.Type {
	case nas.SMActivateRequest:
		return m.handleActivateRequest(ctx, ev)
	case nas.SMRequestActivationReject:
		return m.handleRequestActivationReject(ctx, ev)
	case nas.SMDeactivateRequest:
		return m.handleDeactivateRequest(ctx, ev)
	case nas.SMDeactivateAccept:
		return m.handleDeactivateAccept(ctx, ev)
	default:
		m.log.Warn(ctx, "unexpected SM message", logging.IMSI(ev.IMSI), logging.String("msg", ev.Message.Name()))
		return outcome.Discarded("unexpected SM message")
	}
}

func (m *Manager) handleActivateRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	req := ev.Message
	if s, ok := m.sessions[key{ev.IMSI, req.TI}]; ok {
		switch {
		case s.state == StatePagePending && s.requested:
			if err := m.Activate(ctx, ev.IMSI, req.TI, s.qos, model.NetworkOriginated); err != nil {
				m.log.Error(ctx, "network activation", logging.IMSI(ev.IMSI), logging.TI(req.TI), logging.Err(err), logging.Defect())
				return outcome.Discarded(err.Error())
			}
			return outcome.Rescheduled(s.timer)
		case s.state == StateActive:
			m.sendAccept(ctx, s)
			return outcome.Consumed()
		default:
			// Retransmission while the activation is still in progress.
			return outcome.Discarded("activation already in progress")
		}
	}
	if req.TI.NetworkOriginated() {
		m.mob.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDSM, TI: req.TI, Type: nas.SMActivateReject, Cause: model.CauseNoSuch})
		return outcome.Discarded("activate on unknown network transaction")
	}
	if err := m.Activate(ctx, ev.IMSI, req.TI, req.QoS, model.SubscriberOriginated); err != nil {
		cause := model.CauseRejected
		if errors.Is(err, mm.ErrNotRegistered) || errors.Is(err, mm.ErrUnknownSubscriber) {
			cause = model.CauseNoSuch
		}
		m.mob.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDSM, TI: req.TI, Type: nas.SMActivateReject, Cause: cause})
		m.metrics.SessionOutcome(model.SubscriberOriginated.String(), "rejected")
		m.log.Info(ctx, "activation refused", logging.IMSI(ev.IMSI), logging.TI(req.TI), logging.Err(err))
		return outcome.Consumed()
	}
	return outcome.Rescheduled(m.sessions[key{ev.IMSI, req.TI}].timer)
}

func (m *Manager) sendAccept(ctx context.Context, s *session) {
	m.mob.Send(ctx, s.imsi, &nas.Message{
		PD:      nas.PDSM,
		TI:      s.ti,
		Type:    nas.SMActivateAccept,
		QoS:     s.qos,
		Address: s.addr,
	})
}

func (m *Manager) handleRequestActivationReject(ctx context.Context, ev nas.Event) outcome.Outcome {
	s, ok := m.sessions[key{ev.IMSI, ev.Message.TI}]
	if !ok || s.state != StatePagePending || !s.requested {
		return outcome.Discarded("request activation reject without pending request")
	}
	m.abortNetwork(ctx, s, ev.Message.Cause)
	return outcome.Consumed()
}

func (m *Manager) handleDeactivateRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	ti := ev.Message.TI
	m.mob.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDSM, TI: ti, Type: nas.SMDeactivateAccept})
	s, ok := m.sessions[key{ev.IMSI, ti}]
	if !ok {
		return outcome.Consumed()
	}
	switch s.state {
	case StateInactivePending:
		// Both sides started a deactivation; the first to finish wins.
		m.finishDeactivate(ctx, s)
	case StateActive:
		m.setState(ctx, s, StateInactivePending)
		s.initiator = InitiatorSubscriber
		m.finishDeactivate(ctx, s)
	case StatePagePending:
		m.abortNetwork(ctx, s, ev.Message.Cause)
	default:
		m.timers.Stop(s.timer)
		s.timer = timer.Handle{}
		if s.ul != 0 {
			m.tun.SendDeleteRequest(ctx, s.gateway, s.tunnelSession())
		}
		m.releaseBearer(ctx, s)
		m.metrics.SessionOutcome(s.origin.String(), "deactivated")
		m.destroy(ctx, s)
	}
	return outcome.Consumed()
}

func (m *Manager) handleDeactivateAccept(ctx context.Context, ev nas.Event) outcome.Outcome {
	s, ok := m.sessions[key{ev.IMSI, ev.Message.TI}]
	if !ok || s.state != StateInactivePending {
		return outcome.Discarded("deactivate accept without pending deactivation")
	}
	m.finishDeactivate(ctx, s)
	return outcome.Consumed()
}

// requestActivation asks the subscriber to activate a network-originated
// session.
func (m *Manager) requestActivation(ctx context.Context, s *session) {
	s.requested = true
	s.retry = timer.NewRetry(m.cfg.Timers.MaxRetries)
	m.sendRequestActivation(ctx, s)
	s.timer = m.timers.Start(m.cfg.Timers.ActivationRequest.D(), timer.ActivationRequest{IMSI: s.imsi, TI: s.ti})
}

func (m *Manager) sendRequestActivation(ctx context.Context, s *session) {
	m.mob.Send(ctx, s.imsi, &nas.Message{
		PD:      nas.PDSM,
		TI:      s.ti,
		Type:    nas.SMRequestActivation,
		QoS:     s.qos,
		Address: s.addr,
	})
}

// HandleTunnel handles a tunnel control message from a gateway.
func (m *Manager) HandleTunnel(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	switch t.Type {
	case msg.TunnelCreateResponse:
		return m.handleCreateResponse(ctx, from, t)
	case msg.TunnelUpdateResponse:
		return m.handleUpdateResponse(ctx, t)
	case msg.TunnelDeleteRequest:
		return m.handleGatewayDelete(ctx, from, t)
	case msg.TunnelDeleteResponse:
		return outcome.Consumed()
	case msg.TunnelNotificationRequest:
		return m.handleNotification(ctx, from, t)
	default:
		return outcome.Discarded("unexpected tunnel message " + t.Type.String())
	}
}

func (m *Manager) handleCreateResponse(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	s, ok := m.byDownlink(t.TEID)
	if !ok {
		if t.Cause.Accepted() && t.Session != nil && t.Session.UplinkTEID != 0 {
			// The session gave up before the gateway answered; release the
			// tunnel the gateway just built.
			m.log.Info(ctx, "late CREATE response", logging.Node(from),
				logging.IMSI(t.Session.IMSI), logging.TI(t.Session.TI), logging.TEID(t.Session.UplinkTEID))
			m.tun.SendDeleteRequest(ctx, from, *t.Session)
			return outcome.Consumed()
		}
		return outcome.Discarded("CREATE response for unknown session")
	}
	if s.state != StateActivePending || s.ul != 0 {
		return outcome.Discarded("unexpected CREATE response")
	}
	m.timers.Stop(s.timer)
	s.timer = timer.Handle{}
	if !t.Cause.Accepted() || t.Session == nil || t.Session.UplinkTEID == 0 {
		m.reject(ctx, s, t.Cause)
		return outcome.Consumed()
	}
	s.ul = t.Session.UplinkTEID
	if t.Session.Address.IsValid() {
		s.addr = t.Session.Address
	}
	m.tun.SetUplink(s.dl, s.ul)
	s.retry = timer.NewRetry(m.cfg.Timers.MaxRetries)
	if err := m.requestBearer(ctx, s); err != nil {
		m.log.Warn(ctx, "bearer request not sent", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Err(err))
		m.reject(ctx, s, model.CauseNoSuch)
		return outcome.Consumed()
	}
	s.timer = m.timers.Start(m.cfg.Timers.BearerAssignment.D(), timer.BearerAssignment{IMSI: s.imsi, Domain: model.DomainPS, TI: s.ti})
	return outcome.Rescheduled(s.timer)
}

// BearersAssigned completes activations whose radio bearers were answered.
func (m *Manager) BearersAssigned(ctx context.Context, access model.NodeID, imsi model.IMSI, items []msg.BearerItem) outcome.Outcome {
	res := outcome.Discarded("no pending session for bearer")
	for _, it := range items {
		if it.Action != msg.BearerSetup {
			continue
		}
		s := m.byRAB(imsi, it.RAB)
		if s == nil || s.state != StateActivePending || s.ul == 0 || s.bearerUp {
			continue
		}
		m.timers.Stop(s.timer)
		s.timer = timer.Handle{}
		res = outcome.Consumed()
		if !it.Outcome.Accepted() {
			m.reject(ctx, s, it.Outcome)
			continue
		}
		m.tun.SetAccess(s.dl, access, it.TEID)
		s.bearerUp = true
		s.lastActivity = m.clock.Now()
		m.setState(ctx, s, StateActive)
		m.sendAccept(ctx, s)
		m.tun.SendUpdateRequest(ctx, s.gateway, s.tunnelSession())
		m.metrics.SessionOutcome(s.origin.String(), "activated")
		m.log.Info(ctx, "session active",
			logging.IMSI(s.imsi), logging.TI(s.ti),
			logging.TEID(s.dl), logging.Stringer("address", s.addr))
	}
	return res
}

func (m *Manager) byRAB(imsi model.IMSI, rab model.RABID) *session {
	for _, s := range m.ofSubscriber(imsi) {
		if s.rab == rab {
			return s
		}
	}
	return nil
}

func (m *Manager) handleUpdateResponse(ctx context.Context, t *msg.Tunnel) outcome.Outcome {
	s, ok := m.byDownlink(t.TEID)
	if !ok {
		return outcome.Discarded("UPDATE response for unknown session")
	}
	if t.Cause.Accepted() {
		return outcome.Consumed()
	}
	m.log.Warn(ctx, "gateway refused update", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Stringer("cause", t.Cause))
	if err := m.deactivate(ctx, s, t.Cause, InitiatorLocal); err != nil {
		return outcome.Discarded(err.Error())
	}
	return outcome.Rescheduled(s.timer)
}

func (m *Manager) handleGatewayDelete(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	s, ok := m.byDownlink(t.TEID)
	if !ok {
		var ul model.TEID
		if t.Session != nil {
			ul = t.Session.UplinkTEID
		}
		m.tun.SendDeleteResponse(ctx, from, ul, model.CauseAccepted)
		return outcome.Consumed()
	}
	switch s.state {
	case StateActive:
		if err := m.deactivate(ctx, s, model.CauseNormalClearing, InitiatorGateway); err != nil {
			return outcome.Discarded(err.Error())
		}
		return outcome.Rescheduled(s.timer)
	case StateInactivePending:
		// Our own teardown is in flight; answer the gateway when it ends.
		s.initiator = InitiatorGateway
		return outcome.Consumed()
	default:
		ul := s.ul
		if ul == 0 && t.Session != nil {
			ul = t.Session.UplinkTEID
		}
		s.ul = 0
		m.tun.SendDeleteResponse(ctx, from, ul, model.CauseAccepted)
		m.reject(ctx, s, model.CauseRejected)
		return outcome.Consumed()
	}
}

func (m *Manager) handleNotification(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	req := t.Session
	if req == nil || req.UplinkTEID == 0 {
		return outcome.Discarded("NOTIFICATION without session")
	}
	for _, s := range m.ofSubscriber(req.IMSI) {
		if s.origin == model.NetworkOriginated && s.notifyTEID == req.UplinkTEID && s.gateway == from {
			return outcome.Discarded("NOTIFICATION already in progress")
		}
	}
	if !m.mob.Registered(req.IMSI, model.DomainPS) {
		m.tun.SendNotificationResponse(ctx, from, req.UplinkTEID, model.CauseRejected)
		m.metrics.SessionOutcome(model.NetworkOriginated.String(), "rejected")
		return outcome.Consumed()
	}
	ti, err := m.mob.AllocateTI(req.IMSI)
	if err != nil {
		m.log.Warn(ctx, "no transaction id for network activation", logging.IMSI(req.IMSI), logging.Err(err))
		m.tun.SendNotificationResponse(ctx, from, req.UplinkTEID, model.CauseRejected)
		m.metrics.SessionOutcome(model.NetworkOriginated.String(), "rejected")
		return outcome.Consumed()
	}

	s := &session{
		imsi:       req.IMSI,
		ti:         ti,
		origin:     model.NetworkOriginated,
		qos:        req.QoS,
		state:      StateInactive,
		addr:       req.Address,
		gateway:    from,
		notifyTEID: req.UplinkTEID,
		rab:        model.RABFor(ti),
	}
	m.sessions[key{s.imsi, ti}] = s
	m.mob.AddFlow(s.imsi, nas.PDSM, ti)
	m.setState(ctx, s, StatePagePending)
	m.metrics.SetSessions(len(m.sessions))
	m.log.Info(ctx, "network activation started", logging.IMSI(s.imsi), logging.TI(ti), logging.Stringer("address", s.addr))

	res, err := m.mob.RequestConnectionEstablishment(ctx, s.imsi, nas.PDSM, ti)
	switch {
	case err != nil || res == mm.ConnFailed:
		m.abortNetwork(ctx, s, model.CauseNoSuch)
		return outcome.Consumed()
	case res == mm.ConnAlreadyActive:
		m.requestActivation(ctx, s)
		return outcome.Rescheduled(s.timer)
	default:
		return outcome.Consumed()
	}
}
