// Package sm implements the serving-side session manager: activation and
// deactivation of data sessions towards the subscriber, the gateway tunnel
// and the radio bearer.
//
// Sessions are keyed by (IMSI, TI). The manager never holds a subscriber
// record; every mobility question goes through the Mobility interface.
package sm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/mm"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/internal/tunnel"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrNoSession reports an (IMSI, TI) with no session.
	ErrNoSession = errors.New("no such session")
	// ErrWrongState reports an operation the session state does not allow.
	ErrWrongState = errors.New("session in wrong state")
	// ErrDuplicate reports an activation for a key already in use.
	ErrDuplicate = errors.New("session already exists")
)

// Mobility is the mobility manager as seen by session control.
type Mobility interface {
	RequestConnectionEstablishment(ctx context.Context, imsi model.IMSI, pd nas.PD, ti model.TI) (mm.ConnResult, error)
	ReleaseConnection(ctx context.Context, imsi model.IMSI, pd nas.PD, ti model.TI)
	Registered(imsi model.IMSI, d model.Domain) bool
	AllocateTI(imsi model.IMSI) (model.TI, error)
	ReleaseTI(imsi model.IMSI, ti model.TI) error
	AddFlow(imsi model.IMSI, pd nas.PD, ti model.TI)
	RemoveFlow(imsi model.IMSI, pd nas.PD, ti model.TI)
	Send(ctx context.Context, imsi model.IMSI, m *nas.Message)
}

// Bearers requests radio access bearers.
type Bearers interface {
	AssignBearers(ctx context.Context, imsi model.IMSI, items []msg.BearerItem) error
}

// Clock reads the node's virtual time.
type Clock interface {
	Now() time.Time
}

// Metrics records session outcomes. Implementations must be nil-safe.
type Metrics interface {
	SessionOutcome(origin, result string)
	SetSessions(n int)
	ProcedureAborted(kind string)
}

type nopMetrics struct{}

func (nopMetrics) SessionOutcome(string, string) {}
func (nopMetrics) SetSessions(int)               {}
func (nopMetrics) ProcedureAborted(string)       {}

// Config configures a Manager.
type Config struct {
	// Gateway receives CREATE for subscriber-originated sessions.
	Gateway model.NodeID
	Timers  config.Timers
	Logger  logging.Logger
	Metrics Metrics
}

// Manager is the session manager of one serving node.
type Manager struct {
	cfg      Config
	mob      Mobility
	bearers  Bearers
	tun      *tunnel.Serving
	timers   *timer.Service
	clock    Clock
	log      logging.Logger
	metrics  Metrics
	sessions map[key]*session
	sweep    timer.Handle
}

// New builds a session manager. It installs itself as the control handler
// and activity observer of tun. Expiries of kind ActivationResponse,
// ActivationRequest, DeactivationConfirm, FlowSweep and packet-domain
// BearerAssignment must be routed to OnTimer.
func New(cfg Config, mob Mobility, bearers Bearers, tun *tunnel.Serving, timers *timer.Service, clock Clock) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	m := &Manager{
		cfg:      cfg,
		mob:      mob,
		bearers:  bearers,
		tun:      tun,
		timers:   timers,
		clock:    clock,
		log:      log.With(logging.Component("sm")),
		metrics:  metrics,
		sessions: make(map[key]*session),
	}
	tun.SetControl(m)
	tun.SetActivity(m.Touch)
	return m
}

// Session returns a copy of one session.
func (m *Manager) Session(imsi model.IMSI, ti model.TI) (Session, bool) {
	s, ok := m.sessions[key{imsi, ti}]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions returns copies of every session ordered by IMSI then TI.
func (m *Manager) Sessions() []Session {
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := cmp.Compare(a.IMSI, b.IMSI); c != 0 {
			return c
		}
		return cmp.Compare(a.TI, b.TI)
	})
	return out
}

// Touch records user-plane activity on a session.
func (m *Manager) Touch(imsi model.IMSI, ti model.TI) {
	if s, ok := m.sessions[key{imsi, ti}]; ok {
		s.lastActivity = m.clock.Now()
	}
}

// Activate starts activation of a session. A subscriber-originated session
// is created here and its tunnel requested from the configured gateway. A
// network-originated session must already be waiting for the subscriber's
// answer to the request to activate; the gateway is told and the tunnel
// created against the endpoint it announced.
func (m *Manager) Activate(ctx context.Context, imsi model.IMSI, ti model.TI, qos model.QoSProfile, dir model.Direction) error {
	k := key{imsi, ti}
	if dir == model.NetworkOriginated {
		s, ok := m.sessions[k]
		if !ok {
			return fmt.Errorf("activate %s/%s: %w", imsi, ti, ErrNoSession)
		}
		if s.state != StatePagePending || !s.requested {
			return fmt.Errorf("activate %s/%s in %s: %w", imsi, ti, s.state, ErrWrongState)
		}
		m.timers.Stop(s.timer)
		m.tun.SendNotificationResponse(ctx, s.gateway, s.notifyTEID, model.CauseAccepted)
		m.setState(ctx, s, StateActivePending)
		s.dl = m.tun.Allocate(imsi, ti, s.gateway)
		m.startCreate(ctx, s)
		return nil
	}

	if _, dup := m.sessions[k]; dup {
		return fmt.Errorf("activate %s/%s: %w", imsi, ti, ErrDuplicate)
	}
	if !m.mob.Registered(imsi, model.DomainPS) {
		return fmt.Errorf("activate %s/%s: %w", imsi, ti, mm.ErrNotRegistered)
	}
	res, err := m.mob.RequestConnectionEstablishment(ctx, imsi, nas.PDSM, ti)
	if err != nil {
		return fmt.Errorf("activate %s/%s: %w", imsi, ti, err)
	}
	if res != mm.ConnAlreadyActive {
		// The activate request itself arrived on the connection; anything
		// else means the connection went away underneath it.
		m.mob.ReleaseConnection(ctx, imsi, nas.PDSM, ti)
		return fmt.Errorf("activate %s/%s: connection %s: %w", imsi, ti, res, ErrWrongState)
	}
	s := &session{
		imsi:    imsi,
		ti:      ti,
		origin:  model.SubscriberOriginated,
		qos:     qos,
		state:   StateInactive,
		gateway: m.cfg.Gateway,
		rab:     model.RABFor(ti),
	}
	m.sessions[k] = s
	m.mob.AddFlow(imsi, nas.PDSM, ti)
	m.setState(ctx, s, StateActivePending)
	s.dl = m.tun.Allocate(imsi, ti, s.gateway)
	m.startCreate(ctx, s)
	m.metrics.SetSessions(len(m.sessions))
	m.log.Info(ctx, "activation started", logging.IMSI(imsi), logging.TI(ti), logging.TEID(s.dl))
	return nil
}

func (m *Manager) startCreate(ctx context.Context, s *session) {
	s.retry = timer.NewRetry(m.cfg.Timers.MaxRetries)
	m.sendCreate(ctx, s)
	s.timer = m.timers.Start(m.cfg.Timers.ActivationResponse.D(), timer.ActivationResponse{IMSI: s.imsi, TI: s.ti})
}

func (m *Manager) sendCreate(ctx context.Context, s *session) {
	m.tun.SendCreateRequest(ctx, s.gateway, msg.Session{
		IMSI:         s.imsi,
		TI:           s.ti,
		QoS:          s.qos,
		Address:      s.addr,
		UplinkTEID:   s.notifyTEID,
		DownlinkTEID: s.dl,
	})
}

func (m *Manager) requestBearer(ctx context.Context, s *session) error {
	return m.bearers.AssignBearers(ctx, s.imsi, []msg.BearerItem{{
		Domain: model.DomainPS,
		RAB:    s.rab,
		Action: msg.BearerSetup,
		TEID:   s.dl,
		QoS:    s.qos,
	}})
}

// Deactivate starts a locally initiated deactivation of an active session.
// A deactivation already in progress is left alone.
func (m *Manager) Deactivate(ctx context.Context, imsi model.IMSI, ti model.TI, cause model.Cause) error {
	s, ok := m.sessions[key{imsi, ti}]
	if !ok {
		return fmt.Errorf("deactivate %s/%s: %w", imsi, ti, ErrNoSession)
	}
	return m.deactivate(ctx, s, cause, InitiatorLocal)
}

func (m *Manager) deactivate(ctx context.Context, s *session, cause model.Cause, by Initiator) error {
	switch s.state {
	case StateInactivePending:
		return nil
	case StateActive:
	default:
		return fmt.Errorf("deactivate %s/%s in %s: %w", s.imsi, s.ti, s.state, ErrWrongState)
	}
	m.setState(ctx, s, StateInactivePending)
	s.initiator = by
	s.cause = cause
	s.retry = timer.NewRetry(m.cfg.Timers.MaxRetries)
	m.sendDeactivate(ctx, s)
	s.timer = m.timers.Start(m.cfg.Timers.DeactivationConfirm.D(), timer.DeactivationConfirm{IMSI: s.imsi, TI: s.ti})
	m.log.Info(ctx, "deactivation started", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Stringer("cause", cause))
	return nil
}

func (m *Manager) sendDeactivate(ctx context.Context, s *session) {
	m.mob.Send(ctx, s.imsi, &nas.Message{PD: nas.PDSM, TI: s.ti, Type: nas.SMDeactivateRequest, Cause: s.cause})
}

// finishDeactivate completes a deactivation on confirmation, on collision or
// on retry exhaustion.
func (m *Manager) finishDeactivate(ctx context.Context, s *session) {
	m.timers.Stop(s.timer)
	s.timer = timer.Handle{}
	if s.initiator == InitiatorGateway {
		m.tun.SendDeleteResponse(ctx, s.gateway, s.ul, model.CauseAccepted)
	} else if s.ul != 0 {
		m.tun.SendDeleteRequest(ctx, s.gateway, s.tunnelSession())
	}
	m.releaseBearer(ctx, s)
	m.setState(ctx, s, StateInactive)
	m.metrics.SessionOutcome(s.origin.String(), "deactivated")
	m.log.Info(ctx, "session deactivated", logging.IMSI(s.imsi), logging.TI(s.ti))
	m.destroy(ctx, s)
}

func (m *Manager) releaseBearer(ctx context.Context, s *session) {
	if !s.bearerUp {
		return
	}
	s.bearerUp = false
	err := m.bearers.AssignBearers(ctx, s.imsi, []msg.BearerItem{{
		Domain: model.DomainPS,
		RAB:    s.rab,
		Action: msg.BearerRelease,
		TEID:   s.dl,
	}})
	if err != nil {
		m.log.Debug(ctx, "bearer release not sent", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Err(err))
	}
}

// reject fails an activation towards the subscriber and the gateway.
func (m *Manager) reject(ctx context.Context, s *session, cause model.Cause) {
	m.timers.Stop(s.timer)
	s.timer = timer.Handle{}
	m.setState(ctx, s, StateRejected)
	m.mob.Send(ctx, s.imsi, &nas.Message{PD: nas.PDSM, TI: s.ti, Type: nas.SMActivateReject, Cause: cause})
	if s.ul != 0 {
		m.tun.SendDeleteRequest(ctx, s.gateway, s.tunnelSession())
	}
	m.releaseBearer(ctx, s)
	m.setState(ctx, s, StateInactive)
	m.metrics.SessionOutcome(s.origin.String(), "rejected")
	m.log.Info(ctx, "activation rejected", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Stringer("cause", cause))
	m.destroy(ctx, s)
}

// abortNetwork fails a network-originated attempt before any tunnel exists.
func (m *Manager) abortNetwork(ctx context.Context, s *session, cause model.Cause) {
	m.timers.Stop(s.timer)
	s.timer = timer.Handle{}
	m.tun.SendNotificationResponse(ctx, s.gateway, s.notifyTEID, model.CauseRejected)
	m.setState(ctx, s, StateRejected)
	m.setState(ctx, s, StateInactive)
	m.metrics.SessionOutcome(s.origin.String(), "rejected")
	m.log.Info(ctx, "network activation abandoned", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Stringer("cause", cause))
	m.destroy(ctx, s)
}

// destroy frees everything a session holds. It runs exactly once per
// session.
func (m *Manager) destroy(ctx context.Context, s *session) {
	k := key{s.imsi, s.ti}
	if m.sessions[k] != s {
		return
	}
	delete(m.sessions, k)
	m.timers.Stop(s.timer)
	s.timer = timer.Handle{}
	if s.dl != 0 {
		m.tun.Release(s.dl)
	}
	if err := m.mob.ReleaseTI(s.imsi, s.ti); err != nil {
		m.log.Error(ctx, "transaction id release", logging.IMSI(s.imsi), logging.TI(s.ti), logging.Err(err), logging.Defect())
	}
	m.mob.RemoveFlow(s.imsi, nas.PDSM, s.ti)
	m.mob.ReleaseConnection(ctx, s.imsi, nas.PDSM, s.ti)
	m.metrics.SetSessions(len(m.sessions))
}

func (m *Manager) setState(ctx context.Context, s *session, to State) {
	if !allowed(s.state, to) {
		m.log.Error(ctx, "session transition",
			logging.IMSI(s.imsi), logging.TI(s.ti),
			logging.Stringer("from", s.state), logging.Stringer("to", to),
			logging.Err(outcome.ErrInvariant), logging.Defect())
	}
	s.state = to
}

func (s *session) tunnelSession() msg.Session {
	return msg.Session{
		IMSI:         s.imsi,
		TI:           s.ti,
		QoS:          s.qos,
		Address:      s.addr,
		UplinkTEID:   s.ul,
		DownlinkTEID: s.dl,
	}
}

func (m *Manager) byDownlink(dl model.TEID) (*session, bool) {
	r, ok := m.tun.Route(dl)
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[key{r.IMSI, r.TI}]
	return s, ok && s.dl == dl
}

func (m *Manager) ofSubscriber(imsi model.IMSI) []*session {
	var out []*session
	for k, s := range m.sessions {
		if k.imsi == imsi {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *session) int { return cmp.Compare(a.ti, b.ti) })
	return out
}

// ConnectionEstablished continues a network-originated session whose
// subscriber answered paging.
func (m *Manager) ConnectionEstablished(ctx context.Context, imsi model.IMSI, ti model.TI) {
	s, ok := m.sessions[key{imsi, ti}]
	if !ok || s.state != StatePagePending || s.requested {
		return
	}
	m.requestActivation(ctx, s)
}

// ConnectionFailed abandons a network-originated session whose subscriber
// never answered paging.
func (m *Manager) ConnectionFailed(ctx context.Context, imsi model.IMSI, ti model.TI, cause model.Cause) {
	s, ok := m.sessions[key{imsi, ti}]
	if !ok || s.state != StatePagePending {
		return
	}
	m.abortNetwork(ctx, s, cause)
}

// ConnectionReleased is a no-op: sessions survive the loss of the
// signalling connection.
func (m *Manager) ConnectionReleased(context.Context, model.IMSI, model.TI) {}

// Purge tears down every session of imsi towards the gateway only.
func (m *Manager) Purge(ctx context.Context, imsi model.IMSI) {
	for _, s := range m.ofSubscriber(imsi) {
		m.timers.Stop(s.timer)
		s.timer = timer.Handle{}
		switch {
		case s.state == StatePagePending:
			m.tun.SendNotificationResponse(ctx, s.gateway, s.notifyTEID, model.CauseRejected)
		case s.state == StateInactivePending && s.initiator == InitiatorGateway:
			m.tun.SendDeleteResponse(ctx, s.gateway, s.ul, model.CauseAccepted)
		case s.ul != 0:
			m.tun.SendDeleteRequest(ctx, s.gateway, s.tunnelSession())
		}
		m.metrics.SessionOutcome(s.origin.String(), "purged")
		m.destroy(ctx, s)
	}
}

// StartSweep arms the periodic idle-flow sweep.
func (m *Manager) StartSweep() {
	if m.timers.Active(m.sweep) || m.cfg.Timers.FlowSweep <= 0 {
		return
	}
	m.sweep = m.timers.Start(m.cfg.Timers.FlowSweep.D(), timer.FlowSweep{})
}

// StopSweep disarms the idle-flow sweep.
func (m *Manager) StopSweep() {
	m.timers.Stop(m.sweep)
	m.sweep = timer.Handle{}
}

func (m *Manager) onSweep(ctx context.Context, h timer.Handle) outcome.Outcome {
	if h != m.sweep {
		return outcome.Discarded("stale sweep timer")
	}
	now := m.clock.Now()
	idle := m.cfg.Timers.FlowIdle.D()
	var swept int
	for _, s := range m.Sessions() {
		if s.State != StateActive || now.Sub(s.LastActivity) < idle {
			continue
		}
		if err := m.Deactivate(ctx, s.IMSI, s.TI, model.CauseIdle); err == nil {
			swept++
		}
	}
	if swept > 0 {
		m.log.Info(ctx, "idle sessions swept", logging.Int("sessions", swept))
	}
	m.sweep = m.timers.Start(m.cfg.Timers.FlowSweep.D(), timer.FlowSweep{})
	return outcome.Rescheduled(m.sweep)
}

// OnTimer handles the session manager's timer expiries.
func (m *Manager) OnTimer(ctx context.Context, h timer.Handle, p timer.Payload) outcome.Outcome {
	switch p := p.(type) {
	case timer.ActivationResponse:
		return m.onActivationResponse(ctx, h, p)
	case timer.BearerAssignment:
		return m.onBearerAssignment(ctx, h, p)
	case timer.ActivationRequest:
		return m.onActivationRequest(ctx, h, p)
	case timer.DeactivationConfirm:
		return m.onDeactivationConfirm(ctx, h, p)
	case timer.FlowSweep:
		return m.onSweep(ctx, h)
	default:
		return outcome.Discarded(fmt.Sprintf("timer %s not owned by sm", p.Kind()))
	}
}

func (m *Manager) live(imsi model.IMSI, ti model.TI, h timer.Handle, want State) (*session, bool) {
	s, ok := m.sessions[key{imsi, ti}]
	if !ok || s.timer != h || s.state != want {
		return nil, false
	}
	return s, true
}

func (m *Manager) onActivationResponse(ctx context.Context, h timer.Handle, p timer.ActivationResponse) outcome.Outcome {
	s, ok := m.live(p.IMSI, p.TI, h, StateActivePending)
	if !ok || s.ul != 0 {
		return outcome.Discarded("stale activation timer")
	}
	if s.retry.Expire() {
		m.sendCreate(ctx, s)
		s.timer = m.timers.Start(m.cfg.Timers.ActivationResponse.D(), p)
		return outcome.Rescheduled(s.timer)
	}
	s.timer = timer.Handle{}
	m.metrics.ProcedureAborted(timer.KindActivationResponse.String())
	// A CREATE may have landed with only its response lost. Without an
	// uplink endpoint the gateway matches the session and downlink instead.
	m.tun.SendDeleteRequest(ctx, s.gateway, s.tunnelSession())
	m.reject(ctx, s, model.CauseTimeout)
	return outcome.Consumed()
}

func (m *Manager) onBearerAssignment(ctx context.Context, h timer.Handle, p timer.BearerAssignment) outcome.Outcome {
	s, ok := m.live(p.IMSI, p.TI, h, StateActivePending)
	if !ok || s.ul == 0 {
		return outcome.Discarded("stale bearer timer")
	}
	if s.retry.Expire() {
		if err := m.requestBearer(ctx, s); err != nil {
			s.timer = timer.Handle{}
			m.reject(ctx, s, model.CauseNoSuch)
			return outcome.Consumed()
		}
		s.timer = m.timers.Start(m.cfg.Timers.BearerAssignment.D(), p)
		return outcome.Rescheduled(s.timer)
	}
	s.timer = timer.Handle{}
	m.metrics.ProcedureAborted(timer.KindBearerAssignment.String())
	m.reject(ctx, s, model.CauseTimeout)
	return outcome.Consumed()
}

func (m *Manager) onActivationRequest(ctx context.Context, h timer.Handle, p timer.ActivationRequest) outcome.Outcome {
	s, ok := m.live(p.IMSI, p.TI, h, StatePagePending)
	if !ok || !s.requested {
		return outcome.Discarded("stale activation request timer")
	}
	if s.retry.Expire() {
		m.sendRequestActivation(ctx, s)
		s.timer = m.timers.Start(m.cfg.Timers.ActivationRequest.D(), p)
		return outcome.Rescheduled(s.timer)
	}
	s.timer = timer.Handle{}
	m.metrics.ProcedureAborted(timer.KindActivationRequest.String())
	m.abortNetwork(ctx, s, model.CauseTimeout)
	return outcome.Consumed()
}

func (m *Manager) onDeactivationConfirm(ctx context.Context, h timer.Handle, p timer.DeactivationConfirm) outcome.Outcome {
	s, ok := m.live(p.IMSI, p.TI, h, StateInactivePending)
	if !ok {
		return outcome.Discarded("stale deactivation timer")
	}
	if s.retry.Expire() {
		m.sendDeactivate(ctx, s)
		s.timer = m.timers.Start(m.cfg.Timers.DeactivationConfirm.D(), p)
		return outcome.Rescheduled(s.timer)
	}
	s.timer = timer.Handle{}
	m.metrics.ProcedureAborted(timer.KindDeactivationConfirm.String())
	m.finishDeactivate(ctx, s)
	return outcome.Consumed()
}
