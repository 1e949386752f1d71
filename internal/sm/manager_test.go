package sm

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/mm"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/simtest"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/internal/tunnel"
	"github.com/signalsfoundry/gsn-simulator/model"
)

const (
	imsi    = model.IMSI("001010000000001")
	gateway = model.NodeID("ggsn")
	access  = model.NodeID("rnc-1")
)

var ue = netip.MustParseAddr("10.45.0.7")

type fakeMobility struct {
	registered bool
	conn       mm.ConnResult
	nextTI     uint8
	down       []*nas.Message
	requested  []model.TI
	released   []model.TI
	freedTIs   []model.TI
	flows      map[model.TI]bool
}

func newMobility() *fakeMobility {
	return &fakeMobility{registered: true, conn: mm.ConnAlreadyActive, flows: map[model.TI]bool{}}
}

func (f *fakeMobility) RequestConnectionEstablishment(_ context.Context, _ model.IMSI, _ nas.PD, ti model.TI) (mm.ConnResult, error) {
	f.requested = append(f.requested, ti)
	return f.conn, nil
}
func (f *fakeMobility) ReleaseConnection(_ context.Context, _ model.IMSI, _ nas.PD, ti model.TI) {
	f.released = append(f.released, ti)
}
func (f *fakeMobility) Registered(model.IMSI, model.Domain) bool { return f.registered }
func (f *fakeMobility) AllocateTI(model.IMSI) (model.TI, error) {
	ti := model.NetworkTI(f.nextTI)
	f.nextTI++
	return ti, nil
}
func (f *fakeMobility) ReleaseTI(_ model.IMSI, ti model.TI) error {
	f.freedTIs = append(f.freedTIs, ti)
	return nil
}
func (f *fakeMobility) AddFlow(_ model.IMSI, _ nas.PD, ti model.TI)    { f.flows[ti] = true }
func (f *fakeMobility) RemoveFlow(_ model.IMSI, _ nas.PD, ti model.TI) { delete(f.flows, ti) }
func (f *fakeMobility) Send(_ context.Context, _ model.IMSI, m *nas.Message) {
	f.down = append(f.down, m)
}

func (f *fakeMobility) last() *nas.Message { return f.down[len(f.down)-1] }

type fakeBearers struct{ items []msg.BearerItem }

func (f *fakeBearers) AssignBearers(_ context.Context, _ model.IMSI, items []msg.BearerItem) error {
	f.items = append(f.items, items...)
	return nil
}

type harness struct {
	env     *simtest.Env
	mob     *fakeMobility
	bearers *fakeBearers
	tun     *tunnel.Serving
	m       *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := simtest.NewEnv()
	timers := config.DefaultTimers()
	timers.MaxRetries = 2
	timers.ActivationResponse = config.Duration(time.Second)
	timers.BearerAssignment = config.Duration(time.Second)
	timers.ActivationRequest = config.Duration(time.Second)
	timers.DeactivationConfirm = config.Duration(time.Second)
	timers.FlowIdle = config.Duration(time.Minute)
	timers.FlowSweep = config.Duration(30 * time.Second)

	h := &harness{env: env, mob: newMobility(), bearers: &fakeBearers{}}
	h.tun = tunnel.NewServing(env.Out, nil, nil)
	h.m = New(Config{Gateway: gateway, Timers: timers}, h.mob, h.bearers, h.tun, env.Timers, env.Sched)
	env.Timers.SetExpiry(func(ctx context.Context, hd timer.Handle, p timer.Payload) { h.m.OnTimer(ctx, hd, p) })
	return h
}

func (h *harness) uplink(m *nas.Message) outcome.Outcome {
	m.PD = nas.PDSM
	return h.m.HandleNAS(h.env.Ctx, nas.Event{IMSI: imsi, RNC: "rnc-1", Message: m})
}

func (h *harness) tunnels() []*msg.Tunnel { return simtest.Of[*msg.Tunnel](h.env.Out) }

func (h *harness) lastTunnel(t *testing.T) *msg.Tunnel {
	t.Helper()
	ts := h.tunnels()
	require.NotEmpty(t, ts)
	return ts[len(ts)-1]
}

// activate drives a subscriber-originated session to ACTIVE.
func (h *harness) activate(t *testing.T, ti model.TI) Session {
	t.Helper()
	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest, QoS: model.QoSProfile{Class: model.QoSInteractive}})
	s, ok := h.m.Session(imsi, ti)
	require.True(t, ok)
	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{
		Type:    msg.TunnelCreateResponse,
		TEID:    s.DownlinkTEID,
		Cause:   model.CauseAccepted,
		Session: &msg.Session{IMSI: imsi, TI: ti, UplinkTEID: 900 + model.TEID(ti), Address: ue},
	})
	h.m.BearersAssigned(h.env.Ctx, access, imsi, []msg.BearerItem{{
		Domain: model.DomainPS, RAB: model.RABFor(ti), Action: msg.BearerSetup, TEID: 77, Outcome: model.CauseAccepted,
	}})
	s, _ = h.m.Session(imsi, ti)
	require.Equal(t, StateActive, s.State)
	return s
}

func TestSubscriberActivation(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)

	res := h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest, QoS: model.QoSProfile{Class: model.QoSInteractive}})
	require.Equal(t, outcome.KindRescheduled, res.Kind)
	s, ok := h.m.Session(imsi, ti)
	require.True(t, ok)
	require.Equal(t, StateActivePending, s.State)

	create := h.lastTunnel(t)
	require.Equal(t, msg.TunnelCreateRequest, create.Type)
	require.Equal(t, s.DownlinkTEID, create.Session.DownlinkTEID)
	require.Equal(t, []model.TI{ti}, h.mob.requested)
	require.True(t, h.mob.flows[ti])

	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{
		Type:    msg.TunnelCreateResponse,
		TEID:    s.DownlinkTEID,
		Cause:   model.CauseAccepted,
		Session: &msg.Session{UplinkTEID: 901, Address: ue},
	})
	require.Len(t, h.bearers.items, 1)
	require.Equal(t, model.RABFor(ti), h.bearers.items[0].RAB)
	require.Equal(t, s.DownlinkTEID, h.bearers.items[0].TEID)

	h.m.BearersAssigned(h.env.Ctx, access, imsi, []msg.BearerItem{{
		Domain: model.DomainPS, RAB: model.RABFor(ti), Action: msg.BearerSetup, TEID: 77, Outcome: model.CauseAccepted,
	}})
	s, _ = h.m.Session(imsi, ti)
	require.Equal(t, StateActive, s.State)
	require.Equal(t, model.TEID(901), s.UplinkTEID)
	require.Equal(t, ue, s.Address)

	accept := h.mob.last()
	require.Equal(t, nas.SMActivateAccept, accept.Type)
	require.Equal(t, ue, accept.Address)
	update := h.lastTunnel(t)
	require.Equal(t, msg.TunnelUpdateRequest, update.Type)
	require.Equal(t, model.TEID(901), update.TEID)

	r, ok := h.tun.Route(s.DownlinkTEID)
	require.True(t, ok)
	require.Equal(t, access, r.Access)
	require.Equal(t, model.TEID(77), r.AccessTEID)
	require.Equal(t, model.TEID(901), r.UplinkTEID)
}

func TestActivationRefusedWhenNotRegistered(t *testing.T) {
	h := newHarness(t)
	h.mob.registered = false
	ti := model.SubscriberTI(0)

	require.Equal(t, outcome.KindConsumed, h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest}).Kind)
	require.Equal(t, nas.SMActivateReject, h.mob.last().Type)
	require.Equal(t, model.CauseNoSuch, h.mob.last().Cause)
	_, ok := h.m.Session(imsi, ti)
	require.False(t, ok)
	require.Empty(t, h.tunnels())
}

func TestDuplicateActivateRequest(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(2)

	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	require.Equal(t, outcome.KindDiscarded, h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest}).Kind)
	require.Len(t, h.tunnels(), 1)

	h2 := newHarness(t)
	h2.activate(t, ti)
	n := len(h2.mob.down)
	h2.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	require.Len(t, h2.mob.down, n+1)
	require.Equal(t, nas.SMActivateAccept, h2.mob.last().Type)
}

func TestCreateRetransmitsThenRejects(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})

	h.env.Advance(10 * time.Second)
	creates := 0
	for _, tm := range h.tunnels() {
		if tm.Type == msg.TunnelCreateRequest {
			creates++
		}
	}
	require.Equal(t, 3, creates)
	require.Equal(t, nas.SMActivateReject, h.mob.last().Type)
	require.Equal(t, model.CauseTimeout, h.mob.last().Cause)
	_, ok := h.m.Session(imsi, ti)
	require.False(t, ok)
	require.Zero(t, h.tun.Routes())
	require.Equal(t, []model.TI{ti}, h.mob.freedTIs)
	require.Equal(t, []model.TI{ti}, h.mob.released)
	require.Empty(t, h.mob.flows)
}

func TestLostCreateResponseReleasesGatewayContext(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(2)
	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	s, _ := h.m.Session(imsi, ti)

	h.env.Advance(10 * time.Second)
	require.Empty(t, h.m.Sessions())
	sent := h.env.Out.Take()
	last := sent[len(sent)-1]
	require.Equal(t, gateway, last.To)
	del := last.Body.(*msg.Tunnel)
	require.Equal(t, msg.TunnelDeleteRequest, del.Type)
	require.Zero(t, del.TEID, "uplink endpoint never learned")
	require.Equal(t, imsi, del.Session.IMSI)
	require.Equal(t, ti, del.Session.TI)
	require.Equal(t, s.DownlinkTEID, del.Session.DownlinkTEID)

	// The response finally shows up after the session is gone.
	res := h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{
		Type:    msg.TunnelCreateResponse,
		TEID:    s.DownlinkTEID,
		Cause:   model.CauseAccepted,
		Session: &msg.Session{IMSI: imsi, TI: ti, UplinkTEID: 903, DownlinkTEID: s.DownlinkTEID, Address: ue},
	})
	require.Equal(t, outcome.KindConsumed, res.Kind)
	sent = h.env.Out.Take()
	require.Len(t, sent, 1)
	require.Equal(t, gateway, sent[0].To)
	late := sent[0].Body.(*msg.Tunnel)
	require.Equal(t, msg.TunnelDeleteRequest, late.Type)
	require.Equal(t, model.TEID(903), late.TEID)
	require.Empty(t, h.m.Sessions())
	require.Zero(t, h.env.Timers.Live())
}

func TestGatewayDeleteWhileCreatePending(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	s, _ := h.m.Session(imsi, ti)

	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{
		Type:    msg.TunnelDeleteRequest,
		TEID:    s.DownlinkTEID,
		Session: &msg.Session{IMSI: imsi, TI: ti, UplinkTEID: 904, DownlinkTEID: s.DownlinkTEID},
	})
	resp := h.lastTunnel(t)
	require.Equal(t, msg.TunnelDeleteResponse, resp.Type)
	require.Equal(t, model.TEID(904), resp.TEID)
	require.Equal(t, nas.SMActivateReject, h.mob.last().Type)
	require.Empty(t, h.m.Sessions())
}

func TestCreateRejectedByGateway(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	s, _ := h.m.Session(imsi, ti)

	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{Type: msg.TunnelCreateResponse, TEID: s.DownlinkTEID, Cause: model.CauseNoResources})
	require.Equal(t, nas.SMActivateReject, h.mob.last().Type)
	require.Equal(t, model.CauseNoResources, h.mob.last().Cause)
	require.Empty(t, h.m.Sessions())
	require.Equal(t, 0, h.env.Timers.Live())
}

func TestBearerFailureDeletesTunnel(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	s, _ := h.m.Session(imsi, ti)
	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{
		Type: msg.TunnelCreateResponse, TEID: s.DownlinkTEID, Cause: model.CauseAccepted,
		Session: &msg.Session{UplinkTEID: 901, Address: ue},
	})

	h.m.BearersAssigned(h.env.Ctx, access, imsi, []msg.BearerItem{{
		Domain: model.DomainPS, RAB: model.RABFor(ti), Action: msg.BearerSetup, Outcome: model.CauseNoResources,
	}})
	del := h.lastTunnel(t)
	require.Equal(t, msg.TunnelDeleteRequest, del.Type)
	require.Equal(t, model.TEID(901), del.TEID)
	require.Equal(t, nas.SMActivateReject, h.mob.last().Type)
	require.Empty(t, h.m.Sessions())
}

func TestLocalDeactivation(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.activate(t, ti)

	require.NoError(t, h.m.Deactivate(h.env.Ctx, imsi, ti, model.CauseNormalClearing))
	require.NoError(t, h.m.Deactivate(h.env.Ctx, imsi, ti, model.CauseNormalClearing))
	s, _ := h.m.Session(imsi, ti)
	require.Equal(t, StateInactivePending, s.State)
	require.Equal(t, nas.SMDeactivateRequest, h.mob.last().Type)

	h.uplink(&nas.Message{TI: ti, Type: nas.SMDeactivateAccept})
	require.Empty(t, h.m.Sessions())
	require.Equal(t, msg.TunnelDeleteRequest, h.lastTunnel(t).Type)
	last := h.bearers.items[len(h.bearers.items)-1]
	require.Equal(t, msg.BearerRelease, last.Action)
	require.Equal(t, []model.TI{ti}, h.mob.freedTIs)
}

func TestDeactivationCollision(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.activate(t, ti)

	require.NoError(t, h.m.Deactivate(h.env.Ctx, imsi, ti, model.CauseNormalClearing))
	h.uplink(&nas.Message{TI: ti, Type: nas.SMDeactivateRequest})
	require.Equal(t, nas.SMDeactivateAccept, h.mob.last().Type)
	require.Empty(t, h.m.Sessions())

	// The late accept for our own request finds nothing.
	require.Equal(t, outcome.KindDiscarded, h.uplink(&nas.Message{TI: ti, Type: nas.SMDeactivateAccept}).Kind)
	require.Len(t, h.mob.freedTIs, 1)
}

func TestDeactivationExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.activate(t, ti)
	before := len(h.mob.down)

	require.NoError(t, h.m.Deactivate(h.env.Ctx, imsi, ti, model.CauseNormalClearing))
	h.env.Advance(10 * time.Second)
	require.Len(t, h.mob.down, before+3)
	require.Empty(t, h.m.Sessions())
	require.Equal(t, msg.TunnelDeleteRequest, h.lastTunnel(t).Type)
}

func TestGatewayInitiatedDelete(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	s := h.activate(t, ti)

	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{Type: msg.TunnelDeleteRequest, TEID: s.DownlinkTEID})
	require.Equal(t, nas.SMDeactivateRequest, h.mob.last().Type)
	h.uplink(&nas.Message{TI: ti, Type: nas.SMDeactivateAccept})

	resp := h.lastTunnel(t)
	require.Equal(t, msg.TunnelDeleteResponse, resp.Type)
	require.Equal(t, s.UplinkTEID, resp.TEID)
	require.Equal(t, model.CauseAccepted, resp.Cause)
	require.Empty(t, h.m.Sessions())
}

func TestGatewayDeleteForUnknownSession(t *testing.T) {
	h := newHarness(t)
	h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{Type: msg.TunnelDeleteRequest, TEID: 4242, Session: &msg.Session{UplinkTEID: 55}})
	resp := h.lastTunnel(t)
	require.Equal(t, msg.TunnelDeleteResponse, resp.Type)
	require.Equal(t, model.TEID(55), resp.TEID)
}

func TestSubscriberDeactivation(t *testing.T) {
	h := newHarness(t)
	ti := model.SubscriberTI(1)
	h.activate(t, ti)

	h.uplink(&nas.Message{TI: ti, Type: nas.SMDeactivateRequest})
	require.Equal(t, nas.SMDeactivateAccept, h.mob.last().Type)
	require.Equal(t, msg.TunnelDeleteRequest, h.lastTunnel(t).Type)
	require.Empty(t, h.m.Sessions())

	// Unknown session still gets its accept.
	h.uplink(&nas.Message{TI: ti, Type: nas.SMDeactivateRequest})
	require.Equal(t, nas.SMDeactivateAccept, h.mob.last().Type)
}

func notify(h *harness, ul model.TEID) outcome.Outcome {
	return h.m.HandleTunnel(h.env.Ctx, gateway, &msg.Tunnel{
		Type:    msg.TunnelNotificationRequest,
		Session: &msg.Session{IMSI: imsi, QoS: model.QoSProfile{Class: model.QoSBackground}, Address: ue, UplinkTEID: ul},
	})
}

func TestNetworkActivationWhilePaging(t *testing.T) {
	h := newHarness(t)
	h.mob.conn = mm.ConnPaging
	ti := model.NetworkTI(0)

	require.Equal(t, outcome.KindConsumed, notify(h, 500).Kind)
	s, ok := h.m.Session(imsi, ti)
	require.True(t, ok)
	require.Equal(t, StatePagePending, s.State)
	require.Equal(t, model.NetworkOriginated, s.Origin)
	require.Empty(t, h.mob.down)

	// A repeated notification for the same attempt is absorbed.
	require.Equal(t, outcome.KindDiscarded, notify(h, 500).Kind)

	h.m.ConnectionEstablished(h.env.Ctx, imsi, ti)
	req := h.mob.last()
	require.Equal(t, nas.SMRequestActivation, req.Type)
	require.Equal(t, ti, req.TI)
	require.Equal(t, ue, req.Address)

	h.uplink(&nas.Message{TI: ti, Type: nas.SMActivateRequest})
	ts := h.tunnels()
	require.Len(t, ts, 2)
	require.Equal(t, msg.TunnelNotificationResponse, ts[0].Type)
	require.Equal(t, model.TEID(500), ts[0].TEID)
	require.Equal(t, model.CauseAccepted, ts[0].Cause)
	require.Equal(t, msg.TunnelCreateRequest, ts[1].Type)
	require.Equal(t, model.TEID(500), ts[1].Session.UplinkTEID)

	s, _ = h.m.Session(imsi, ti)
	require.Equal(t, StateActivePending, s.State)
}

func TestNetworkActivationPagingFails(t *testing.T) {
	h := newHarness(t)
	h.mob.conn = mm.ConnPaging
	notify(h, 500)

	h.m.ConnectionFailed(h.env.Ctx, imsi, model.NetworkTI(0), model.CauseTimeout)
	resp := h.lastTunnel(t)
	require.Equal(t, msg.TunnelNotificationResponse, resp.Type)
	require.Equal(t, model.CauseRejected, resp.Cause)
	require.Empty(t, h.m.Sessions())
	require.Equal(t, []model.TI{model.NetworkTI(0)}, h.mob.freedTIs)
}

func TestNetworkActivationRequestTimesOut(t *testing.T) {
	h := newHarness(t)
	notify(h, 500)
	require.Equal(t, nas.SMRequestActivation, h.mob.last().Type)

	h.env.Advance(10 * time.Second)
	requests := 0
	for _, m := range h.mob.down {
		if m.Type == nas.SMRequestActivation {
			requests++
		}
	}
	require.Equal(t, 3, requests)
	require.Equal(t, model.CauseRejected, h.lastTunnel(t).Cause)
	require.Empty(t, h.m.Sessions())
}

func TestNetworkActivationRefusedBySubscriber(t *testing.T) {
	h := newHarness(t)
	notify(h, 500)
	h.uplink(&nas.Message{TI: model.NetworkTI(0), Type: nas.SMRequestActivationReject})
	require.Equal(t, msg.TunnelNotificationResponse, h.lastTunnel(t).Type)
	require.Equal(t, model.CauseRejected, h.lastTunnel(t).Cause)
	require.Empty(t, h.m.Sessions())
}

func TestNotificationForUnregistered(t *testing.T) {
	h := newHarness(t)
	h.mob.registered = false
	notify(h, 500)
	require.Equal(t, model.CauseRejected, h.lastTunnel(t).Cause)
	require.Empty(t, h.m.Sessions())
}

func TestPurgeTearsDownTowardsGatewayOnly(t *testing.T) {
	h := newHarness(t)
	h.activate(t, model.SubscriberTI(1))
	h.mob.conn = mm.ConnPaging
	notify(h, 500)
	ues := len(h.mob.down)

	h.m.Purge(h.env.Ctx, imsi)
	require.Empty(t, h.m.Sessions())
	require.Len(t, h.mob.down, ues)
	ts := h.tunnels()
	var kinds []msg.TunnelType
	for _, tm := range ts[len(ts)-2:] {
		kinds = append(kinds, tm.Type)
	}
	require.ElementsMatch(t, []msg.TunnelType{msg.TunnelDeleteRequest, msg.TunnelNotificationResponse}, kinds)
	require.Zero(t, h.tun.Routes())
}

func TestIdleSweep(t *testing.T) {
	h := newHarness(t)
	busy, idle := model.SubscriberTI(1), model.SubscriberTI(2)
	h.activate(t, busy)
	h.activate(t, idle)
	h.m.StartSweep()

	for i := 0; i < 3; i++ {
		h.env.Advance(25 * time.Second)
		h.m.Touch(imsi, busy)
	}
	// Swept at 60s; the unanswered deactivation finished by 63s.
	_, ok := h.m.Session(imsi, idle)
	require.False(t, ok)
	require.Equal(t, nas.SMDeactivateRequest, h.mob.last().Type)
	require.Equal(t, model.CauseIdle, h.mob.last().Cause)
	s, _ := h.m.Session(imsi, busy)
	require.Equal(t, StateActive, s.State)
	h.m.StopSweep()
}

func TestTransitionGraph(t *testing.T) {
	require.True(t, allowed(StateInactive, StateActivePending))
	require.True(t, allowed(StatePagePending, StateActivePending))
	require.False(t, allowed(StateActive, StateActivePending))
	require.False(t, allowed(StateInactivePending, StateActive))
	require.False(t, allowed(StateRejected, StateActive))
}
