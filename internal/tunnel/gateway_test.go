package tunnel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gsn-simulator/internal/gtp"
	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/simtest"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var subscriberAddr = netip.MustParseAddr("10.45.0.10")

type fakeLocator struct {
	queries []model.IMSI
	done    []hlr.Done
}

func (f *fakeLocator) Query(_ context.Context, imsi model.IMSI, done hlr.Done) {
	f.queries = append(f.queries, imsi)
	f.done = append(f.done, done)
}

type dropCounter struct {
	drops    map[string]int
	relayed  map[string]int
	aborted  map[string]int
	contexts int
}

func newDropCounter() *dropCounter {
	return &dropCounter{drops: map[string]int{}, relayed: map[string]int{}, aborted: map[string]int{}}
}

func (d *dropCounter) PacketDropped(reason string, _ int) { d.drops[reason]++ }
func (d *dropCounter) PacketRelayed(dir string)           { d.relayed[dir]++ }
func (d *dropCounter) SetGatewayContexts(n int)           { d.contexts = n }
func (d *dropCounter) ProcedureAborted(kind string)       { d.aborted[kind]++ }

type gatewayHarness struct {
	*simtest.Env
	gw      *Gateway
	pool    *Pool
	locator *fakeLocator
	metrics *dropCounter
}

func newGateway(t *testing.T) *gatewayHarness {
	t.Helper()
	env := simtest.NewEnv()
	pool, err := NewPool(netip.MustParsePrefix("10.46.0.0/24"), map[model.IMSI]netip.Addr{"001": subscriberAddr})
	require.NoError(t, err)
	h := &gatewayHarness{Env: env, pool: pool, locator: &fakeLocator{}, metrics: newDropCounter()}
	h.gw = NewGateway(GatewayConfig{
		Self:                "ggsn",
		PDN:                 "pdn",
		NotificationTimeout: 2 * time.Second,
		DeleteTimeout:       time.Second,
		UpdateTimeout:       10 * time.Second,
		RejectedRestart:     30 * time.Second,
		MaxRetries:          2,
		Limits:              Limits{PerContext: 4096, Aggregate: 8192, Threshold: model.QoSStreaming},
		DefaultQoS:          model.QoSProfile{Class: model.QoSBackground},
		Metrics:             h.metrics,
	}, env.Out, env.Timers, h.locator, pool)
	env.Timers.SetExpiry(func(ctx context.Context, hd timer.Handle, p timer.Payload) { h.gw.OnTimer(ctx, hd, p) })
	return h
}

func datagram(t *testing.T, dst netip.Addr, body string) []byte {
	t.Helper()
	b, err := gtp.BuildUDP(netip.MustParseAddr("198.51.100.7"), dst, 80, 4000, []byte(body))
	require.NoError(t, err)
	return b
}

func (h *gatewayHarness) createAndActivate(t *testing.T, dl model.TEID) model.TEID {
	t.Helper()
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{
		Type:    msg.TunnelCreateRequest,
		Session: &msg.Session{IMSI: "001", TI: 0, QoS: model.QoSProfile{Class: model.QoSInteractive}, DownlinkTEID: dl},
	})
	resp := simtest.Of[*msg.Tunnel](h.Out)[0]
	h.Out.Take()
	require.Equal(t, msg.TunnelCreateResponse, resp.Type)
	require.Equal(t, model.CauseAccepted, resp.Cause)
	require.Equal(t, dl, resp.TEID)
	require.Equal(t, subscriberAddr, resp.Session.Address)
	ul := resp.Session.UplinkTEID
	require.NotZero(t, ul)

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{
		Type:    msg.TunnelUpdateRequest,
		TEID:    ul,
		Session: &msg.Session{IMSI: "001", UplinkTEID: ul, DownlinkTEID: dl},
	})
	up := h.Out.Take()[0].Body.(*msg.Tunnel)
	require.Equal(t, msg.TunnelUpdateResponse, up.Type)
	require.Equal(t, model.CauseAccepted, up.Cause)
	return ul
}

func TestSubscriberSessionRelaysBothWays(t *testing.T) {
	h := newGateway(t)
	ul := h.createAndActivate(t, 77)

	snap, ok := h.gw.Lookup(ul)
	require.True(t, ok)
	require.Equal(t, GatewayActive, snap.State)
	require.Equal(t, model.TEID(77), snap.DownlinkTEID)

	in := datagram(t, subscriberAddr, "down")
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: in})
	sent := h.Out.Take()
	require.Len(t, sent, 1)
	require.Equal(t, model.NodeID("sgsn"), sent[0].To)
	data := sent[0].Body.(*msg.Tunnel)
	teid, inner, err := gtp.Decapsulate(data.Payload)
	require.NoError(t, err)
	require.Equal(t, model.TEID(77), teid)
	require.Equal(t, in, inner)

	frame, err := gtp.Encapsulate(ul, datagram(t, netip.MustParseAddr("198.51.100.7"), "up"))
	require.NoError(t, err)
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelData, TEID: ul, Payload: frame})
	sent = h.Out.Take()
	require.Len(t, sent, 1)
	require.Equal(t, model.NodeID("pdn"), sent[0].To)
	require.Equal(t, 1, h.metrics.relayed["uplink"])
	require.Equal(t, 1, h.metrics.relayed["downlink"])
}

func TestRetransmittedCreateIsIdempotent(t *testing.T) {
	h := newGateway(t)
	req := &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &msg.Session{IMSI: "001", TI: 2, DownlinkTEID: 5}}
	h.gw.Handle(h.Ctx, "sgsn", req)
	h.gw.Handle(h.Ctx, "sgsn", req)
	resps := simtest.Of[*msg.Tunnel](h.Out)
	require.Len(t, resps, 2)
	require.Equal(t, resps[0].Session.UplinkTEID, resps[1].Session.UplinkTEID)
	require.Len(t, h.gw.Contexts(), 1)
}

func TestIdleSubscriberNotificationExhaustionRejects(t *testing.T) {
	h := newGateway(t)
	in := datagram(t, subscriberAddr, "early")
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: in})

	require.Equal(t, []model.IMSI{"001"}, h.locator.queries)
	ctxs := h.gw.Contexts()
	require.Len(t, ctxs, 1)
	require.Equal(t, GatewayPending, ctxs[0].State)
	require.Equal(t, 1, ctxs[0].Buffered)

	h.locator.done[0](h.Ctx, hlr.Result{Cause: model.CauseAccepted, Node: "sgsn"})
	note := h.Out.Take()[0]
	require.Equal(t, model.NodeID("sgsn"), note.To)
	require.Equal(t, msg.TunnelNotificationRequest, note.Body.(*msg.Tunnel).Type)
	ul := note.Body.(*msg.Tunnel).Session.UplinkTEID

	// Two retransmissions, then the bound is exceeded.
	h.Advance(2 * time.Second)
	h.Advance(2 * time.Second)
	require.Len(t, h.Out.Take(), 2)
	h.Advance(2 * time.Second)
	require.Zero(t, h.Out.Len())

	snap, ok := h.gw.Lookup(ul)
	require.True(t, ok)
	require.Equal(t, GatewayRejected, snap.State)
	require.Zero(t, snap.Buffered)
	require.Equal(t, 1, h.metrics.drops[DropRejected])
	require.Zero(t, h.gw.BufferedBytes())

	// Further data while rejected is dropped and accounted.
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: in})
	require.Equal(t, 2, h.metrics.drops[DropRejected])

	h.Advance(30 * time.Second)
	_, ok = h.gw.Lookup(ul)
	require.False(t, ok, "rejected context purged after restart interval")
	require.Zero(t, h.Timers.Live())
}

func TestNetworkOriginatedSessionFlushesBufferInOrder(t *testing.T) {
	h := newGateway(t)
	first := datagram(t, subscriberAddr, "one")
	second := datagram(t, subscriberAddr, "two")
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: first})
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: second})
	require.Len(t, h.locator.queries, 1, "second packet joins the pending context")

	h.locator.done[0](h.Ctx, hlr.Result{Cause: model.CauseAccepted, Node: "sgsn"})
	ul := h.Out.Take()[0].Body.(*msg.Tunnel).Session.UplinkTEID

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelNotificationResponse, TEID: ul, Cause: model.CauseAccepted})
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{
		Type:    msg.TunnelCreateRequest,
		Session: &msg.Session{IMSI: "001", TI: model.NetworkTI(0), UplinkTEID: ul, DownlinkTEID: 9},
	})
	resp := h.Out.Take()[0].Body.(*msg.Tunnel)
	require.Equal(t, ul, resp.Session.UplinkTEID)

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{
		Type:    msg.TunnelUpdateRequest,
		TEID:    ul,
		Session: &msg.Session{IMSI: "001", UplinkTEID: ul, DownlinkTEID: 9},
	})
	sent := h.Out.Take()
	require.Len(t, sent, 3)
	for i, want := range [][]byte{first, second} {
		data := sent[i].Body.(*msg.Tunnel)
		require.Equal(t, msg.TunnelData, data.Type)
		_, inner, err := gtp.Decapsulate(data.Payload)
		require.NoError(t, err)
		require.Equal(t, want, inner)
	}
	require.Equal(t, msg.TunnelUpdateResponse, sent[2].Body.(*msg.Tunnel).Type)

	snap, _ := h.gw.LookupSession("001", model.NetworkTI(0))
	require.Equal(t, GatewayActive, snap.State)
	require.Equal(t, model.NetworkOriginated, snap.Origin)
	require.Zero(t, h.Timers.Live())
}

func TestUnknownAddressDropped(t *testing.T) {
	h := newGateway(t)
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: datagram(t, netip.MustParseAddr("10.99.0.1"), "x")})
	require.Equal(t, 1, h.metrics.drops[DropUnknownAddress])
	require.Empty(t, h.locator.queries)
}

func TestUpdateRejectsEndpointMismatch(t *testing.T) {
	h := newGateway(t)
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &msg.Session{IMSI: "001", DownlinkTEID: 3}})
	ul := h.Out.Take()[0].Body.(*msg.Tunnel).Session.UplinkTEID

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{
		Type:    msg.TunnelUpdateRequest,
		TEID:    ul,
		Session: &msg.Session{UplinkTEID: ul + 1, DownlinkTEID: 3},
	})
	require.Equal(t, model.CauseRejected, h.Out.Take()[0].Body.(*msg.Tunnel).Cause)
	snap, _ := h.gw.Lookup(ul)
	require.Equal(t, GatewayCreated, snap.State)
}

func TestGatewayInitiatedDelete(t *testing.T) {
	h := newGateway(t)
	ul := h.createAndActivate(t, 12)

	require.NoError(t, h.gw.Deactivate(h.Ctx, ul))
	req := h.Out.Take()[0]
	require.Equal(t, model.NodeID("sgsn"), req.To)
	require.Equal(t, msg.TunnelDeleteRequest, req.Body.(*msg.Tunnel).Type)
	require.Equal(t, model.TEID(12), req.Body.(*msg.Tunnel).TEID)
	require.ErrorIs(t, h.gw.Deactivate(h.Ctx, ul), ErrWrongState)

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelDeleteResponse, TEID: ul, Cause: model.CauseAccepted})
	_, ok := h.gw.Lookup(ul)
	require.False(t, ok)
	require.Zero(t, h.Timers.Live())
	require.ErrorIs(t, h.gw.Deactivate(h.Ctx, ul), ErrNoContext)
}

func TestGatewayDeleteAbandonedAfterRetries(t *testing.T) {
	h := newGateway(t)
	ul := h.createAndActivate(t, 12)
	require.NoError(t, h.gw.Deactivate(h.Ctx, ul))
	h.Advance(3 * time.Second)
	require.Len(t, h.Out.Take(), 3)
	_, ok := h.gw.Lookup(ul)
	require.False(t, ok)
	require.Equal(t, 1, h.metrics.aborted[timer.KindGatewayDelete.String()])
}

func TestServingDeleteRemovesContext(t *testing.T) {
	h := newGateway(t)
	ul := h.createAndActivate(t, 12)
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelDeleteRequest, TEID: ul, Session: &msg.Session{UplinkTEID: ul, DownlinkTEID: 12}})
	resp := h.Out.Take()[0].Body.(*msg.Tunnel)
	require.Equal(t, msg.TunnelDeleteResponse, resp.Type)
	require.Equal(t, model.CauseAccepted, resp.Cause)
	require.Empty(t, h.gw.Contexts())
	require.Zero(t, h.metrics.contexts)
}

func TestRetransmittedCreateRebindsDownlink(t *testing.T) {
	h := newGateway(t)
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &msg.Session{IMSI: "001", TI: 1, DownlinkTEID: 5}})
	first := h.Out.Take()[0].Body.(*msg.Tunnel)

	h.gw.Handle(h.Ctx, "sgsn-2", &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &msg.Session{IMSI: "001", TI: 1, DownlinkTEID: 6}})
	sent := h.Out.Take()
	require.Len(t, sent, 1)
	require.Equal(t, model.NodeID("sgsn-2"), sent[0].To)
	second := sent[0].Body.(*msg.Tunnel)
	require.Equal(t, model.TEID(6), second.TEID)
	require.Equal(t, first.Session.UplinkTEID, second.Session.UplinkTEID)
	require.Equal(t, model.TEID(6), second.Session.DownlinkTEID)

	snap, ok := h.gw.LookupSession("001", 1)
	require.True(t, ok)
	require.Equal(t, model.TEID(6), snap.DownlinkTEID)
	require.Equal(t, model.NodeID("sgsn-2"), snap.Serving)

	// The confirming UPDATE now matches the stored pair and downlink data
	// follows the new endpoint.
	ul := second.Session.UplinkTEID
	h.gw.Handle(h.Ctx, "sgsn-2", &msg.Tunnel{
		Type:    msg.TunnelUpdateRequest,
		TEID:    ul,
		Session: &msg.Session{IMSI: "001", TI: 1, UplinkTEID: ul, DownlinkTEID: 6},
	})
	require.Equal(t, model.CauseAccepted, h.Out.Take()[0].Body.(*msg.Tunnel).Cause)
	h.gw.Handle(h.Ctx, "pdn", &msg.Tunnel{Type: msg.TunnelData, Payload: datagram(t, subscriberAddr, "down")})
	data := h.Out.Take()
	require.Len(t, data, 1)
	require.Equal(t, model.NodeID("sgsn-2"), data[0].To)
	require.Equal(t, model.TEID(6), data[0].Body.(*msg.Tunnel).TEID)
}

func TestUnconfirmedCreateTornDown(t *testing.T) {
	h := newGateway(t)
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &msg.Session{IMSI: "002", TI: 3, DownlinkTEID: 8}})
	resp := h.Out.Take()[0].Body.(*msg.Tunnel)
	ul, addr := resp.Session.UplinkTEID, resp.Session.Address
	owner, ok := h.pool.Owner(addr)
	require.True(t, ok)
	require.Equal(t, model.IMSI("002"), owner)

	h.Advance(10 * time.Second)
	req := h.Out.Take()
	require.Len(t, req, 1)
	require.Equal(t, model.NodeID("sgsn"), req[0].To)
	require.Equal(t, msg.TunnelDeleteRequest, req[0].Body.(*msg.Tunnel).Type)
	require.Equal(t, model.TEID(8), req[0].Body.(*msg.Tunnel).TEID)
	require.Equal(t, 1, h.metrics.aborted[timer.KindGatewayUpdate.String()])
	snap, _ := h.gw.Lookup(ul)
	require.Equal(t, GatewayDeleting, snap.State)

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelDeleteResponse, TEID: ul, Cause: model.CauseAccepted})
	require.Empty(t, h.gw.Contexts())
	_, ok = h.pool.Owner(addr)
	require.False(t, ok, "dynamic address returned to the pool")
	require.Zero(t, h.Timers.Live())
}

func TestUpdateStopsCreateGuard(t *testing.T) {
	h := newGateway(t)
	ul := h.createAndActivate(t, 4)
	h.Advance(time.Minute)
	require.Zero(t, h.Out.Len())
	snap, _ := h.gw.Lookup(ul)
	require.Equal(t, GatewayActive, snap.State)
}

func TestSessionKeyedDeleteRemovesCreatedContext(t *testing.T) {
	h := newGateway(t)
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelCreateRequest, Session: &msg.Session{IMSI: "002", TI: 1, DownlinkTEID: 21}})
	addr := h.Out.Take()[0].Body.(*msg.Tunnel).Session.Address

	// A DELETE from a stale requester does not match the stored downlink.
	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelDeleteRequest, Session: &msg.Session{IMSI: "002", TI: 1, DownlinkTEID: 20}})
	require.Equal(t, model.CauseAccepted, h.Out.Take()[0].Body.(*msg.Tunnel).Cause)
	require.Len(t, h.gw.Contexts(), 1)

	h.gw.Handle(h.Ctx, "sgsn", &msg.Tunnel{Type: msg.TunnelDeleteRequest, Session: &msg.Session{IMSI: "002", TI: 1, DownlinkTEID: 21}})
	resp := h.Out.Take()[0].Body.(*msg.Tunnel)
	require.Equal(t, msg.TunnelDeleteResponse, resp.Type)
	require.Equal(t, model.TEID(21), resp.TEID)
	require.Empty(t, h.gw.Contexts())
	_, ok := h.pool.Owner(addr)
	require.False(t, ok)
	require.Zero(t, h.Timers.Live())
}
