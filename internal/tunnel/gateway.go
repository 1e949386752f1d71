// Package tunnel implements the tunnel coordinator on both sides of the
// serving/gateway interface: session tunnel creation, confirmation and
// teardown, and user-data relay with pending-packet buffering.
package tunnel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/gtp"
	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrNoContext reports an operation on an unknown tunnel endpoint.
	ErrNoContext = errors.New("no gateway context")
	// ErrWrongState reports an operation a context cannot perform now.
	ErrWrongState = errors.New("gateway context in wrong state")
)

// GatewayState is the state of a gateway session context.
type GatewayState int

const (
	// GatewayPending buffers downlink data while the serving node is located.
	GatewayPending GatewayState = iota
	// GatewayNotified waits for CREATE after an accepted notification.
	GatewayNotified
	// GatewayCreated waits for UPDATE after an accepted CREATE.
	GatewayCreated
	GatewayActive
	GatewayDeleting
	GatewayRejected
)

func (s GatewayState) String() string {
	switch s {
	case GatewayPending:
		return "PENDING"
	case GatewayNotified:
		return "NOTIFIED"
	case GatewayCreated:
		return "CREATED"
	case GatewayActive:
		return "ACTIVE"
	case GatewayDeleting:
		return "DELETING"
	case GatewayRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a copy of one gateway context.
type Snapshot struct {
	IMSI         model.IMSI
	TI           model.TI
	Address      netip.Addr
	QoS          model.QoSProfile
	UplinkTEID   model.TEID
	DownlinkTEID model.TEID
	Serving      model.NodeID
	State        GatewayState
	Origin       model.Direction
	Buffered     int
}

type gatewayContext struct {
	imsi     model.IMSI
	ti       model.TI
	addr     netip.Addr
	qos      model.QoSProfile
	ul       model.TEID
	dl       model.TEID
	serving  model.NodeID
	state    GatewayState
	origin   model.Direction
	buffer   Buffer
	timer    timer.Handle
	retry    timer.Retry
	resolved bool
}

func (c *gatewayContext) snapshot() Snapshot {
	return Snapshot{
		IMSI:         c.imsi,
		TI:           c.ti,
		Address:      c.addr,
		QoS:          c.qos,
		UplinkTEID:   c.ul,
		DownlinkTEID: c.dl,
		Serving:      c.serving,
		State:        c.state,
		Origin:       c.origin,
		Buffered:     c.buffer.Len(),
	}
}

// Locator resolves the serving node of a subscriber.
type Locator interface {
	Query(ctx context.Context, imsi model.IMSI, done hlr.Done)
}

// GatewayMetrics receives gateway accounting. Implementations must be
// nil-safe.
type GatewayMetrics interface {
	PacketDropped(reason string, bytes int)
	PacketRelayed(direction string)
	SetGatewayContexts(n int)
	ProcedureAborted(kind string)
}

type nopGatewayMetrics struct{}

func (nopGatewayMetrics) PacketDropped(string, int) {}
func (nopGatewayMetrics) PacketRelayed(string)      {}
func (nopGatewayMetrics) SetGatewayContexts(int)    {}
func (nopGatewayMetrics) ProcedureAborted(string)   {}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Self model.NodeID
	// PDN receives decapsulated uplink datagrams. Empty discards them.
	PDN model.NodeID

	NotificationTimeout time.Duration
	DeleteTimeout       time.Duration
	UpdateTimeout       time.Duration // bounds CREATED without UPDATE
	RejectedRestart     time.Duration
	MaxRetries          int

	Limits Limits
	// DefaultQoS applies to contexts the gateway creates for inbound data.
	DefaultQoS model.QoSProfile

	Logger  logging.Logger
	Metrics GatewayMetrics
}

// Gateway is the gateway side of the tunnel coordinator.
type Gateway struct {
	cfg     GatewayConfig
	send    msg.Sender
	timers  *timer.Service
	locator Locator
	pool    *Pool
	log     logging.Logger
	metrics GatewayMetrics

	acct     accountant
	nextTEID model.TEID
	byTEID   map[model.TEID]*gatewayContext
	byAddr   map[netip.Addr]model.TEID
	byKey    map[sessionKey]model.TEID
}

type sessionKey struct {
	imsi model.IMSI
	ti   model.TI
}

// NewGateway builds a gateway coordinator. Timer expiries of kinds
// GatewayNotification, GatewayDelete, GatewayUpdate and RejectedPurge must
// be routed to OnTimer.
func NewGateway(cfg GatewayConfig, send msg.Sender, timers *timer.Service, locator Locator, pool *Pool) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	var metrics GatewayMetrics = nopGatewayMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	return &Gateway{
		cfg:     cfg,
		send:    send,
		timers:  timers,
		locator: locator,
		pool:    pool,
		log:     log.With(logging.Component("gateway")),
		metrics: metrics,
		acct:    accountant{limits: cfg.Limits},
		byTEID:  make(map[model.TEID]*gatewayContext),
		byAddr:  make(map[netip.Addr]model.TEID),
		byKey:   make(map[sessionKey]model.TEID),
	}
}

// Lookup returns a copy of the context at uplink endpoint teid.
func (g *Gateway) Lookup(teid model.TEID) (Snapshot, bool) {
	c, ok := g.byTEID[teid]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// LookupSession returns a copy of the context of one subscriber session.
func (g *Gateway) LookupSession(imsi model.IMSI, ti model.TI) (Snapshot, bool) {
	teid, ok := g.byKey[sessionKey{imsi, ti}]
	if !ok {
		return Snapshot{}, false
	}
	return g.Lookup(teid)
}

// Contexts returns copies of every context ordered by uplink endpoint.
func (g *Gateway) Contexts() []Snapshot {
	out := make([]Snapshot, 0, len(g.byTEID))
	for _, c := range g.byTEID {
		out = append(out, c.snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.UplinkTEID, b.UplinkTEID) })
	return out
}

// BufferedBytes returns the aggregate pending-buffer occupancy.
func (g *Gateway) BufferedBytes() int { return g.acct.total }

// Handle processes one tunnel envelope addressed to the gateway.
func (g *Gateway) Handle(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	switch t.Type {
	case msg.TunnelData:
		if t.TEID == 0 {
			return g.downlink(ctx, t.Payload)
		}
		return g.uplink(ctx, t)
	case msg.TunnelCreateRequest:
		return g.create(ctx, from, t)
	case msg.TunnelUpdateRequest:
		return g.update(ctx, from, t)
	case msg.TunnelDeleteRequest:
		return g.deleteRequest(ctx, from, t)
	case msg.TunnelDeleteResponse:
		return g.deleteResponse(ctx, t)
	case msg.TunnelNotificationResponse:
		return g.notificationResponse(ctx, t)
	default:
		g.log.Warn(ctx, "unexpected tunnel message", logging.Stringer("type", t.Type), logging.Node(from))
		return outcome.Discarded("unexpected tunnel message")
	}
}

func (g *Gateway) allocateTEID() model.TEID {
	for {
		g.nextTEID++
		if _, used := g.byTEID[g.nextTEID]; g.nextTEID != 0 && !used {
			return g.nextTEID
		}
	}
}

func (g *Gateway) index(c *gatewayContext) {
	g.byTEID[c.ul] = c
	if _, ok := g.byAddr[c.addr]; !ok && c.addr.IsValid() {
		g.byAddr[c.addr] = c.ul
	}
	g.metrics.SetGatewayContexts(len(g.byTEID))
}

func (g *Gateway) remove(ctx context.Context, c *gatewayContext, reason string) {
	g.timers.Stop(c.timer)
	g.dropBuffer(c, reason)
	delete(g.byTEID, c.ul)
	if c.resolved {
		delete(g.byKey, sessionKey{c.imsi, c.ti})
	}
	if g.byAddr[c.addr] == c.ul {
		delete(g.byAddr, c.addr)
		// Another session of the same subscriber takes over the address.
		for _, other := range g.byTEID {
			if other.addr == c.addr {
				g.byAddr[c.addr] = other.ul
				break
			}
		}
	}
	if _, stillUsed := g.byAddr[c.addr]; !stillUsed {
		g.pool.Release(c.imsi)
	}
	g.metrics.SetGatewayContexts(len(g.byTEID))
	g.log.Debug(ctx, "gateway context removed",
		logging.IMSI(c.imsi), logging.TEID(c.ul), logging.Stringer("state", c.state))
}

func (g *Gateway) dropBuffer(c *gatewayContext, reason string) {
	n := c.buffer.Bytes()
	for _, p := range c.buffer.Drain() {
		g.metrics.PacketDropped(reason, len(p))
	}
	g.acct.release(n)
}

func (g *Gateway) respond(ctx context.Context, to model.NodeID, typ msg.TunnelType, teid model.TEID, cause model.Cause, sess *msg.Session) {
	g.send.Send(ctx, to, &msg.Tunnel{Type: typ, TEID: teid, Cause: cause, Session: sess})
}

func (g *Gateway) downlink(ctx context.Context, datagram []byte) outcome.Outcome {
	dst, err := gtp.Destination(datagram)
	if err != nil {
		g.metrics.PacketDropped(DropMalformed, len(datagram))
		return outcome.Discarded(err.Error())
	}

	if teid, ok := g.byAddr[dst]; ok {
		c := g.byTEID[teid]
		switch c.state {
		case GatewayActive:
			g.relayDown(ctx, c, datagram)
		case GatewayRejected:
			g.metrics.PacketDropped(DropRejected, len(datagram))
		case GatewayDeleting:
			g.metrics.PacketDropped(DropDeleted, len(datagram))
		default:
			g.buffer(c, datagram)
		}
		return outcome.Consumed()
	}

	imsi, ok := g.pool.Owner(dst)
	if !ok {
		g.metrics.PacketDropped(DropUnknownAddress, len(datagram))
		return outcome.Discarded("no subscriber owns " + dst.String())
	}

	// Network-originated session: hold the packet and locate the subscriber.
	c := &gatewayContext{
		imsi:   imsi,
		addr:   dst,
		qos:    g.cfg.DefaultQoS,
		ul:     g.allocateTEID(),
		state:  GatewayPending,
		origin: model.NetworkOriginated,
		retry:  timer.NewRetry(g.cfg.MaxRetries),
	}
	g.index(c)
	g.buffer(c, datagram)
	g.log.Info(ctx, "downlink data for idle subscriber", logging.IMSI(imsi), logging.TEID(c.ul))

	teid := c.ul
	g.locator.Query(ctx, imsi, func(ctx context.Context, res hlr.Result) { g.located(ctx, teid, res) })
	return outcome.Consumed()
}

func (g *Gateway) located(ctx context.Context, teid model.TEID, res hlr.Result) {
	c, ok := g.byTEID[teid]
	if !ok || c.state != GatewayPending || c.serving != "" {
		return
	}
	if !res.OK() {
		g.log.Info(ctx, "subscriber not located", logging.IMSI(c.imsi), logging.Err(res.Err()))
		g.reject(ctx, c, "locate")
		return
	}
	c.serving = res.Node
	g.notify(ctx, c)
	c.timer = g.timers.Start(g.cfg.NotificationTimeout, timer.GatewayNotification{TEID: c.ul})
}

func (g *Gateway) notify(ctx context.Context, c *gatewayContext) {
	g.send.Send(ctx, c.serving, &msg.Tunnel{
		Type: msg.TunnelNotificationRequest,
		Session: &msg.Session{
			IMSI:       c.imsi,
			QoS:        c.qos,
			Address:    c.addr,
			UplinkTEID: c.ul,
		},
	})
}

func (g *Gateway) buffer(c *gatewayContext, datagram []byte) {
	for _, size := range g.acct.enqueue(&c.buffer, c.qos, datagram) {
		g.metrics.PacketDropped(DropOverflow, size)
	}
}

func (g *Gateway) relayDown(ctx context.Context, c *gatewayContext, datagram []byte) {
	frame, err := gtp.Encapsulate(c.dl, datagram)
	if err != nil {
		g.metrics.PacketDropped(DropMalformed, len(datagram))
		g.log.Warn(ctx, "encapsulate downlink", logging.TEID(c.dl), logging.Err(err))
		return
	}
	g.send.Send(ctx, c.serving, &msg.Tunnel{Type: msg.TunnelData, TEID: c.dl, Payload: frame})
	g.metrics.PacketRelayed("downlink")
}

func (g *Gateway) uplink(ctx context.Context, t *msg.Tunnel) outcome.Outcome {
	c, ok := g.byTEID[t.TEID]
	if !ok || c.state != GatewayActive {
		g.metrics.PacketDropped(DropNoTunnel, len(t.Payload))
		return outcome.Discarded("uplink data without active tunnel")
	}
	teid, inner, err := gtp.Decapsulate(t.Payload)
	if err != nil || teid != t.TEID {
		g.metrics.PacketDropped(DropMalformed, len(t.Payload))
		return outcome.Discarded("malformed uplink G-PDU")
	}
	g.metrics.PacketRelayed("uplink")
	if g.cfg.PDN == "" {
		return outcome.Consumed()
	}
	g.send.Send(ctx, g.cfg.PDN, &msg.Tunnel{Type: msg.TunnelData, Payload: inner})
	return outcome.Forwarded(g.cfg.PDN)
}

func (g *Gateway) create(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	s := t.Session
	if s == nil {
		return outcome.Discarded("CREATE without session")
	}
	key := sessionKey{s.IMSI, s.TI}

	if teid, ok := g.byKey[key]; ok {
		c := g.byTEID[teid]
		if c.state == GatewayCreated || c.state == GatewayActive {
			// Retransmitted or reused CREATE: keep the uplink endpoint and
			// address, rebind the downlink side to the requester.
			if s.DownlinkTEID != 0 && s.DownlinkTEID != c.dl {
				g.log.Info(ctx, "CREATE rebinds downlink endpoint", logging.IMSI(c.imsi), logging.TEID(c.ul),
					logging.Uint64("old", uint64(c.dl)), logging.Uint64("new", uint64(s.DownlinkTEID)))
				c.dl = s.DownlinkTEID
			}
			c.serving = from
			if c.state == GatewayCreated {
				g.awaitUpdate(c)
			}
			g.respond(ctx, from, msg.TunnelCreateResponse, s.DownlinkTEID, model.CauseAccepted, g.sessionOf(c))
			return outcome.Consumed()
		}
		g.respond(ctx, from, msg.TunnelCreateResponse, s.DownlinkTEID, model.CauseRejected, nil)
		return outcome.Consumed()
	}

	if c := g.pendingFor(s); c != nil {
		g.timers.Stop(c.timer)
		c.timer = timer.Handle{}
		c.ti = s.TI
		c.qos = s.QoS
		c.dl = s.DownlinkTEID
		c.serving = from
		c.state = GatewayCreated
		c.resolved = true
		g.byKey[key] = c.ul
		g.awaitUpdate(c)
		g.respond(ctx, from, msg.TunnelCreateResponse, s.DownlinkTEID, model.CauseAccepted, g.sessionOf(c))
		return outcome.Consumed()
	}

	addr, err := g.pool.Assign(s.IMSI)
	if err != nil {
		g.log.Warn(ctx, "no address for session", logging.IMSI(s.IMSI), logging.Err(err))
		g.respond(ctx, from, msg.TunnelCreateResponse, s.DownlinkTEID, model.CauseRejected, nil)
		return outcome.Consumed()
	}
	if teid, ok := g.byAddr[addr]; ok && g.byTEID[teid].state == GatewayRejected {
		// A fresh subscriber request supersedes a rejected network attempt.
		g.remove(ctx, g.byTEID[teid], DropRejected)
	}

	c := &gatewayContext{
		imsi:     s.IMSI,
		ti:       s.TI,
		addr:     addr,
		qos:      s.QoS,
		ul:       g.allocateTEID(),
		dl:       s.DownlinkTEID,
		serving:  from,
		state:    GatewayCreated,
		origin:   model.SubscriberOriginated,
		retry:    timer.NewRetry(g.cfg.MaxRetries),
		resolved: true,
	}
	g.index(c)
	g.byKey[key] = c.ul
	g.awaitUpdate(c)
	g.log.Debug(ctx, "gateway context created", logging.IMSI(c.imsi), logging.TI(c.ti), logging.TEID(c.ul))
	g.respond(ctx, from, msg.TunnelCreateResponse, s.DownlinkTEID, model.CauseAccepted, g.sessionOf(c))
	return outcome.Consumed()
}

// pendingFor finds the network-originated context a CREATE answers.
func (g *Gateway) pendingFor(s *msg.Session) *gatewayContext {
	if s.UplinkTEID != 0 {
		if c, ok := g.byTEID[s.UplinkTEID]; ok && c.imsi == s.IMSI && c.awaitingCreate() {
			return c
		}
	}
	// A subscriber CREATE racing a network attempt adopts the pending context.
	for _, c := range g.byTEID {
		if c.imsi == s.IMSI && c.awaitingCreate() {
			return c
		}
	}
	return nil
}

// awaitUpdate (re)arms the guard of a CREATED context.
func (g *Gateway) awaitUpdate(c *gatewayContext) {
	g.timers.Stop(c.timer)
	c.timer = g.timers.Start(g.cfg.UpdateTimeout, timer.GatewayUpdate{TEID: c.ul})
}

func (c *gatewayContext) awaitingCreate() bool {
	return !c.resolved && (c.state == GatewayPending || c.state == GatewayNotified)
}

func (g *Gateway) sessionOf(c *gatewayContext) *msg.Session {
	return &msg.Session{
		IMSI:         c.imsi,
		TI:           c.ti,
		QoS:          c.qos,
		Address:      c.addr,
		UplinkTEID:   c.ul,
		DownlinkTEID: c.dl,
	}
}

func (g *Gateway) update(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	c, ok := g.byTEID[t.TEID]
	if !ok || t.Session == nil {
		g.respond(ctx, from, msg.TunnelUpdateResponse, 0, model.CauseRejected, nil)
		return outcome.Discarded("UPDATE for unknown tunnel")
	}
	if t.Session.UplinkTEID != c.ul {
		g.log.Error(ctx, "UPDATE endpoint pair mismatch", logging.Defect(),
			logging.TEID(c.ul), logging.Uint64("claimed", uint64(t.Session.UplinkTEID)))
		g.respond(ctx, from, msg.TunnelUpdateResponse, t.Session.DownlinkTEID, model.CauseRejected, nil)
		return outcome.Discarded("endpoint pair mismatch")
	}
	switch c.state {
	case GatewayCreated, GatewayActive:
	default:
		g.respond(ctx, from, msg.TunnelUpdateResponse, t.Session.DownlinkTEID, model.CauseRejected, nil)
		return outcome.Discarded("UPDATE in state " + c.state.String())
	}

	if c.state == GatewayCreated {
		g.timers.Stop(c.timer)
		c.timer = timer.Handle{}
	}
	c.dl = t.Session.DownlinkTEID
	c.serving = from
	c.state = GatewayActive
	n := c.buffer.Bytes()
	pkts := c.buffer.Drain()
	g.acct.release(n)
	for _, p := range pkts {
		g.relayDown(ctx, c, p)
	}
	if len(pkts) > 0 {
		g.log.Info(ctx, "flushed pending downlink data", logging.TEID(c.ul), logging.Int("packets", len(pkts)))
	}
	g.respond(ctx, from, msg.TunnelUpdateResponse, c.dl, model.CauseAccepted, g.sessionOf(c))
	return outcome.Consumed()
}

func (g *Gateway) deleteRequest(ctx context.Context, from model.NodeID, t *msg.Tunnel) outcome.Outcome {
	c, ok := g.byTEID[t.TEID]
	if !ok && t.TEID == 0 && t.Session != nil {
		// The requester never learned the uplink endpoint; match the
		// session and the downlink endpoint it announced in CREATE.
		if teid, found := g.byKey[sessionKey{t.Session.IMSI, t.Session.TI}]; found && g.byTEID[teid].dl == t.Session.DownlinkTEID {
			c, ok = g.byTEID[teid], true
		}
	}
	if !ok {
		var dl model.TEID
		if t.Session != nil {
			dl = t.Session.DownlinkTEID
		}
		// Already gone: the teardown the peer asks for has happened.
		g.respond(ctx, from, msg.TunnelDeleteResponse, dl, model.CauseAccepted, nil)
		return outcome.Consumed()
	}
	dl := c.dl
	g.remove(ctx, c, DropDeleted)
	g.respond(ctx, from, msg.TunnelDeleteResponse, dl, model.CauseAccepted, nil)
	return outcome.Consumed()
}

func (g *Gateway) deleteResponse(ctx context.Context, t *msg.Tunnel) outcome.Outcome {
	c, ok := g.byTEID[t.TEID]
	if !ok || c.state != GatewayDeleting {
		return outcome.Discarded("unmatched DELETE response")
	}
	g.remove(ctx, c, DropDeleted)
	return outcome.Consumed()
}

// Deactivate starts a gateway-initiated teardown of the session at uplink
// endpoint teid.
func (g *Gateway) Deactivate(ctx context.Context, teid model.TEID) error {
	c, ok := g.byTEID[teid]
	if !ok {
		return fmt.Errorf("deactivate %d: %w", teid, ErrNoContext)
	}
	switch c.state {
	case GatewayActive, GatewayCreated:
	default:
		return fmt.Errorf("deactivate %d in %s: %w", teid, c.state, ErrWrongState)
	}
	g.timers.Stop(c.timer)
	c.state = GatewayDeleting
	c.retry.Reset()
	g.sendDelete(ctx, c)
	c.timer = g.timers.Start(g.cfg.DeleteTimeout, timer.GatewayDelete{TEID: c.ul})
	return nil
}

func (g *Gateway) sendDelete(ctx context.Context, c *gatewayContext) {
	g.send.Send(ctx, c.serving, &msg.Tunnel{
		Type:    msg.TunnelDeleteRequest,
		TEID:    c.dl,
		Session: g.sessionOf(c),
	})
}

func (g *Gateway) notificationResponse(ctx context.Context, t *msg.Tunnel) outcome.Outcome {
	c, ok := g.byTEID[t.TEID]
	if !ok || c.state != GatewayPending || c.serving == "" {
		return outcome.Discarded("unmatched NOTIFICATION response")
	}
	g.timers.Stop(c.timer)
	if !t.Cause.Accepted() {
		g.log.Info(ctx, "network-originated session refused", logging.IMSI(c.imsi), logging.Stringer("cause", t.Cause))
		g.reject(ctx, c, "")
		return outcome.Consumed()
	}
	c.state = GatewayNotified
	c.timer = g.timers.Start(g.cfg.NotificationTimeout, timer.GatewayNotification{TEID: c.ul})
	return outcome.Rescheduled(c.timer)
}

// reject parks c in REJECTED until the restart interval elapses. Buffered
// data is dropped and accounted.
func (g *Gateway) reject(ctx context.Context, c *gatewayContext, aborted string) {
	g.timers.Stop(c.timer)
	g.dropBuffer(c, DropRejected)
	c.state = GatewayRejected
	c.timer = g.timers.Start(g.cfg.RejectedRestart, timer.RejectedPurge{TEID: c.ul})
	if aborted != "" {
		g.metrics.ProcedureAborted(aborted)
	}
}

// OnTimer handles the gateway's timer kinds.
func (g *Gateway) OnTimer(ctx context.Context, h timer.Handle, p timer.Payload) outcome.Outcome {
	var teid model.TEID
	switch p := p.(type) {
	case timer.GatewayNotification:
		teid = p.TEID
	case timer.GatewayDelete:
		teid = p.TEID
	case timer.GatewayUpdate:
		teid = p.TEID
	case timer.RejectedPurge:
		teid = p.TEID
	default:
		return outcome.Discarded("foreign timer kind")
	}
	c, ok := g.byTEID[teid]
	if !ok || c.timer != h {
		return outcome.Discarded("stale gateway timer")
	}
	c.timer = timer.Handle{}

	switch p.(type) {
	case timer.GatewayNotification:
		switch c.state {
		case GatewayPending:
			if c.retry.Expire() {
				g.notify(ctx, c)
				c.timer = g.timers.Start(g.cfg.NotificationTimeout, p)
				return outcome.Rescheduled(c.timer)
			}
			g.log.Info(ctx, "notification retries exhausted", logging.IMSI(c.imsi), logging.TEID(c.ul))
			g.reject(ctx, c, timer.KindGatewayNotification.String())
		case GatewayNotified:
			g.reject(ctx, c, timer.KindGatewayNotification.String())
		default:
			return outcome.Discarded("notification timer in state " + c.state.String())
		}
	case timer.GatewayDelete:
		if c.state != GatewayDeleting {
			return outcome.Discarded("delete timer in state " + c.state.String())
		}
		if c.retry.Expire() {
			g.sendDelete(ctx, c)
			c.timer = g.timers.Start(g.cfg.DeleteTimeout, p)
			return outcome.Rescheduled(c.timer)
		}
		g.metrics.ProcedureAborted(timer.KindGatewayDelete.String())
		g.remove(ctx, c, DropDeleted)
	case timer.GatewayUpdate:
		if c.state != GatewayCreated {
			return outcome.Discarded("update timer in state " + c.state.String())
		}
		// The serving node never confirmed; tear down towards it so both
		// sides release the session.
		g.log.Info(ctx, "CREATE never confirmed", logging.IMSI(c.imsi), logging.TI(c.ti), logging.TEID(c.ul))
		g.metrics.ProcedureAborted(timer.KindGatewayUpdate.String())
		if err := g.Deactivate(ctx, c.ul); err != nil {
			g.remove(ctx, c, DropDeleted)
			return outcome.Consumed()
		}
		return outcome.Rescheduled(c.timer)
	case timer.RejectedPurge:
		if c.state != GatewayRejected {
			return outcome.Discarded("purge timer in state " + c.state.String())
		}
		g.remove(ctx, c, DropRejected)
	}
	return outcome.Consumed()
}
