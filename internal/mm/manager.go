// Package mm implements the mobility manager of a serving node: the
// circuit-switched MM and packet-switched GMM state machines, paging and the
// signalling-connection bookkeeping that session and call control build on.
//
// The Manager owns the node's subscriber table. Session and call control
// register themselves per protocol discriminator and only ever reach a
// subscriber record through the Manager, by IMSI.
package mm

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/subscriber"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrUnknownSubscriber reports an IMSI with no record at this node.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrNotRegistered reports a subscriber not attached in the requested domain.
	ErrNotRegistered = errors.New("subscriber not registered in domain")
)

// ConnResult is the answer to a connection-establishment request.
type ConnResult int

const (
	// ConnAlreadyActive means the pair now rides an existing connection and
	// the caller may proceed synchronously.
	ConnAlreadyActive ConnResult = iota
	// ConnPaging means the subscriber is being paged; the caller is told the
	// result through its Service.
	ConnPaging
	// ConnFailed means no connection can be established.
	ConnFailed
)

func (r ConnResult) String() string {
	switch r {
	case ConnAlreadyActive:
		return "already-active"
	case ConnPaging:
		return "paging"
	default:
		return "failed"
	}
}

// Service is a connection user registered for one protocol discriminator.
type Service interface {
	nas.Handler
	// ConnectionEstablished reports a paging response for a queued pair.
	ConnectionEstablished(ctx context.Context, imsi model.IMSI, ti model.TI)
	// ConnectionFailed reports paging exhaustion for a queued pair.
	ConnectionFailed(ctx context.Context, imsi model.IMSI, ti model.TI, cause model.Cause)
	// ConnectionReleased reports the loss of the connection under a pair.
	ConnectionReleased(ctx context.Context, imsi model.IMSI, ti model.TI)
	// Purge tears down every transaction of a subscriber that is leaving
	// this node, without signalling towards it.
	Purge(ctx context.Context, imsi model.IMSI)
}

// Directory is the subset of the location-directory client the manager uses.
type Directory interface {
	Update(ctx context.Context, imsi model.IMSI, la model.LocationArea, done hlr.Done)
	Remove(ctx context.Context, imsi model.IMSI, done hlr.Done)
}

// Radio is the outbound radio relay.
type Radio interface {
	DirectTransfer(ctx context.Context, imsi model.IMSI, m *nas.Message) error
	Page(ctx context.Context, imsi model.IMSI, d model.Domain) error
	RequestRelease(ctx context.Context, imsi model.IMSI, d model.Domain, cause model.Cause) error
}

// Metrics records mobility outcomes. Implementations must be nil-safe.
type Metrics interface {
	AttachOutcome(result string)
	SetSubscribers(n int)
	ProcedureAborted(kind string)
}

type nopMetrics struct{}

func (nopMetrics) AttachOutcome(string)    {}
func (nopMetrics) SetSubscribers(int)      {}
func (nopMetrics) ProcedureAborted(string) {}

// Area is the location of the cells of one controller.
type Area struct {
	RoutingArea  model.RoutingArea
	LocationArea model.LocationArea
}

// Config configures a Manager.
type Config struct {
	Self   model.NodeID
	Timers config.Timers
	// Areas lists the controllers this node serves.
	Areas   map[model.RNCID]Area
	Logger  logging.Logger
	Metrics Metrics
	// OnGMM observes every GMM main-state transition.
	OnGMM func(imsi model.IMSI, from, to subscriber.GMMState)
}

// Status is a copy of the externally visible state of one subscriber.
type Status struct {
	IMSI       model.IMSI
	TMSI       model.TMSI
	RNC        model.RNCID
	Cell       model.CellID
	MM         subscriber.MMState
	GMM        subscriber.GMMState
	GMMSub     subscriber.GMMSubState
	PMM        subscriber.PMMState
	CSAttached bool
	Conns      []subscriber.Conn
	TIsInUse   int
	Paging     []model.Domain
}

// Manager is the mobility manager of one serving node.
type Manager struct {
	cfg      Config
	table    *subscriber.Table
	vlr      *hlr.VLR
	dir      Directory
	radio    Radio
	timers   *timer.Service
	log      logging.Logger
	metrics  Metrics
	services map[nas.PD]Service
}

// New builds a manager. Timer expiries of kind AttachConfirm, LocationUpdate
// and Paging must be routed to OnTimer.
func New(cfg Config, vlr *hlr.VLR, dir Directory, radio Radio, timers *timer.Service) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Manager{
		cfg:      cfg,
		table:    subscriber.NewTable(cfg.OnGMM),
		vlr:      vlr,
		dir:      dir,
		radio:    radio,
		timers:   timers,
		log:      log.With(logging.Component("mm")),
		metrics:  metrics,
		services: make(map[nas.PD]Service),
	}
}

// Register installs the service for pd. MM and GMM are handled internally.
func (m *Manager) Register(pd nas.PD, svc Service) error {
	if pd == nas.PDMM || pd == nas.PDGMM {
		return fmt.Errorf("discriminator %s is reserved", pd)
	}
	if _, dup := m.services[pd]; dup {
		return fmt.Errorf("discriminator %s already registered", pd)
	}
	m.services[pd] = svc
	return nil
}

// DispatchNAS routes one uplink NAS message by protocol discriminator.
func (m *Manager) DispatchNAS(ctx context.Context, ev nas.Event) outcome.Outcome {
	if ev.Message == nil {
		return outcome.Discarded("empty NAS event")
	}
	if ev.IMSI == "" {
		ev.IMSI = ev.Message.IMSI
	}
	if ev.IMSI == "" {
		m.log.Warn(ctx, "NAS message without identity", logging.String("msg", ev.Message.Name()))
		return outcome.Discarded("NAS message without identity")
	}
	switch ev.Message.PD {
	case nas.PDGMM:
		return m.handleGMM(ctx, ev)
	case nas.PDMM:
		return m.handleMM(ctx, ev)
	}
	svc, ok := m.services[ev.Message.PD]
	if !ok {
		m.log.Warn(ctx, "no handler for discriminator", logging.IMSI(ev.IMSI), logging.Stringer("pd", ev.Message.PD))
		return outcome.Discarded("unknown protocol discriminator")
	}
	if r, ok := m.table.Get(ev.IMSI); ok {
		m.refreshLocation(r, ev)
		// An uplink session message proves the packet connection is up.
		if ev.Message.PD.Domain() == model.DomainPS && r.GMM == subscriber.GMMRegistered && r.PMM == subscriber.PMMIdle {
			r.PMM = subscriber.PMMConnected
		}
	}
	return svc.HandleNAS(ctx, ev)
}

func (m *Manager) refreshLocation(r *subscriber.Record, ev nas.Event) {
	if ev.RNC == "" || (ev.RNC == r.RNC && ev.Cell == r.Cell) {
		return
	}
	r.RNC, r.Cell = ev.RNC, ev.Cell
	if a, ok := m.cfg.Areas[ev.RNC]; ok {
		r.RoutingArea, r.LocationArea = a.RoutingArea, a.LocationArea
	}
	m.vlr.Attach(r.IMSI, r.RoutingArea, r.RNC, r.Cell)
}

// RequestConnectionEstablishment asks for a signalling connection to carry
// the pair (pd, ti). A connected subscriber gets the pair recorded at once; an
// idle one is paged and the pair queued until the page is answered.
func (m *Manager) RequestConnectionEstablishment(ctx context.Context, imsi model.IMSI, pd nas.PD, ti model.TI) (ConnResult, error) {
	r, ok := m.table.Get(imsi)
	if !ok {
		return ConnFailed, ErrUnknownSubscriber
	}
	d := pd.Domain()
	if !registered(r, d) {
		return ConnFailed, fmt.Errorf("%w: %s %s", ErrNotRegistered, imsi, d)
	}
	c := subscriber.Conn{PD: pd, TI: ti}
	if connected(r, d) {
		r.AddConn(c)
		return ConnAlreadyActive, nil
	}

	p, fresh := r.StartPaging(d, c, m.cfg.Timers.PagingRetries)
	if d == model.DomainCS {
		r.MM = subscriber.MMWaitForConnection
	}
	if fresh {
		if err := m.radio.Page(ctx, imsi, d); err != nil {
			r.StopPaging(d)
			m.restIdle(r, d)
			return ConnFailed, fmt.Errorf("page %s: %w", imsi, err)
		}
		p.Timer = m.timers.Start(m.cfg.Timers.Paging.D(), timer.Paging{IMSI: imsi, Domain: d})
	}
	return ConnPaging, nil
}

// ReleaseConnection drops the pair (pd, ti). When the last pair of a domain
// goes, the domain returns to idle.
func (m *Manager) ReleaseConnection(ctx context.Context, imsi model.IMSI, pd nas.PD, ti model.TI) {
	r, ok := m.table.Get(imsi)
	if !ok {
		return
	}
	c := subscriber.Conn{PD: pd, TI: ti}
	if p := r.Paging(c.Domain()); p != nil {
		p.Waiting = removeConn(p.Waiting, c)
		if len(p.Waiting) == 0 {
			m.timers.Stop(p.Timer)
			r.StopPaging(c.Domain())
		}
	}
	if !r.RemoveConn(c) {
		m.restIdle(r, c.Domain())
		return
	}
	if c.Domain() == model.DomainCS {
		m.notifyReleased(ctx, imsi, c)
	}
	m.restIdle(r, c.Domain())
}

// ReleaseRequested handles a controller-initiated release of the
// subscriber's connection in domain d.
func (m *Manager) ReleaseRequested(ctx context.Context, imsi model.IMSI, d model.Domain, cause model.Cause) outcome.Outcome {
	r, ok := m.table.Get(imsi)
	if !ok {
		return outcome.Discarded("release for unknown subscriber")
	}
	for _, c := range r.Conns(&d) {
		r.RemoveConn(c)
		if d == model.DomainCS {
			m.notifyReleased(ctx, imsi, c)
		}
	}
	if d == model.DomainPS && r.PMM == subscriber.PMMConnected {
		r.PMM = subscriber.PMMIdle
	}
	if d == model.DomainCS && r.Paging(d) == nil {
		r.MM = subscriber.MMIdle
	}
	m.log.Debug(ctx, "connection released by controller",
		logging.IMSI(imsi), logging.Stringer("domain", d), logging.Stringer("cause", cause))
	return outcome.Consumed()
}

func (m *Manager) notifyReleased(ctx context.Context, imsi model.IMSI, c subscriber.Conn) {
	if svc, ok := m.services[c.PD]; ok {
		svc.ConnectionReleased(ctx, imsi, c.TI)
	}
}

// restIdle returns a domain with no pairs and no paging to idle.
func (m *Manager) restIdle(r *subscriber.Record, d model.Domain) {
	if r.HasConns(d) || r.Paging(d) != nil {
		return
	}
	switch d {
	case model.DomainCS:
		r.MM = subscriber.MMIdle
	case model.DomainPS:
		if r.PMM == subscriber.PMMConnected {
			r.PMM = subscriber.PMMIdle
		}
	}
}

func registered(r *subscriber.Record, d model.Domain) bool {
	if d == model.DomainPS {
		return r.GMM == subscriber.GMMRegistered
	}
	return r.CSAttached
}

func connected(r *subscriber.Record, d model.Domain) bool {
	if d == model.DomainPS {
		return r.PMM == subscriber.PMMConnected
	}
	return r.MM == subscriber.MMConnectionActive
}

func removeConn(cs []subscriber.Conn, c subscriber.Conn) []subscriber.Conn {
	out := cs[:0]
	for _, x := range cs {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// pagingResponse completes the paging procedure of domain d.
func (m *Manager) pagingResponse(ctx context.Context, r *subscriber.Record, d model.Domain) {
	p := r.StopPaging(d)
	if p == nil {
		return
	}
	m.timers.Stop(p.Timer)
	if d == model.DomainCS {
		r.MM = subscriber.MMWaitForNetworkOriginated
	}
	for _, c := range p.Waiting {
		r.AddConn(c)
	}
	if d == model.DomainCS {
		r.MM = subscriber.MMConnectionActive
	}
	for _, c := range p.Waiting {
		if svc, ok := m.services[c.PD]; ok {
			svc.ConnectionEstablished(ctx, r.IMSI, c.TI)
		}
	}
}

func (m *Manager) onPaging(ctx context.Context, h timer.Handle, p timer.Paging) outcome.Outcome {
	r, ok := m.table.Get(p.IMSI)
	if !ok {
		return outcome.Discarded("paging timer for unknown subscriber")
	}
	pg := r.Paging(p.Domain)
	if pg == nil || pg.Timer != h {
		return outcome.Discarded("stale paging timer")
	}
	if pg.Retry.Expire() {
		if err := m.radio.Page(ctx, p.IMSI, p.Domain); err != nil {
			m.log.Warn(ctx, "repaging failed", logging.IMSI(p.IMSI), logging.Err(err))
		}
		pg.Timer = m.timers.Start(m.cfg.Timers.Paging.D(), p)
		return outcome.Rescheduled(pg.Timer)
	}

	r.StopPaging(p.Domain)
	m.restIdle(r, p.Domain)
	m.metrics.ProcedureAborted(timer.KindPaging.String())
	m.log.Info(ctx, "paging abandoned", logging.IMSI(p.IMSI),
		logging.Stringer("domain", p.Domain), logging.Int("attempts", pg.Retry.Count))
	for _, c := range pg.Waiting {
		if svc, ok := m.services[c.PD]; ok {
			svc.ConnectionFailed(ctx, p.IMSI, c.TI, model.CauseTimeout)
		}
	}
	return outcome.Consumed()
}

// OnTimer handles the mobility timer kinds.
func (m *Manager) OnTimer(ctx context.Context, h timer.Handle, p timer.Payload) outcome.Outcome {
	switch p := p.(type) {
	case timer.AttachConfirm:
		return m.onAttachConfirm(ctx, h, p)
	case timer.LocationUpdate:
		return m.onLocationUpdate(ctx, h, p)
	case timer.Paging:
		return m.onPaging(ctx, h, p)
	default:
		return outcome.Discarded("timer kind not handled by mm")
	}
}

// CancelLocation purges a subscriber the register has relocated to another
// serving node.
func (m *Manager) CancelLocation(ctx context.Context, imsi model.IMSI) model.Cause {
	r, ok := m.table.Get(imsi)
	if !ok {
		return model.CauseNoSuch
	}
	m.log.Info(ctx, "location cancelled by register", logging.IMSI(imsi))
	m.purge(ctx, r, false)
	return model.CauseAccepted
}

// purge removes a subscriber from this node together with every transaction
// it holds.
func (m *Manager) purge(ctx context.Context, r *subscriber.Record, notifyRegister bool) {
	for _, h := range r.Timers() {
		m.timers.Stop(h)
	}
	for _, d := range []model.Domain{model.DomainCS, model.DomainPS} {
		if p := r.StopPaging(d); p != nil {
			for _, c := range p.Waiting {
				if svc, ok := m.services[c.PD]; ok {
					svc.ConnectionFailed(ctx, r.IMSI, c.TI, model.CauseNoSuch)
				}
			}
		}
	}
	for _, pd := range []nas.PD{nas.PDSM, nas.PDCC} {
		if svc, ok := m.services[pd]; ok {
			svc.Purge(ctx, r.IMSI)
		}
	}
	if r.GMM != subscriber.GMMDeregistered {
		if err := r.SetGMM(subscriber.GMMDeregistered); err != nil {
			m.log.Error(ctx, "purge", logging.IMSI(r.IMSI), logging.Err(err), logging.Defect())
		}
	}
	m.vlr.Detach(r.IMSI)
	m.table.Remove(r.IMSI)
	m.metrics.SetSubscribers(m.table.Len())
	if notifyRegister {
		m.dir.Remove(ctx, r.IMSI, func(ctx context.Context, res hlr.Result) {
			if !res.OK() {
				m.log.Debug(ctx, "register remove not honoured", logging.IMSI(r.IMSI), logging.Stringer("cause", res.Cause))
			}
		})
	}
}

// Status returns a copy of the subscriber's state.
func (m *Manager) Status(imsi model.IMSI) (Status, bool) {
	r, ok := m.table.Get(imsi)
	if !ok {
		return Status{}, false
	}
	st := Status{
		IMSI:       r.IMSI,
		TMSI:       r.TMSI,
		RNC:        r.RNC,
		Cell:       r.Cell,
		MM:         r.MM,
		GMM:        r.GMM,
		GMMSub:     r.GMMSub,
		PMM:        r.PMM,
		CSAttached: r.CSAttached,
		Conns:      r.Conns(nil),
		TIsInUse:   r.TIsInUse(),
	}
	for _, d := range []model.Domain{model.DomainCS, model.DomainPS} {
		if r.Paging(d) != nil {
			st.Paging = append(st.Paging, d)
		}
	}
	return st, true
}

// Subscribers returns the IMSIs held at this node, sorted.
func (m *Manager) Subscribers() []model.IMSI { return m.table.IMSIs() }

// Registered reports whether imsi is registered in domain d.
func (m *Manager) Registered(imsi model.IMSI, d model.Domain) bool {
	r, ok := m.table.Get(imsi)
	return ok && registered(r, d)
}

// AllocateTI claims a network-originated transaction id for imsi.
func (m *Manager) AllocateTI(imsi model.IMSI) (model.TI, error) {
	r, ok := m.table.Get(imsi)
	if !ok {
		return 0, ErrUnknownSubscriber
	}
	return r.AllocateTI()
}

// ReleaseTI clears a transaction id at teardown. A subscriber that already
// left the node has nothing to clear.
func (m *Manager) ReleaseTI(imsi model.IMSI, ti model.TI) error {
	r, ok := m.table.Get(imsi)
	if !ok {
		return nil
	}
	return r.ReleaseTI(ti)
}

// AddFlow records a flow or call in the subscriber's ordered collection.
func (m *Manager) AddFlow(imsi model.IMSI, pd nas.PD, ti model.TI) {
	if r, ok := m.table.Get(imsi); ok {
		r.AddFlow(subscriber.Conn{PD: pd, TI: ti})
	}
}

// RemoveFlow drops a flow or call.
func (m *Manager) RemoveFlow(imsi model.IMSI, pd nas.PD, ti model.TI) {
	if r, ok := m.table.Get(imsi); ok {
		r.RemoveFlow(subscriber.Conn{PD: pd, TI: ti})
	}
}

// Send carries a downlink NAS message to imsi.
func (m *Manager) Send(ctx context.Context, imsi model.IMSI, msg *nas.Message) {
	msg.IMSI = imsi
	if err := m.radio.DirectTransfer(ctx, imsi, msg); err != nil {
		m.log.Warn(ctx, "downlink NAS not sent", logging.IMSI(imsi), logging.String("msg", msg.Name()), logging.Err(err))
	}
}
