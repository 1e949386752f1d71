// Package node assembles one simulated core node from its configured roles
// and routes every envelope and timer expiry of that node to the component
// that owns it.
//
// A node is the unit of exclusive ownership: its subscriber, session, call
// and register tables are reachable only through the node's own handlers,
// which run one at a time on the node's scheduler.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/gsn-simulator/internal/cc"
	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/gmsc"
	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/mm"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/observability"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/ranap"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/internal/sm"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/internal/tunnel"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// DefaultPool is the dynamic address prefix of a gateway with none configured.
const DefaultPool = "10.45.0.0/16"

var (
	// ErrRoles reports a role set the node cannot be assembled from.
	ErrRoles = errors.New("unsupported role combination")
)

// Config describes one node to assemble.
type Config struct {
	Spec     config.Node
	Scenario *config.Config
	// HLR is the node running the register.
	HLR model.NodeID
	// PDN receives uplink datagrams leaving a gateway.
	PDN     model.NodeID
	Logger  logging.Logger
	Metrics *observability.NodeRecorder
}

// Node is one simulated core node.
type Node struct {
	id      model.NodeID
	spec    config.Node
	sched   sched.EventScheduler
	timers  *timer.Service
	log     logging.Logger
	metrics *observability.NodeRecorder
	areas   []config.Controller

	register *hlr.Register
	client   *hlr.Client
	vlr      *hlr.VLR
	relay    *ranap.Relay
	radio    *ranap.Dispatcher
	mobility *mm.Manager
	serving  *tunnel.Serving
	sessions *sm.Manager
	calls    *cc.Controller
	gateway  *tunnel.Gateway
	router   *gmsc.Router
}

// New assembles a node on scheduler s. Every envelope the node emits goes
// through send.
func New(ctx context.Context, cfg Config, s sched.EventScheduler, send msg.Sender) (*Node, error) {
	spec := cfg.Spec
	sc := cfg.Scenario
	if sc == nil {
		sc = config.Default()
	}
	if spec.HasRole(config.RoleSwitch) && !spec.HasRole(config.RoleServing) {
		return nil, fmt.Errorf("%w: node %q: switch requires serving", ErrRoles, spec.ID)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	self := model.NodeID(spec.ID)
	log = log.With(logging.Node(self))

	n := &Node{
		id:      self,
		spec:    spec,
		sched:   s,
		log:     log,
		metrics: cfg.Metrics,
	}
	n.timers = timer.NewService(logging.ContextWithLogger(ctx, log), s, cfg.Metrics)

	if spec.HasRole(config.RoleHLR) {
		n.register = hlr.NewRegister(self, send,
			hlr.WithRegisterLogger(log),
			hlr.WithRegisterMetrics(cfg.Metrics))
	}
	if spec.HasRole(config.RoleServing) || spec.HasRole(config.RoleGateway) || spec.HasRole(config.RoleGatewaySwitch) {
		client, err := hlr.NewClient(hlr.ClientConfig{
			Self:       self,
			Register:   cfg.HLR,
			Timeout:    sc.Timers.DirectoryQuery.D(),
			MaxRetries: sc.Timers.MaxRetries,
			Logger:     log,
		}, send, n.timers)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", spec.ID, err)
		}
		n.client = client
	}

	if spec.HasRole(config.RoleServing) {
		if err := n.assembleServing(sc, send); err != nil {
			return nil, err
		}
	}
	if spec.HasRole(config.RoleGateway) {
		if err := n.assembleGateway(sc, cfg.PDN, send); err != nil {
			return nil, err
		}
	}
	if spec.HasRole(config.RoleGatewaySwitch) {
		n.router = gmsc.NewRouter(send, n.client,
			gmsc.WithLogger(log),
			gmsc.WithMetrics(cfg.Metrics))
	}

	n.timers.SetExpiry(n.onTimer)
	return n, nil
}

func (n *Node) assembleServing(sc *config.Config, send msg.Sender) error {
	areas := make(map[model.RNCID]mm.Area)
	for _, rc := range sc.Controllers {
		if rc.Owner != n.spec.ID {
			continue
		}
		areas[model.RNCID(rc.ID)] = mm.Area{
			RoutingArea:  model.RoutingArea(rc.RoutingArea),
			LocationArea: model.LocationArea(rc.LocationArea),
		}
		n.areas = append(n.areas, rc)
	}

	n.vlr = hlr.NewVLR()
	n.relay = ranap.NewRelay(n.id, send, n.vlr, n.client, n.log)
	n.mobility = mm.New(mm.Config{
		Self:    n.id,
		Timers:  sc.Timers,
		Areas:   areas,
		Logger:  n.log,
		Metrics: n.metrics,
	}, n.vlr, n.client, n.relay, n.timers)
	n.client.SetCanceller(n.mobility)
	n.radio = ranap.NewDispatcher(n.relay, n.mobility, n.mobility)

	n.serving = tunnel.NewServing(send, n.log, n.metrics)
	n.sessions = sm.New(sm.Config{
		Gateway: model.NodeID(n.spec.Gateway),
		Timers:  sc.Timers,
		Logger:  n.log,
		Metrics: n.metrics,
	}, n.mobility, n.relay, n.serving, n.timers, n.sched)
	if err := n.mobility.Register(nas.PDSM, n.sessions); err != nil {
		return fmt.Errorf("node %q: %w", n.spec.ID, err)
	}
	n.radio.SetBearerListener(model.DomainPS, n.sessions)

	if n.spec.HasRole(config.RoleSwitch) {
		calls, err := cc.New(cc.Config{
			Router:  model.NodeID(n.spec.Router),
			Timers:  sc.Timers,
			Logger:  n.log,
			Metrics: n.metrics,
		}, n.mobility, n.relay, send, n.timers)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.spec.ID, err)
		}
		if err := n.mobility.Register(nas.PDCC, calls); err != nil {
			return fmt.Errorf("node %q: %w", n.spec.ID, err)
		}
		n.radio.SetBearerListener(model.DomainCS, calls)
		n.calls = calls
	}
	return nil
}

func (n *Node) assembleGateway(sc *config.Config, pdn model.NodeID, send msg.Sender) error {
	raw := n.spec.Pool
	if raw == "" {
		raw = DefaultPool
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return fmt.Errorf("node %q: pool: %w", n.spec.ID, err)
	}
	static := make(map[model.IMSI]netip.Addr)
	for _, sub := range sc.Subscribers {
		if sub.Address == "" {
			continue
		}
		addr, err := netip.ParseAddr(sub.Address)
		if err != nil {
			return fmt.Errorf("node %q: subscriber %s address: %w", n.spec.ID, sub.IMSI, err)
		}
		static[model.IMSI(sub.IMSI)] = addr
	}
	pool, err := tunnel.NewPool(prefix, static)
	if err != nil {
		return fmt.Errorf("node %q: %w", n.spec.ID, err)
	}
	n.gateway = tunnel.NewGateway(tunnel.GatewayConfig{
		Self:                n.id,
		PDN:                 pdn,
		NotificationTimeout: sc.Timers.GatewayNotification.D(),
		DeleteTimeout:       sc.Timers.GatewayDelete.D(),
		UpdateTimeout:       sc.Timers.GatewayUpdate.D(),
		RejectedRestart:     sc.Timers.RejectedRestart.D(),
		MaxRetries:          sc.Timers.MaxRetries,
		Limits: tunnel.Limits{
			PerContext: sc.Buffers.PerContextBytes,
			Aggregate:  sc.Buffers.AggregateBytes,
			Threshold:  sc.Buffers.Threshold(),
		},
		DefaultQoS: model.QoSProfile{Class: model.QoSBackground},
		Logger:     n.log,
		Metrics:    n.metrics,
	}, send, n.timers, n.client, pool)
	return nil
}

// Start publishes the node's radio topology and arms its periodic sweeps.
func (n *Node) Start(ctx context.Context) {
	for _, rc := range n.areas {
		ctrl := msg.ControllerRecord{Controller: model.RNCID(rc.ID), Endpoint: model.NodeID(rc.ID)}
		for _, cell := range rc.Cells {
			rec := msg.CellRecord{
				Cell:        model.CellID(cell),
				BaseStation: model.BaseStationID(cell),
				Controller:  model.RNCID(rc.ID),
			}
			n.client.RegisterTopology(ctx, rec, ctrl, func(ctx context.Context, res hlr.Result) {
				if !res.OK() {
					n.log.Warn(ctx, "topology registration failed",
						logging.String("cell", cell), logging.Stringer("cause", res.Cause))
				}
			})
		}
	}
	if n.sessions != nil {
		n.sessions.StartSweep()
	}
	n.log.Info(ctx, "node started", logging.Any("roles", n.spec.Roles), logging.Int("controllers", len(n.areas)))
}

// Stop cancels the node's periodic sweeps. Pending protocol timers are left
// to the scheduler.
func (n *Node) Stop() {
	if n.sessions != nil {
		n.sessions.StopSweep()
	}
}

// Deliver hands one envelope to the component that owns it.
func (n *Node) Deliver(ctx context.Context, env msg.Envelope) outcome.Outcome {
	iface := env.Body.Interface()
	ctx, span := observability.StartSpan(ctx, "node.deliver",
		attribute.String("node", string(n.id)),
		observability.InterfaceKey.String(iface.String()),
		attribute.String("kind", env.Body.KindName()),
		attribute.String("from", string(env.From)),
	)
	defer span.End()
	n.metrics.MessageDelivered(iface.String())

	res := n.route(ctx, env)
	span.SetAttributes(attribute.String("outcome", res.String()))
	if res.Kind == outcome.KindDiscarded {
		n.log.Debug(ctx, "envelope discarded",
			logging.Stringer("interface", iface),
			logging.String("kind", env.Body.KindName()),
			logging.String("from", string(env.From)),
			logging.String("reason", res.Reason))
	}
	return res
}

func (n *Node) route(ctx context.Context, env msg.Envelope) outcome.Outcome {
	switch b := env.Body.(type) {
	case *msg.Directory:
		if n.register != nil && registerCommand(b.Cmd) {
			return n.register.Handle(ctx, env.From, b)
		}
		if n.client != nil {
			return n.client.Handle(ctx, env.From, b)
		}
	case *msg.Tunnel:
		if n.gateway != nil {
			return n.gateway.Handle(ctx, env.From, b)
		}
		if n.serving != nil {
			return n.serving.Handle(ctx, env.From, b)
		}
	case *msg.Radio:
		if n.radio != nil {
			return n.radio.Handle(ctx, env.From, b)
		}
	case *msg.Switch:
		if n.router != nil {
			return n.router.Handle(ctx, env.From, b)
		}
		if n.calls != nil {
			return n.calls.HandleSwitch(ctx, env.From, b)
		}
	}
	return outcome.Discarded("no component for " + env.Body.Interface().String())
}

// registerCommand reports whether cmd is addressed to the register rather
// than to a directory client.
func registerCommand(cmd msg.DirectoryCommand) bool {
	switch cmd {
	case msg.DirUpdate, msg.DirRemove, msg.DirQuery, msg.DirUpdateCell, msg.DirQueryCell, msg.DirRemoveReply:
		return true
	}
	return false
}

// onTimer dispatches one expiry by payload kind.
func (n *Node) onTimer(ctx context.Context, h timer.Handle, p timer.Payload) {
	var res outcome.Outcome
	switch p := p.(type) {
	case timer.AttachConfirm, timer.LocationUpdate, timer.Paging:
		res = n.mobility.OnTimer(ctx, h, p)
	case timer.ActivationResponse, timer.ActivationRequest, timer.DeactivationConfirm, timer.FlowSweep:
		res = n.sessions.OnTimer(ctx, h, p)
	case timer.BearerAssignment:
		if p.Domain != model.DomainPS {
			res = outcome.Discarded("circuit bearer timer")
			break
		}
		res = n.sessions.OnTimer(ctx, h, p)
	case timer.CallState:
		res = n.calls.OnTimer(ctx, h, p)
	case timer.DirectoryQuery:
		res = n.client.OnTimer(ctx, h, p)
	case timer.GatewayNotification, timer.GatewayDelete, timer.GatewayUpdate, timer.RejectedPurge:
		res = n.gateway.OnTimer(ctx, h, p)
	default:
		n.log.Error(ctx, "timer without owner", logging.Stringer("kind", p.Kind()), logging.Defect())
		return
	}
	if res.Kind == outcome.KindDiscarded {
		n.log.Debug(ctx, "stale timer", logging.Stringer("kind", p.Kind()), logging.String("reason", res.Reason))
	}
}

// ID returns the node's backbone address.
func (n *Node) ID() model.NodeID { return n.id }

// Spec returns the node's configuration.
func (n *Node) Spec() config.Node { return n.spec }

// Scheduler returns the node's event queue.
func (n *Node) Scheduler() sched.EventScheduler { return n.sched }

// Timers returns the node's timer service.
func (n *Node) Timers() *timer.Service { return n.timers }

// Now returns the node's virtual time.
func (n *Node) Now() time.Time { return n.sched.Now() }

// Register is the HLR register, or nil.
func (n *Node) Register() *hlr.Register { return n.register }

// Directory is the directory client, or nil.
func (n *Node) Directory() *hlr.Client { return n.client }

// VLR is the visitor register of a serving node, or nil.
func (n *Node) VLR() *hlr.VLR { return n.vlr }

// Mobility is the mobility manager of a serving node, or nil.
func (n *Node) Mobility() *mm.Manager { return n.mobility }

// Sessions is the session manager of a serving node, or nil.
func (n *Node) Sessions() *sm.Manager { return n.sessions }

// Tunnels is the serving side of the tunnel coordinator, or nil.
func (n *Node) Tunnels() *tunnel.Serving { return n.serving }

// Calls is the call controller of a switch node, or nil.
func (n *Node) Calls() *cc.Controller { return n.calls }

// Gateway is the gateway side of the tunnel coordinator, or nil.
func (n *Node) Gateway() *tunnel.Gateway { return n.gateway }

// Router is the remote-switch router, or nil.
func (n *Node) Router() *gmsc.Router { return n.router }
