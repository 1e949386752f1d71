package sim

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/node"
	"github.com/signalsfoundry/gsn-simulator/internal/observability"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/model"
	"github.com/signalsfoundry/gsn-simulator/timectrl"
)

// DefaultStart is the virtual time every simulation starts at unless told
// otherwise.
var DefaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Options tunes a simulation. Every field is optional.
type Options struct {
	Logger    logging.Logger
	Metrics   *observability.CoreCollector
	Scheduler *observability.SchedulerCollector

	// RealTime paces virtual time against the wall clock.
	RealTime bool
	Start    time.Time
}

// Simulation is one scenario assembled on a shared virtual clock.
type Simulation struct {
	cfg    *config.Config
	log    logging.Logger
	start  time.Time
	clock  *timectrl.VirtualClock
	fabric *Fabric
	driver *Driver

	nodes     map[model.NodeID]*node.Node
	order     []model.NodeID
	access    map[model.RNCID]*Access
	accessOf  map[model.IMSI]*Access
	gatewayOf map[model.IMSI]model.NodeID
	static    map[model.IMSI]netip.Addr
	pdn       *PDN

	started bool
	failed  int
}

// Build assembles every node, controller and subscriber of cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Simulation, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil scenario", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	start := opts.Start
	if start.IsZero() {
		start = DefaultStart
	}

	clock := timectrl.NewVirtualClock(start)
	log = logging.WithClock(log, clock.Now)
	var pacer *timectrl.Pacer
	if opts.RealTime {
		pacer = timectrl.NewPacer(timectrl.RealTime, start)
	}
	s := &Simulation{
		cfg:       cfg,
		log:       log,
		start:     start,
		clock:     clock,
		fabric:    NewFabric(ctx, cfg.Fabric, log),
		driver:    NewDriver(clock, pacer, opts.Scheduler),
		nodes:     make(map[model.NodeID]*node.Node, len(cfg.Nodes)),
		access:    make(map[model.RNCID]*Access, len(cfg.Controllers)),
		accessOf:  make(map[model.IMSI]*Access, len(cfg.Subscribers)),
		gatewayOf: make(map[model.IMSI]model.NodeID, len(cfg.Subscribers)),
		static:    make(map[model.IMSI]netip.Addr),
	}

	var register model.NodeID
	for _, n := range cfg.Nodes {
		if n.HasRole(config.RoleHLR) {
			register = model.NodeID(n.ID)
		}
	}

	for _, spec := range cfg.Nodes {
		id := model.NodeID(spec.ID)
		es := s.newScheduler()
		n, err := node.New(ctx, node.Config{
			Spec:     spec,
			Scenario: cfg,
			HLR:      register,
			PDN:      PDNID,
			Logger:   log,
			Metrics:  opts.Metrics.ForNode(spec.ID),
		}, es, s.fabric.Sender(id))
		if err != nil {
			return nil, err
		}
		if err := s.fabric.Attach(id, n); err != nil {
			return nil, err
		}
		s.nodes[id] = n
		s.order = append(s.order, id)
	}

	owners := make(map[string]config.Node, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		owners[n.ID] = n
	}
	for _, rc := range cfg.Controllers {
		id := model.NodeID(rc.ID)
		a := NewAccess(rc, s.newScheduler(), s.fabric.Sender(id), log)
		if err := s.fabric.Attach(id, a); err != nil {
			return nil, err
		}
		s.access[a.ID()] = a
	}
	for _, sub := range cfg.Subscribers {
		imsi := model.IMSI(sub.IMSI)
		a := s.access[model.RNCID(sub.Controller)]
		a.AddSubscriber(sub)
		s.accessOf[imsi] = a
		s.gatewayOf[imsi] = model.NodeID(owners[string(a.owner)].Gateway)
		if sub.Address != "" {
			s.static[imsi] = netip.MustParseAddr(sub.Address)
		}
	}

	s.pdn = NewPDN(s.newScheduler(), s.fabric.Sender(PDNID))
	if err := s.fabric.Attach(PDNID, s.pdn); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulation) newScheduler() sched.EventScheduler {
	es := sched.NewEventScheduler(s.clock)
	s.driver.Add(es)
	return es
}

// Start boots every node on its own scheduler and queues the script. It is
// idempotent.
func (s *Simulation) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	for _, id := range s.order {
		n := s.nodes[id]
		n.Scheduler().Schedule(s.start, func() { n.Start(ctx) })
	}
	for _, act := range s.cfg.Script {
		s.schedule(ctx, act)
	}
	s.log.Info(ctx, "simulation started",
		logging.Int("nodes", len(s.nodes)),
		logging.Int("controllers", len(s.access)),
		logging.Int("subscribers", len(s.accessOf)),
		logging.Int("steps", len(s.cfg.Script)))
}

// Run starts the simulation if needed and advances it by d of virtual time.
func (s *Simulation) Run(ctx context.Context, d time.Duration) error {
	s.Start(ctx)
	events, err := s.driver.RunUntil(ctx, s.clock.Now().Add(d))
	s.log.Info(ctx, "simulation advanced",
		logging.Duration("elapsed", s.clock.Elapsed()),
		logging.Int("events", events),
		logging.Int("in_flight", s.fabric.InFlight()),
		logging.Int("failed_steps", s.failed))
	return err
}

// Stop cancels every node's periodic work.
func (s *Simulation) Stop() {
	for _, id := range s.order {
		s.nodes[id].Stop()
	}
}

// Now returns the virtual time.
func (s *Simulation) Now() time.Time { return s.clock.Now() }

// Elapsed returns the virtual time since start.
func (s *Simulation) Elapsed() time.Duration { return s.clock.Now().Sub(s.start) }

// Node returns core node id, or nil.
func (s *Simulation) Node(id model.NodeID) *node.Node { return s.nodes[id] }

// Nodes returns every core node in configuration order.
func (s *Simulation) Nodes() []*node.Node {
	out := make([]*node.Node, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Access returns the controller stub rnc, or nil.
func (s *Simulation) Access(rnc model.RNCID) *Access { return s.access[rnc] }

// UE returns the scripted subscriber imsi, or nil.
func (s *Simulation) UE(imsi model.IMSI) *UE {
	a, ok := s.accessOf[imsi]
	if !ok {
		return nil
	}
	return a.UE(imsi)
}

// Move re-camps imsi on cell of controller rnc. The core learns of the move
// only from the subscriber's next registration there.
func (s *Simulation) Move(imsi model.IMSI, rnc model.RNCID, cell model.CellID) error {
	from, ok := s.accessOf[imsi]
	if !ok {
		return fmt.Errorf("move %s: unknown subscriber", imsi)
	}
	to, ok := s.access[rnc]
	if !ok {
		return fmt.Errorf("move %s: unknown controller %q", imsi, rnc)
	}
	ue, _ := from.release(imsi)
	to.adopt(ue, cell)
	s.accessOf[imsi] = to
	s.log.Debug(context.Background(), "subscriber moved",
		logging.IMSI(imsi), logging.RNC(from.ID()), logging.String("to", string(rnc)))
	return nil
}

// PDN returns the packet data network.
func (s *Simulation) PDN() *PDN { return s.pdn }

// Fabric returns the backbone.
func (s *Simulation) Fabric() *Fabric { return s.fabric }

// FailedSteps returns the number of scripted steps that could not run.
func (s *Simulation) FailedSteps() int { return s.failed }

// At schedules fn on the scheduler of endpoint id at offset d from start.
// Tests use it to inspect or poke state between protocol events.
func (s *Simulation) At(id model.NodeID, d time.Duration, fn func()) error {
	var es sched.EventScheduler
	switch {
	case s.nodes[id] != nil:
		es = s.nodes[id].Scheduler()
	case s.access[model.RNCID(id)] != nil:
		es = s.access[model.RNCID(id)].Scheduler()
	case id == PDNID:
		es = s.pdn.Scheduler()
	default:
		return fmt.Errorf("schedule on %q: unknown endpoint", id)
	}
	es.Schedule(s.start.Add(d), fn)
	return nil
}

// schedulerFor picks the endpoint a scripted step runs on.
func (s *Simulation) schedulerFor(act config.Action) sched.EventScheduler {
	imsi := model.IMSI(act.IMSI)
	switch act.Kind {
	case config.ActionDownlink:
		return s.pdn.Scheduler()
	case config.ActionNetworkDeactivate:
		return s.nodes[s.gatewayOf[imsi]].Scheduler()
	}
	return s.accessOf[imsi].Scheduler()
}
