package hlr

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/arc/v2"

	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// DefaultCacheSize bounds each topology cache of a Client.
const DefaultCacheSize = 256

// Result is the outcome of one directory request as seen by its caller.
type Result struct {
	Cause        model.Cause
	Node         model.NodeID
	LocationArea model.LocationArea
	Cell         *msg.CellRecord
	Controller   *msg.ControllerRecord
}

// OK reports whether the request succeeded.
func (r Result) OK() bool { return r.Cause.Accepted() }

// Err maps a failed result onto the package sentinels.
func (r Result) Err() error {
	switch r.Cause {
	case model.CauseAccepted:
		return nil
	case model.CauseNoSuch:
		return ErrNoSuchSubscriber
	case model.CauseNotOwner:
		return ErrNotOwner
	default:
		return fmt.Errorf("directory request failed: %s", r.Cause)
	}
}

// Done receives the result of a request. It runs exactly once, either from
// the reply handler or from retry exhaustion.
type Done func(ctx context.Context, res Result)

// LocationCanceller purges a subscriber when the register relocates it.
type LocationCanceller interface {
	CancelLocation(ctx context.Context, imsi model.IMSI) model.Cause
}

type pending struct {
	req   *msg.Directory
	timer timer.Handle
	retry timer.Retry
	done  Done
}

// Client issues directory requests from one node, correlating replies by
// reference and retrying each request under a bounded timer.
type Client struct {
	self     model.NodeID
	register model.NodeID
	send     msg.Sender
	timers   *timer.Service
	timeout  time.Duration
	retries  int
	log      logging.Logger

	cells       *arc.ARCCache[model.CellID, msg.CellRecord]
	controllers *arc.ARCCache[model.RNCID, msg.ControllerRecord]

	nextRef   uint64
	pending   map[uint64]*pending
	canceller LocationCanceller
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Self       model.NodeID
	Register   model.NodeID
	Timeout    time.Duration
	MaxRetries int
	CacheSize  int
	Logger     logging.Logger
}

// NewClient builds a client. Timer expiries of kind DirectoryQuery must be
// routed to OnTimer.
func NewClient(cfg ClientConfig, send msg.Sender, timers *timer.Service) (*Client, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cells, err := arc.NewARC[model.CellID, msg.CellRecord](size)
	if err != nil {
		return nil, fmt.Errorf("cell cache: %w", err)
	}
	controllers, err := arc.NewARC[model.RNCID, msg.ControllerRecord](size)
	if err != nil {
		return nil, fmt.Errorf("controller cache: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	return &Client{
		self:        cfg.Self,
		register:    cfg.Register,
		send:        send,
		timers:      timers,
		timeout:     cfg.Timeout,
		retries:     cfg.MaxRetries,
		log:         log.With(logging.Component("directory")),
		cells:       cells,
		controllers: controllers,
		pending:     make(map[uint64]*pending),
	}, nil
}

// SetCanceller installs the handler for register-initiated REMOVE.
func (c *Client) SetCanceller(lc LocationCanceller) { c.canceller = lc }

// Update registers this node as the serving node of imsi.
func (c *Client) Update(ctx context.Context, imsi model.IMSI, la model.LocationArea, done Done) {
	c.issue(ctx, &msg.Directory{Cmd: msg.DirUpdate, IMSI: imsi, Node: c.self, LocationArea: la}, done)
}

// Remove deletes the register entry of imsi, if this node owns it.
func (c *Client) Remove(ctx context.Context, imsi model.IMSI, done Done) {
	c.issue(ctx, &msg.Directory{Cmd: msg.DirRemove, IMSI: imsi, Node: c.self}, done)
}

// Query looks up the serving node of imsi.
func (c *Client) Query(ctx context.Context, imsi model.IMSI, done Done) {
	c.issue(ctx, &msg.Directory{Cmd: msg.DirQuery, IMSI: imsi}, done)
}

// RegisterTopology publishes one cell and its controller, owned by this node.
func (c *Client) RegisterTopology(ctx context.Context, cell msg.CellRecord, ctrl msg.ControllerRecord, done Done) {
	ctrl.Owner = c.self
	c.cells.Add(cell.Cell, cell)
	c.controllers.Add(ctrl.Controller, ctrl)
	c.issue(ctx, &msg.Directory{Cmd: msg.DirUpdateCell, Cell: &cell, Controller: &ctrl}, done)
}

// QueryCell resolves a cell and its controller, from cache when possible.
func (c *Client) QueryCell(ctx context.Context, cell model.CellID, done Done) {
	if rec, ok := c.cells.Get(cell); ok {
		if ctrl, ok := c.controllers.Get(rec.Controller); ok {
			done(ctx, Result{Cause: model.CauseAccepted, Cell: &rec, Controller: &ctrl})
			return
		}
	}
	c.issue(ctx, &msg.Directory{Cmd: msg.DirQueryCell, Cell: &msg.CellRecord{Cell: cell}}, done)
}

// ResolveController returns the owner and endpoint of rnc, from cache when
// possible.
func (c *Client) ResolveController(ctx context.Context, rnc model.RNCID, done Done) {
	if ctrl, ok := c.controllers.Get(rnc); ok {
		done(ctx, Result{Cause: model.CauseAccepted, Controller: &ctrl})
		return
	}
	c.issue(ctx, &msg.Directory{Cmd: msg.DirQueryCell, Controller: &msg.ControllerRecord{Controller: rnc}}, done)
}

// CachedController peeks the controller cache.
func (c *Client) CachedController(rnc model.RNCID) (msg.ControllerRecord, bool) {
	return c.controllers.Peek(rnc)
}

// Outstanding returns the number of requests awaiting a reply.
func (c *Client) Outstanding() int { return len(c.pending) }

func (c *Client) issue(ctx context.Context, req *msg.Directory, done Done) {
	c.nextRef++
	req.Ref = c.nextRef
	p := &pending{req: req, retry: timer.NewRetry(c.retries), done: done}
	p.timer = c.timers.Start(c.timeout, timer.DirectoryQuery{Ref: req.Ref})
	c.pending[req.Ref] = p
	c.send.Send(ctx, c.register, req)
}

// Handle processes a directory envelope addressed to this node.
func (c *Client) Handle(ctx context.Context, from model.NodeID, d *msg.Directory) outcome.Outcome {
	switch d.Cmd {
	case msg.DirUpdateReply, msg.DirRemoveReply, msg.DirQueryReply, msg.DirUpdateCellReply, msg.DirQueryCellReply:
		return c.complete(ctx, d)
	case msg.DirRemove:
		return c.cancelLocation(ctx, from, d)
	case msg.DirRNCUpdate:
		if d.Controller == nil {
			return outcome.Discarded("RNC_UPDATE without controller")
		}
		c.controllers.Add(d.Controller.Controller, *d.Controller)
		c.log.Debug(ctx, "controller cache refreshed",
			logging.RNC(d.Controller.Controller), logging.String("owner", string(d.Controller.Owner)))
		return outcome.Consumed()
	default:
		c.log.Warn(ctx, "unexpected directory command", logging.Stringer("cmd", d.Cmd), logging.Node(from))
		return outcome.Discarded("unexpected directory command")
	}
}

func (c *Client) complete(ctx context.Context, d *msg.Directory) outcome.Outcome {
	p, ok := c.pending[d.Ref]
	if !ok {
		// Late reply to a request that already completed or timed out.
		c.log.Debug(ctx, "unmatched directory reply", logging.Stringer("cmd", d.Cmd), logging.Uint64("ref", d.Ref))
		return outcome.Discarded("unmatched directory reply")
	}
	delete(c.pending, d.Ref)
	c.timers.Stop(p.timer)

	if d.Cause.Accepted() {
		if d.Cell != nil {
			c.cells.Add(d.Cell.Cell, *d.Cell)
		}
		if d.Controller != nil {
			c.controllers.Add(d.Controller.Controller, *d.Controller)
		}
	}
	if p.done != nil {
		p.done(ctx, Result{
			Cause:        d.Cause,
			Node:         d.Node,
			LocationArea: d.LocationArea,
			Cell:         d.Cell,
			Controller:   d.Controller,
		})
	}
	return outcome.Consumed()
}

func (c *Client) cancelLocation(ctx context.Context, from model.NodeID, d *msg.Directory) outcome.Outcome {
	cause := model.CauseNoSuch
	if c.canceller != nil {
		cause = c.canceller.CancelLocation(ctx, d.IMSI)
	}
	c.send.Send(ctx, from, &msg.Directory{Cmd: msg.DirRemoveReply, Ref: d.Ref, IMSI: d.IMSI, Cause: cause})
	return outcome.Consumed()
}

// OnTimer handles a DirectoryQuery expiry.
func (c *Client) OnTimer(ctx context.Context, h timer.Handle, p timer.DirectoryQuery) outcome.Outcome {
	req, ok := c.pending[p.Ref]
	if !ok || req.timer != h {
		return outcome.Discarded("stale directory timer")
	}
	if req.retry.Expire() {
		req.timer = c.timers.Start(c.timeout, p)
		c.send.Send(ctx, c.register, req.req)
		return outcome.Rescheduled(req.timer)
	}

	delete(c.pending, p.Ref)
	c.log.Warn(ctx, "directory request abandoned",
		logging.Stringer("cmd", req.req.Cmd), logging.IMSI(req.req.IMSI), logging.Int("attempts", req.retry.Count))
	if req.done != nil {
		req.done(ctx, Result{Cause: model.CauseTimeout})
	}
	return outcome.Consumed()
}
