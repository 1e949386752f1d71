// Package hlr implements the location directory: the authoritative home
// location register, the per-node visitor register and the client every
// node uses to talk to the former.
package hlr

import (
	"context"
	"errors"
	"slices"

	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrNoSuchSubscriber reports a register lookup miss.
	ErrNoSuchSubscriber = errors.New("no such subscriber")
	// ErrNotOwner reports a REMOVE from a node other than the registered one.
	ErrNotOwner = errors.New("requester is not the registered serving node")
)

// Entry is the authoritative location of one subscriber.
type Entry struct {
	Node         model.NodeID
	LocationArea model.LocationArea
}

// Metrics receives register gauges. Implementations must be nil-safe.
type Metrics interface {
	SetHLREntries(n int)
}

type nopMetrics struct{}

func (nopMetrics) SetHLREntries(int) {}

// Register is the home location register. Exactly one node of a run owns
// it; every other node reaches it through directory envelopes.
type Register struct {
	self    model.NodeID
	send    msg.Sender
	log     logging.Logger
	metrics Metrics

	entries     map[model.IMSI]Entry
	cells       map[model.CellID]msg.CellRecord
	controllers map[model.RNCID]msg.ControllerRecord
	// watchers are the nodes that resolved a controller and may cache it.
	watchers map[model.RNCID][]model.NodeID

	ref uint64
}

// RegisterOption configures a Register.
type RegisterOption func(*Register)

// WithRegisterLogger sets the register logger.
func WithRegisterLogger(l logging.Logger) RegisterOption {
	return func(r *Register) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRegisterMetrics sets the gauge sink.
func WithRegisterMetrics(m Metrics) RegisterOption {
	return func(r *Register) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegister returns an empty register owned by self.
func NewRegister(self model.NodeID, send msg.Sender, opts ...RegisterOption) *Register {
	r := &Register{
		self:        self,
		send:        send,
		log:         logging.Noop(),
		metrics:     nopMetrics{},
		entries:     make(map[model.IMSI]Entry),
		cells:       make(map[model.CellID]msg.CellRecord),
		controllers: make(map[model.RNCID]msg.ControllerRecord),
		watchers:    make(map[model.RNCID][]model.NodeID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logging.Component("hlr"))
	return r
}

// Lookup returns the current entry for imsi.
func (r *Register) Lookup(imsi model.IMSI) (Entry, error) {
	e, ok := r.entries[imsi]
	if !ok {
		return Entry{}, ErrNoSuchSubscriber
	}
	return e, nil
}

// Len returns the number of registered subscribers.
func (r *Register) Len() int { return len(r.entries) }

// Controller returns the topology record of rnc.
func (r *Register) Controller(rnc model.RNCID) (msg.ControllerRecord, bool) {
	c, ok := r.controllers[rnc]
	return c, ok
}

// Handle processes one directory request addressed to the register.
func (r *Register) Handle(ctx context.Context, from model.NodeID, d *msg.Directory) outcome.Outcome {
	switch d.Cmd {
	case msg.DirUpdate:
		r.update(ctx, from, d)
	case msg.DirRemove:
		r.remove(ctx, from, d)
	case msg.DirQuery:
		r.query(ctx, from, d)
	case msg.DirUpdateCell:
		r.updateCell(ctx, from, d)
	case msg.DirQueryCell:
		r.queryCell(ctx, from, d)
	case msg.DirRemoveReply:
		r.log.Debug(ctx, "remove acknowledged", logging.IMSI(d.IMSI), logging.Node(from))
	default:
		r.log.Warn(ctx, "unexpected directory command", logging.Stringer("cmd", d.Cmd), logging.Node(from))
		return outcome.Discarded("unexpected directory command")
	}
	return outcome.Consumed()
}

func (r *Register) update(ctx context.Context, from model.NodeID, d *msg.Directory) {
	node := d.Node
	if node == "" {
		node = from
	}
	if prev, ok := r.entries[d.IMSI]; ok && prev.Node != node {
		// The previous owner is told to purge before the new entry is
		// written, so at most one node considers itself authoritative.
		r.ref++
		r.send.Send(ctx, prev.Node, &msg.Directory{
			Cmd:  msg.DirRemove,
			Ref:  r.ref,
			IMSI: d.IMSI,
			Node: node,
		})
		r.log.Info(ctx, "subscriber relocated",
			logging.IMSI(d.IMSI), logging.String("from", string(prev.Node)), logging.String("to", string(node)))
	}
	r.entries[d.IMSI] = Entry{Node: node, LocationArea: d.LocationArea}
	r.metrics.SetHLREntries(len(r.entries))
	r.reply(ctx, from, d, msg.DirUpdateReply, model.CauseAccepted)
}

func (r *Register) remove(ctx context.Context, from model.NodeID, d *msg.Directory) {
	e, ok := r.entries[d.IMSI]
	switch {
	case !ok:
		r.reply(ctx, from, d, msg.DirRemoveReply, model.CauseNoSuch)
	case e.Node != from:
		r.log.Warn(ctx, "remove from non-owner ignored",
			logging.IMSI(d.IMSI), logging.Node(from), logging.String("owner", string(e.Node)))
		r.reply(ctx, from, d, msg.DirRemoveReply, model.CauseNotOwner)
	default:
		delete(r.entries, d.IMSI)
		r.metrics.SetHLREntries(len(r.entries))
		r.reply(ctx, from, d, msg.DirRemoveReply, model.CauseAccepted)
	}
}

func (r *Register) query(ctx context.Context, from model.NodeID, d *msg.Directory) {
	e, ok := r.entries[d.IMSI]
	out := &msg.Directory{Cmd: msg.DirQueryReply, Ref: d.Ref, IMSI: d.IMSI, Cause: model.CauseNoSuch}
	if ok {
		out.Cause = model.CauseAccepted
		out.Node = e.Node
		out.LocationArea = e.LocationArea
	}
	r.send.Send(ctx, from, out)
}

func (r *Register) updateCell(ctx context.Context, from model.NodeID, d *msg.Directory) {
	if d.Cell != nil {
		r.cells[d.Cell.Cell] = *d.Cell
	}
	if d.Controller != nil {
		next := *d.Controller
		if next.Owner == "" {
			next.Owner = from
		}
		prev, existed := r.controllers[next.Controller]
		r.controllers[next.Controller] = next
		if existed && prev.Owner != next.Owner {
			r.pushOwnership(ctx, prev.Owner, next)
		}
	}
	r.reply(ctx, from, d, msg.DirUpdateCellReply, model.CauseAccepted)
}

// pushOwnership sends RNC_UPDATE to the previous owner and to every node
// that resolved the controller, except the new owner.
func (r *Register) pushOwnership(ctx context.Context, prevOwner model.NodeID, rec msg.ControllerRecord) {
	targets := append([]model.NodeID{prevOwner}, r.watchers[rec.Controller]...)
	slices.Sort(targets)
	targets = slices.Compact(targets)
	for _, n := range targets {
		if n == rec.Owner {
			continue
		}
		c := rec
		r.send.Send(ctx, n, &msg.Directory{Cmd: msg.DirRNCUpdate, Controller: &c})
	}
	r.log.Info(ctx, "controller ownership changed",
		logging.RNC(rec.Controller), logging.String("owner", string(rec.Owner)), logging.Int("notified", len(targets)))
}

func (r *Register) queryCell(ctx context.Context, from model.NodeID, d *msg.Directory) {
	out := &msg.Directory{Cmd: msg.DirQueryCellReply, Ref: d.Ref, Cause: model.CauseNoSuch}

	var rnc model.RNCID
	switch {
	case d.Cell != nil && d.Cell.Cell != "":
		cell, ok := r.cells[d.Cell.Cell]
		if !ok {
			r.send.Send(ctx, from, out)
			return
		}
		out.Cell = &cell
		rnc = cell.Controller
	case d.Controller != nil:
		rnc = d.Controller.Controller
	}

	ctrl, ok := r.controllers[rnc]
	if ok {
		out.Controller = &ctrl
		out.Cause = model.CauseAccepted
		if !slices.Contains(r.watchers[rnc], from) {
			r.watchers[rnc] = append(r.watchers[rnc], from)
		}
	}
	r.send.Send(ctx, from, out)
}

func (r *Register) reply(ctx context.Context, to model.NodeID, req *msg.Directory, cmd msg.DirectoryCommand, cause model.Cause) {
	r.send.Send(ctx, to, &msg.Directory{
		Cmd:   cmd,
		Ref:   req.Ref,
		IMSI:  req.IMSI,
		Node:  req.Node,
		Cause: cause,
	})
}
