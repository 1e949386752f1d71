// Package cc implements the call controller of a local switch. Each call leg
// is one state machine keyed by (IMSI, TI); the far leg lives at another
// switch and is reached only through the remote-switch router.
package cc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/mm"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

var (
	// ErrNoCall reports an (IMSI, TI) with no call.
	ErrNoCall = errors.New("no such call")
	// ErrNoRouter reports a controller built without a router address.
	ErrNoRouter = errors.New("no remote-switch router configured")
)

// Mobility is the mobility manager as seen by call control.
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

// Metrics records call outcomes. Implementations must be nil-safe.
type Metrics interface {
	CallOutcome(origin, result string)
	SetCalls(n int)
	ProcedureAborted(kind string)
}

type nopMetrics struct{}

func (nopMetrics) CallOutcome(string, string) {}
func (nopMetrics) SetCalls(int)               {}
func (nopMetrics) ProcedureAborted(string)    {}

// Config configures a Controller.
type Config struct {
	// Router is the remote-switch router every call is relayed through.
	Router  model.NodeID
	Timers  config.Timers
	Logger  logging.Logger
	Metrics Metrics
}

// Controller is the call controller of one switch.
type Controller struct {
	cfg     Config
	mob     Mobility
	bearers Bearers
	send    msg.Sender
	timers  *timer.Service
	log     logging.Logger
	metrics Metrics

	calls  map[key]*call
	nextID model.CallID
}

// New builds a call controller. CallState timer expiries and circuit-domain
// bearer responses must be routed to OnTimer and BearersAssigned.
func New(cfg Config, mob Mobility, bearers Bearers, send msg.Sender, timers *timer.Service) (*Controller, error) {
	if cfg.Router == "" {
		return nil, ErrNoRouter
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Controller{
		cfg:     cfg,
		mob:     mob,
		bearers: bearers,
		send:    send,
		timers:  timers,
		log:     log.With(logging.Component("cc")),
		metrics: metrics,
		calls:   make(map[key]*call),
	}, nil
}

// Call returns a copy of one call leg.
func (c *Controller) Call(imsi model.IMSI, ti model.TI) (Call, bool) {
	cl, ok := c.calls[key{imsi, ti}]
	if !ok {
		return Call{}, false
	}
	return cl.snapshot(), true
}

// Calls returns copies of every call leg ordered by IMSI then TI.
func (c *Controller) Calls() []Call {
	out := make([]Call, 0, len(c.calls))
	for _, cl := range c.calls {
		out = append(out, cl.snapshot())
	}
	slices.SortFunc(out, func(a, b Call) int {
		if n := cmp.Compare(a.IMSI, b.IMSI); n != 0 {
			return n
		}
		return cmp.Compare(a.TI, b.TI)
	})
	return out
}

// Clear releases a call from the network side towards both parties.
func (c *Controller) Clear(ctx context.Context, imsi model.IMSI, ti model.TI, cause model.Cause) error {
	cl, ok := c.calls[key{imsi, ti}]
	if !ok {
		return fmt.Errorf("clear %s/%s: %w", imsi, ti, ErrNoCall)
	}
	c.clearCall(ctx, cl, cause)
	return nil
}

// clearCall releases cl towards the remote switch and the subscriber. A call
// already clearing is left alone.
func (c *Controller) clearCall(ctx context.Context, cl *call, cause model.Cause) {
	if cl.state.clearing() {
		return
	}
	cl.cause = cause
	c.toRemote(ctx, cl, msg.SwitchDisconnect, cause)
	if cl.state == StateMMConnectionPending {
		c.metrics.CallOutcome(cl.origin.String(), "cleared")
		c.destroy(ctx, cl)
		return
	}
	c.toUE(ctx, cl, nas.CCDisconnect, cause)
	c.enter(ctx, cl, StateDisconnectIndication)
	c.log.Info(ctx, "call clearing", logging.IMSI(cl.imsi), logging.TI(cl.ti), logging.Stringer("cause", cause))
}

// enter moves cl to a new state and arms the timer that state waits under.
func (c *Controller) enter(ctx context.Context, cl *call, to State) {
	c.timers.Stop(cl.timer)
	cl.timer = timer.Handle{}
	c.log.Debug(ctx, "call state", logging.IMSI(cl.imsi), logging.TI(cl.ti),
		logging.Stringer("from", cl.state), logging.Stringer("to", to))
	cl.state = to
	if to.timed() {
		cl.retry = timer.NewRetry(c.cfg.Timers.MaxRetries)
		cl.timer = c.timers.Start(c.cfg.Timers.CallState.D(), timer.CallState{IMSI: cl.imsi, TI: cl.ti, State: int(to)})
	}
}

// destroy frees everything a call holds. The call leaves the table before
// the connection is released so the release notification finds nothing.
func (c *Controller) destroy(ctx context.Context, cl *call) {
	k := key{cl.imsi, cl.ti}
	if c.calls[k] != cl {
		return
	}
	delete(c.calls, k)
	c.timers.Stop(cl.timer)
	cl.timer = timer.Handle{}
	cl.state = StateNull
	if cl.bearerAsked {
		err := c.bearers.AssignBearers(ctx, cl.imsi, []msg.BearerItem{{Domain: model.DomainCS, RAB: cl.rab, Action: msg.BearerRelease}})
		if err != nil {
			c.log.Debug(ctx, "bearer release not sent", logging.IMSI(cl.imsi), logging.TI(cl.ti), logging.Err(err))
		}
	}
	if err := c.mob.ReleaseTI(cl.imsi, cl.ti); err != nil {
		c.log.Error(ctx, "transaction id release", logging.IMSI(cl.imsi), logging.TI(cl.ti), logging.Err(err), logging.Defect())
	}
	c.mob.RemoveFlow(cl.imsi, nas.PDCC, cl.ti)
	c.mob.ReleaseConnection(ctx, cl.imsi, nas.PDCC, cl.ti)
	c.metrics.SetCalls(len(c.calls))
}

func (c *Controller) toUE(ctx context.Context, cl *call, t nas.MessageType, cause model.Cause) {
	c.mob.Send(ctx, cl.imsi, &nas.Message{
		PD:     nas.PDCC,
		TI:     cl.ti,
		Type:   t,
		Peer:   cl.peer,
		CallID: cl.id,
		Cause:  cause,
	})
}

func (c *Controller) toRemote(ctx context.Context, cl *call, k msg.SwitchKind, cause model.Cause) {
	c.send.Send(ctx, c.cfg.Router, &msg.Switch{
		Kind:   k,
		IMSI:   cl.imsi,
		TI:     cl.ti,
		Peer:   cl.peer,
		CallID: cl.id,
		Cause:  cause,
	})
}

func (c *Controller) requestBearer(ctx context.Context, cl *call) error {
	cl.bearerAsked = true
	return c.bearers.AssignBearers(ctx, cl.imsi, []msg.BearerItem{{Domain: model.DomainCS, RAB: cl.rab, Action: msg.BearerSetup}})
}

func (c *Controller) find(imsi, peer model.IMSI, id model.CallID) *call {
	for k, cl := range c.calls {
		if k.imsi == imsi && cl.peer == peer && cl.id == id {
			return cl
		}
	}
	return nil
}

func (c *Controller) ofSubscriber(imsi model.IMSI) []*call {
	var out []*call
	for k, cl := range c.calls {
		if k.imsi == imsi {
			out = append(out, cl)
		}
	}
	slices.SortFunc(out, func(a, b *call) int { return cmp.Compare(a.ti, b.ti) })
	return out
}

// ConnectionEstablished presents a terminating call whose subscriber
// answered paging.
func (c *Controller) ConnectionEstablished(ctx context.Context, imsi model.IMSI, ti model.TI) {
	cl, ok := c.calls[key{imsi, ti}]
	if !ok || cl.state != StateMMConnectionPending {
		return
	}
	c.present(ctx, cl)
}

// ConnectionFailed abandons a terminating call whose subscriber could not be
// reached.
func (c *Controller) ConnectionFailed(ctx context.Context, imsi model.IMSI, ti model.TI, cause model.Cause) {
	cl, ok := c.calls[key{imsi, ti}]
	if !ok {
		return
	}
	c.toRemote(ctx, cl, msg.SwitchDisconnect, cause)
	c.metrics.CallOutcome(cl.origin.String(), "unreachable")
	c.destroy(ctx, cl)
}

// ConnectionReleased drops a call whose connection went away. Only the
// remote switch is told.
func (c *Controller) ConnectionReleased(ctx context.Context, imsi model.IMSI, ti model.TI) {
	cl, ok := c.calls[key{imsi, ti}]
	if !ok {
		return
	}
	if !cl.state.clearing() {
		c.toRemote(ctx, cl, msg.SwitchDisconnect, model.CauseNormalClearing)
	}
	c.metrics.CallOutcome(cl.origin.String(), "dropped")
	c.destroy(ctx, cl)
}

// Purge drops every call of a subscriber leaving this switch.
func (c *Controller) Purge(ctx context.Context, imsi model.IMSI) {
	for _, cl := range c.ofSubscriber(imsi) {
		if !cl.state.clearing() {
			c.toRemote(ctx, cl, msg.SwitchDisconnect, model.CauseNoSuch)
		}
		c.metrics.CallOutcome(cl.origin.String(), "purged")
		c.destroy(ctx, cl)
	}
}

// OnTimer handles a CallState expiry.
func (c *Controller) OnTimer(ctx context.Context, h timer.Handle, p timer.CallState) outcome.Outcome {
	cl, ok := c.calls[key{p.IMSI, p.TI}]
	if !ok || cl.timer != h || int(cl.state) != p.State {
		return outcome.Discarded("stale call timer")
	}
	if cl.retry.Expire() {
		c.resend(ctx, cl)
		cl.timer = c.timers.Start(c.cfg.Timers.CallState.D(), p)
		return outcome.Rescheduled(cl.timer)
	}
	cl.timer = timer.Handle{}
	c.metrics.ProcedureAborted(timer.KindCallState.String())
	c.log.Info(ctx, "call timer exhausted", logging.IMSI(cl.imsi), logging.TI(cl.ti), logging.Stringer("state", cl.state))
	switch cl.state {
	case StateDisconnectIndication:
		c.toUE(ctx, cl, nas.CCRelease, cl.cause)
		c.enter(ctx, cl, StateReleaseRequest)
		return outcome.Rescheduled(cl.timer)
	case StateReleaseRequest:
		c.metrics.CallOutcome(cl.origin.String(), "cleared")
		c.destroy(ctx, cl)
	default:
		c.clearCall(ctx, cl, model.CauseTimeout)
	}
	return outcome.Consumed()
}

// resend repeats whatever the current state is waiting to have answered.
// States that wait on the user rather than a message only count.
func (c *Controller) resend(ctx context.Context, cl *call) {
	switch cl.state {
	case StateMOCallProceeding:
		c.toRemote(ctx, cl, msg.SwitchCallSetup, model.CauseAccepted)
	case StateConnectIndication:
		c.toUE(ctx, cl, nas.CCConnect, model.CauseAccepted)
	case StateCallPresent:
		c.toUE(ctx, cl, nas.CCSetup, model.CauseAccepted)
	case StateConnectIndicationPendingOnBearer, StateActivePendingOnBearer:
		if err := c.requestBearer(ctx, cl); err != nil {
			c.log.Debug(ctx, "bearer request not sent", logging.IMSI(cl.imsi), logging.Err(err))
		}
	case StateDisconnectIndication:
		c.toUE(ctx, cl, nas.CCDisconnect, cl.cause)
	case StateReleaseRequest:
		c.toUE(ctx, cl, nas.CCRelease, cl.cause)
	}
}
