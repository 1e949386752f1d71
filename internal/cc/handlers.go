package cc

import (
	"context"

	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/mm"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// HandleNAS handles an uplink call-control message.
func (c *Controller) HandleNAS(ctx context.Context, ev nas.Event) outcome.Outcome {
	m := ev.Message
	if m.Type == nas.CCSetup {
		return c.originate(ctx, ev)
	}
	cl, ok := c.calls[key{ev.IMSI, m.TI}]
	if !ok {
		if m.Type == nas.CCRelease {
			c.mob.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDCC, TI: m.TI, Type: nas.CCReleaseComplete})
			return outcome.Consumed()
		}
		c.log.Warn(ctx, "CC message without call", logging.IMSI(ev.IMSI), logging.TI(m.TI), logging.String("msg", m.Name()))
		return outcome.Discarded("no call for CC message")
	}

	switch m.Type {
	case nas.CCConnectAck:
		if cl.state != StateConnectIndication {
			break
		}
		c.enter(ctx, cl, StateActive)
		c.metrics.CallOutcome(cl.origin.String(), "connected")
		c.log.Info(ctx, "call active", logging.IMSI(cl.imsi), logging.TI(cl.ti), logging.String("peer", string(cl.peer)))
		return outcome.Consumed()
	case nas.CCCallConfirmed:
		if cl.state != StateCallPresent {
			break
		}
		c.enter(ctx, cl, StateMTCallConfirmed)
		return outcome.Rescheduled(cl.timer)
	case nas.CCAlerting:
		if cl.state != StateCallPresent && cl.state != StateMTCallConfirmed {
			break
		}
		c.toRemote(ctx, cl, msg.SwitchAlerting, model.CauseAccepted)
		c.enter(ctx, cl, StateCallReceived)
		return outcome.Rescheduled(cl.timer)
	case nas.CCConnect:
		switch cl.state {
		case StateCallPresent, StateMTCallConfirmed, StateCallReceived:
		default:
			return c.unexpected(ctx, cl, m)
		}
		if !cl.bearerUp {
			c.enter(ctx, cl, StateActivePendingOnBearer)
			return outcome.Rescheduled(cl.timer)
		}
		c.answer(ctx, cl)
		return outcome.Consumed()
	case nas.CCDisconnect:
		switch cl.state {
		case StateReleaseRequest:
			return outcome.Discarded("disconnect while releasing")
		case StateDisconnectIndication:
			// Both sides disconnected; the remote switch already knows.
		default:
			c.toRemote(ctx, cl, msg.SwitchDisconnect, m.Cause)
		}
		cl.cause = m.Cause
		c.toUE(ctx, cl, nas.CCRelease, m.Cause)
		c.enter(ctx, cl, StateReleaseRequest)
		return outcome.Rescheduled(cl.timer)
	case nas.CCRelease:
		if !cl.state.clearing() {
			c.toRemote(ctx, cl, msg.SwitchDisconnect, m.Cause)
		}
		c.toUE(ctx, cl, nas.CCReleaseComplete, model.CauseAccepted)
		c.metrics.CallOutcome(cl.origin.String(), "cleared")
		c.destroy(ctx, cl)
		return outcome.Consumed()
	case nas.CCReleaseComplete:
		if !cl.state.clearing() {
			c.toRemote(ctx, cl, msg.SwitchDisconnect, model.CauseNormalClearing)
		}
		c.metrics.CallOutcome(cl.origin.String(), "cleared")
		c.destroy(ctx, cl)
		return outcome.Consumed()
	}
	return c.unexpected(ctx, cl, m)
}

func (c *Controller) unexpected(ctx context.Context, cl *call, m *nas.Message) outcome.Outcome {
	c.log.Warn(ctx, "unexpected CC message",
		logging.IMSI(cl.imsi), logging.TI(cl.ti),
		logging.String("msg", m.Name()), logging.Stringer("state", cl.state))
	return outcome.Discarded("unexpected CC message in " + cl.state.String())
}

// originate starts a mobile-originated call.
func (c *Controller) originate(ctx context.Context, ev nas.Event) outcome.Outcome {
	m := ev.Message
	k := key{ev.IMSI, m.TI}
	if _, dup := c.calls[k]; dup {
		return outcome.Discarded("retransmitted SETUP")
	}
	reject := func(cause model.Cause) outcome.Outcome {
		c.mob.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDCC, TI: m.TI, Type: nas.CCReleaseComplete, Cause: cause})
		c.metrics.CallOutcome(model.SubscriberOriginated.String(), "rejected")
		return outcome.Consumed()
	}
	if m.TI.NetworkOriginated() || m.Peer == "" {
		return reject(model.CauseRejected)
	}
	res, err := c.mob.RequestConnectionEstablishment(ctx, ev.IMSI, nas.PDCC, m.TI)
	if err != nil || res != mm.ConnAlreadyActive {
		if err == nil {
			c.mob.ReleaseConnection(ctx, ev.IMSI, nas.PDCC, m.TI)
		}
		c.log.Info(ctx, "setup without connection", logging.IMSI(ev.IMSI), logging.TI(m.TI), logging.Stringer("conn", res), logging.Err(err))
		return reject(model.CauseNoSuch)
	}

	c.nextID++
	cl := &call{
		imsi:   ev.IMSI,
		ti:     m.TI,
		peer:   m.Peer,
		id:     c.nextID,
		origin: model.SubscriberOriginated,
		rab:    model.RABFor(m.TI),
		state:  StateNull,
	}
	c.calls[k] = cl
	c.mob.AddFlow(cl.imsi, nas.PDCC, cl.ti)
	c.metrics.SetCalls(len(c.calls))

	c.toRemote(ctx, cl, msg.SwitchCallSetup, model.CauseAccepted)
	if err := c.requestBearer(ctx, cl); err != nil {
		c.log.Warn(ctx, "bearer request not sent", logging.IMSI(cl.imsi), logging.Err(err))
	}
	c.toUE(ctx, cl, nas.CCCallProceeding, model.CauseAccepted)
	c.enter(ctx, cl, StateMOCallProceeding)
	c.log.Info(ctx, "call originated", logging.IMSI(cl.imsi), logging.TI(cl.ti),
		logging.String("peer", string(cl.peer)), logging.Uint64("call", uint64(cl.id)))
	return outcome.Rescheduled(cl.timer)
}

// present offers a terminating call to a connected subscriber.
func (c *Controller) present(ctx context.Context, cl *call) {
	if err := c.requestBearer(ctx, cl); err != nil {
		c.log.Warn(ctx, "bearer request not sent", logging.IMSI(cl.imsi), logging.Err(err))
	}
	c.toUE(ctx, cl, nas.CCSetup, model.CauseAccepted)
	c.enter(ctx, cl, StateCallPresent)
}

// answer completes a terminating call once the subscriber connected and the
// bearer is up.
func (c *Controller) answer(ctx context.Context, cl *call) {
	c.toUE(ctx, cl, nas.CCConnectAck, model.CauseAccepted)
	c.toRemote(ctx, cl, msg.SwitchConnect, model.CauseAccepted)
	c.enter(ctx, cl, StateActive)
	c.metrics.CallOutcome(cl.origin.String(), "connected")
	c.log.Info(ctx, "call active", logging.IMSI(cl.imsi), logging.TI(cl.ti), logging.String("peer", string(cl.peer)))
}

// HandleSwitch handles a message relayed by the remote-switch router.
func (c *Controller) HandleSwitch(ctx context.Context, from model.NodeID, s *msg.Switch) outcome.Outcome {
	if s.Kind == msg.SwitchCallSetup {
		return c.terminate(ctx, s)
	}
	cl := c.find(s.IMSI, s.Peer, s.CallID)
	if cl == nil {
		c.log.Debug(ctx, "switch message without call", logging.IMSI(s.IMSI), logging.Stringer("kind", s.Kind), logging.Node(from))
		return outcome.Discarded("no call for switch message")
	}
	switch s.Kind {
	case msg.SwitchAlerting:
		if cl.state != StateMOCallProceeding {
			break
		}
		c.toUE(ctx, cl, nas.CCAlerting, model.CauseAccepted)
		c.enter(ctx, cl, StateCallDelivered)
		return outcome.Rescheduled(cl.timer)
	case msg.SwitchConnect:
		if cl.state != StateMOCallProceeding && cl.state != StateCallDelivered {
			break
		}
		if !cl.bearerUp {
			c.enter(ctx, cl, StateConnectIndicationPendingOnBearer)
			return outcome.Rescheduled(cl.timer)
		}
		c.toUE(ctx, cl, nas.CCConnect, model.CauseAccepted)
		c.enter(ctx, cl, StateConnectIndication)
		return outcome.Rescheduled(cl.timer)
	case msg.SwitchDisconnect:
		if cl.state.clearing() {
			return outcome.Consumed()
		}
		cl.cause = s.Cause
		if cl.state == StateMMConnectionPending {
			c.metrics.CallOutcome(cl.origin.String(), "cleared")
			c.destroy(ctx, cl)
			return outcome.Consumed()
		}
		c.toUE(ctx, cl, nas.CCDisconnect, s.Cause)
		c.enter(ctx, cl, StateDisconnectIndication)
		return outcome.Rescheduled(cl.timer)
	}
	c.log.Warn(ctx, "unexpected switch message", logging.IMSI(cl.imsi), logging.Stringer("kind", s.Kind), logging.Stringer("state", cl.state))
	return outcome.Discarded("unexpected switch message in " + cl.state.String())
}

// terminate starts a mobile-terminated call relayed from another switch.
func (c *Controller) terminate(ctx context.Context, s *msg.Switch) outcome.Outcome {
	if c.find(s.IMSI, s.Peer, s.CallID) != nil {
		return outcome.Discarded("retransmitted CALL_SETUP")
	}
	refuse := func(cause model.Cause) outcome.Outcome {
		c.send.Send(ctx, c.cfg.Router, &msg.Switch{Kind: msg.SwitchDisconnect, IMSI: s.IMSI, Peer: s.Peer, CallID: s.CallID, Cause: cause})
		c.metrics.CallOutcome(model.NetworkOriginated.String(), "rejected")
		return outcome.Consumed()
	}
	if !c.mob.Registered(s.IMSI, model.DomainCS) {
		return refuse(model.CauseNoSuch)
	}
	ti, err := c.mob.AllocateTI(s.IMSI)
	if err != nil {
		c.log.Warn(ctx, "no transaction id for terminating call", logging.IMSI(s.IMSI), logging.Err(err))
		return refuse(model.CauseNoResources)
	}
	cl := &call{
		imsi:   s.IMSI,
		ti:     ti,
		peer:   s.Peer,
		id:     s.CallID,
		origin: model.NetworkOriginated,
		rab:    model.RABFor(ti),
		state:  StateNull,
	}
	c.calls[key{cl.imsi, ti}] = cl
	c.mob.AddFlow(cl.imsi, nas.PDCC, ti)
	c.metrics.SetCalls(len(c.calls))
	c.enter(ctx, cl, StateMMConnectionPending)
	c.log.Info(ctx, "call terminating", logging.IMSI(cl.imsi), logging.TI(ti),
		logging.String("peer", string(cl.peer)), logging.Uint64("call", uint64(cl.id)))

	res, err := c.mob.RequestConnectionEstablishment(ctx, cl.imsi, nas.PDCC, ti)
	switch {
	case err != nil || res == mm.ConnFailed:
		c.toRemote(ctx, cl, msg.SwitchDisconnect, model.CauseNoSuch)
		c.metrics.CallOutcome(cl.origin.String(), "unreachable")
		c.destroy(ctx, cl)
		return outcome.Consumed()
	case res == mm.ConnAlreadyActive:
		c.present(ctx, cl)
		return outcome.Rescheduled(cl.timer)
	default:
		return outcome.Consumed()
	}
}

// BearersAssigned completes calls whose circuit bearers were answered.
func (c *Controller) BearersAssigned(ctx context.Context, _ model.NodeID, imsi model.IMSI, items []msg.BearerItem) outcome.Outcome {
	res := outcome.Discarded("no call for bearer")
	for _, it := range items {
		if it.Action != msg.BearerSetup {
			continue
		}
		var cl *call
		for _, cand := range c.ofSubscriber(imsi) {
			if cand.rab == it.RAB {
				cl = cand
				break
			}
		}
		if cl == nil || cl.bearerUp || cl.state.clearing() {
			continue
		}
		res = outcome.Consumed()
		if !it.Outcome.Accepted() {
			c.clearCall(ctx, cl, it.Outcome)
			continue
		}
		cl.bearerUp = true
		switch cl.state {
		case StateConnectIndicationPendingOnBearer:
			c.toUE(ctx, cl, nas.CCConnect, model.CauseAccepted)
			c.enter(ctx, cl, StateConnectIndication)
		case StateActivePendingOnBearer:
			c.answer(ctx, cl)
		}
	}
	return res
}
