package mm

import (
	"context"

	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/subscriber"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

func (m *Manager) handleMM(ctx context.Context, ev nas.Event) outcome.Outcome {
	switch ev.Message.Type {
	case nas.MMLocationUpdateRequest:
		return m.handleLocationUpdateRequest(ctx, ev)
	case nas.MMTMSIReallocComplete:
		return outcome.Consumed()
	case nas.MMCMServiceRequest:
		return m.handleCMServiceRequest(ctx, ev)
	case nas.MMIMSIDetachIndication:
		return m.handleIMSIDetach(ctx, ev)
	default:
		m.log.Warn(ctx, "unexpected MM message", logging.IMSI(ev.IMSI), logging.String("msg", ev.Message.Name()))
		return outcome.Discarded("unexpected MM message")
	}
}

func (m *Manager) handleLocationUpdateRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	area, known := m.cfg.Areas[ev.RNC]
	if !known {
		m.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDMM, Type: nas.MMLocationUpdateReject, Cause: model.CauseNoSuch})
		return outcome.Consumed()
	}
	r, created := m.table.Ensure(ev.IMSI)
	if created {
		m.metrics.SetSubscribers(m.table.Len())
	}
	if r.LocationTimer.Armed() {
		// A register update for this subscriber is already outstanding.
		return outcome.Rescheduled(r.LocationTimer)
	}

	r.RNC, r.Cell = ev.RNC, ev.Cell
	r.LocationArea = area.LocationArea
	if ev.Message.LocationArea != "" {
		r.LocationArea = ev.Message.LocationArea
	}
	if r.GMM == subscriber.GMMDeregistered {
		r.RoutingArea = area.RoutingArea
	}

	if !m.vlr.Attach(r.IMSI, r.RoutingArea, r.RNC, r.Cell) {
		m.acceptLocation(ctx, r)
		return outcome.Consumed()
	}
	r.LocationRetry = timer.NewRetry(m.cfg.Timers.MaxRetries)
	m.pushLocation(ctx, r)
	r.LocationTimer = m.timers.Start(m.cfg.Timers.LocationUpdate.D(), timer.LocationUpdate{IMSI: r.IMSI})
	return outcome.Rescheduled(r.LocationTimer)
}

func (m *Manager) pushLocation(ctx context.Context, r *subscriber.Record) {
	imsi := r.IMSI
	m.dir.Update(ctx, imsi, r.LocationArea, func(ctx context.Context, res hlr.Result) {
		m.locationUpdated(ctx, imsi, res)
	})
}

func (m *Manager) locationUpdated(ctx context.Context, imsi model.IMSI, res hlr.Result) {
	r, ok := m.table.Get(imsi)
	if !ok || !r.LocationTimer.Armed() {
		return
	}
	if res.Cause == model.CauseTimeout {
		// The directory gave up on this attempt; the location timer decides
		// whether another one is made.
		return
	}
	m.timers.Stop(r.LocationTimer)
	r.LocationTimer = timer.Handle{}
	if res.OK() {
		m.acceptLocation(ctx, r)
		return
	}
	m.rejectLocation(ctx, r, res.Cause)
}

func (m *Manager) acceptLocation(ctx context.Context, r *subscriber.Record) {
	r.CSAttached = true
	if r.TMSI == 0 {
		r.TMSI = m.table.AllocateTMSI()
	}
	m.Send(ctx, r.IMSI, &nas.Message{
		PD:           nas.PDMM,
		Type:         nas.MMLocationUpdateAccept,
		TMSI:         r.TMSI,
		LocationArea: r.LocationArea,
	})
}

func (m *Manager) rejectLocation(ctx context.Context, r *subscriber.Record, cause model.Cause) {
	m.Send(ctx, r.IMSI, &nas.Message{PD: nas.PDMM, Type: nas.MMLocationUpdateReject, Cause: cause})
	m.log.Info(ctx, "location update rejected", logging.IMSI(r.IMSI), logging.Stringer("cause", cause))
	if r.GMM == subscriber.GMMDeregistered && !r.CSAttached {
		m.purge(ctx, r, false)
	}
}

func (m *Manager) onLocationUpdate(ctx context.Context, h timer.Handle, p timer.LocationUpdate) outcome.Outcome {
	r, ok := m.table.Get(p.IMSI)
	if !ok || r.LocationTimer != h {
		return outcome.Discarded("stale location timer")
	}
	if r.LocationRetry.Expire() {
		m.pushLocation(ctx, r)
		r.LocationTimer = m.timers.Start(m.cfg.Timers.LocationUpdate.D(), p)
		return outcome.Rescheduled(r.LocationTimer)
	}
	r.LocationTimer = timer.Handle{}
	m.metrics.ProcedureAborted(timer.KindLocationUpdate.String())
	m.rejectLocation(ctx, r, model.CauseTimeout)
	return outcome.Consumed()
}

func (m *Manager) handleCMServiceRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	r, ok := m.table.Get(ev.IMSI)
	if !ok || !r.CSAttached {
		m.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDMM, Type: nas.MMCMServiceReject, Cause: model.CauseNoSuch})
		return outcome.Consumed()
	}
	m.refreshLocation(r, ev)
	if r.Paging(model.DomainCS) != nil {
		// Answer to our page: the connection is network originated.
		m.Send(ctx, r.IMSI, &nas.Message{PD: nas.PDMM, Type: nas.MMCMServiceAccept})
		m.pagingResponse(ctx, r, model.DomainCS)
		return outcome.Consumed()
	}
	r.MM = subscriber.MMWaitForMobileOriginated
	m.Send(ctx, r.IMSI, &nas.Message{PD: nas.PDMM, Type: nas.MMCMServiceAccept})
	r.MM = subscriber.MMConnectionActive
	return outcome.Consumed()
}

func (m *Manager) handleIMSIDetach(ctx context.Context, ev nas.Event) outcome.Outcome {
	r, ok := m.table.Get(ev.IMSI)
	if !ok {
		return outcome.Discarded("imsi detach for unknown subscriber")
	}
	if r.GMM == subscriber.GMMDeregistered {
		m.purge(ctx, r, true)
		m.log.Info(ctx, "imsi detached", logging.IMSI(ev.IMSI))
		return outcome.Consumed()
	}
	if p := r.StopPaging(model.DomainCS); p != nil {
		m.timers.Stop(p.Timer)
		for _, c := range p.Waiting {
			if svc, ok := m.services[c.PD]; ok {
				svc.ConnectionFailed(ctx, r.IMSI, c.TI, model.CauseNoSuch)
			}
		}
	}
	if svc, ok := m.services[nas.PDCC]; ok {
		svc.Purge(ctx, r.IMSI)
	}
	cs := model.DomainCS
	for _, c := range r.Conns(&cs) {
		r.RemoveConn(c)
	}
	if r.LocationTimer.Armed() {
		m.timers.Stop(r.LocationTimer)
		r.LocationTimer = timer.Handle{}
	}
	r.CSAttached = false
	r.MM = subscriber.MMIdle
	m.log.Info(ctx, "imsi detached", logging.IMSI(ev.IMSI))
	return outcome.Consumed()
}
