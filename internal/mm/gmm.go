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

func (m *Manager) handleGMM(ctx context.Context, ev nas.Event) outcome.Outcome {
	switch ev.Message.Type {
	case nas.GMMAttachRequest:
		return m.handleAttachRequest(ctx, ev)
	case nas.GMMAttachComplete:
		return m.handleAttachComplete(ctx, ev)
	case nas.GMMDetachRequest:
		return m.handleDetachRequest(ctx, ev)
	case nas.GMMServiceRequest:
		return m.handleServiceRequest(ctx, ev)
	default:
		m.log.Warn(ctx, "unexpected GMM message", logging.IMSI(ev.IMSI), logging.String("msg", ev.Message.Name()))
		return outcome.Discarded("unexpected GMM message")
	}
}

func (m *Manager) handleAttachRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	area, known := m.cfg.Areas[ev.RNC]
	if !known {
		m.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDGMM, Type: nas.GMMAttachReject, Cause: model.CauseNoSuch})
		m.metrics.AttachOutcome("rejected")
		return outcome.Consumed()
	}

	r, created := m.table.Ensure(ev.IMSI)
	switch r.GMM {
	case subscriber.GMMCommonProcedureInitiated:
		// Retransmitted request: the accept already in flight is repeated
		// and the confirm timer keeps running.
		m.Send(ctx, r.IMSI, r.AttachMsg.Clone())
		return outcome.Rescheduled(r.AttachTimer)
	case subscriber.GMMRegistered:
		// Re-attach implicitly detaches the packet side first.
		if svc, ok := m.services[nas.PDSM]; ok {
			svc.Purge(ctx, r.IMSI)
		}
		m.setGMM(ctx, r, subscriber.GMMDeregistered)
	}

	r.RNC, r.Cell = ev.RNC, ev.Cell
	r.RoutingArea, r.LocationArea = area.RoutingArea, area.LocationArea
	if ev.Message.RoutingArea != "" {
		r.RoutingArea = ev.Message.RoutingArea
	}
	m.setGMM(ctx, r, subscriber.GMMCommonProcedureInitiated)
	r.TMSI = m.table.AllocateTMSI()

	if m.vlr.Attach(r.IMSI, r.RoutingArea, r.RNC, r.Cell) {
		imsi := r.IMSI
		m.dir.Update(ctx, imsi, r.LocationArea, func(ctx context.Context, res hlr.Result) {
			if !res.OK() {
				m.log.Warn(ctx, "register update failed", logging.IMSI(imsi), logging.Stringer("cause", res.Cause))
			}
		})
	}

	r.AttachMsg = &nas.Message{
		PD:          nas.PDGMM,
		Type:        nas.GMMAttachAccept,
		TMSI:        r.TMSI,
		RoutingArea: r.RoutingArea,
	}
	r.AttachRetry = timer.NewRetry(m.cfg.Timers.MaxRetries)
	m.Send(ctx, r.IMSI, r.AttachMsg.Clone())
	r.AttachTimer = m.timers.Start(m.cfg.Timers.AttachConfirm.D(), timer.AttachConfirm{IMSI: r.IMSI})

	if created {
		m.metrics.SetSubscribers(m.table.Len())
	}
	m.metrics.AttachOutcome("accepted")
	m.log.Info(ctx, "attach accepted", logging.IMSI(r.IMSI), logging.RNC(r.RNC), logging.Any("tmsi", uint32(r.TMSI)))
	return outcome.Rescheduled(r.AttachTimer)
}

func (m *Manager) handleAttachComplete(ctx context.Context, ev nas.Event) outcome.Outcome {
	r, ok := m.table.Get(ev.IMSI)
	if !ok || r.GMM != subscriber.GMMCommonProcedureInitiated {
		m.log.Warn(ctx, "attach complete without pending attach", logging.IMSI(ev.IMSI))
		return outcome.Discarded("attach complete without pending attach")
	}
	m.timers.Stop(r.AttachTimer)
	r.AttachTimer = timer.Handle{}
	r.AttachMsg = nil
	m.setGMM(ctx, r, subscriber.GMMRegistered)
	r.GMMSub = subscriber.GMMSubNormalService
	r.PMM = subscriber.PMMConnected
	m.metrics.AttachOutcome("completed")
	return outcome.Consumed()
}

func (m *Manager) onAttachConfirm(ctx context.Context, h timer.Handle, p timer.AttachConfirm) outcome.Outcome {
	r, ok := m.table.Get(p.IMSI)
	if !ok || r.AttachTimer != h || r.GMM != subscriber.GMMCommonProcedureInitiated {
		return outcome.Discarded("stale attach timer")
	}
	if r.AttachRetry.Expire() {
		m.Send(ctx, r.IMSI, r.AttachMsg.Clone())
		r.AttachTimer = m.timers.Start(m.cfg.Timers.AttachConfirm.D(), p)
		return outcome.Rescheduled(r.AttachTimer)
	}

	m.log.Info(ctx, "attach abandoned", logging.IMSI(r.IMSI), logging.Int("attempts", r.AttachRetry.Count))
	m.metrics.AttachOutcome("aborted")
	m.metrics.ProcedureAborted(timer.KindAttachConfirm.String())
	r.AttachTimer = timer.Handle{}
	r.AttachMsg = nil
	if err := m.radio.RequestRelease(ctx, r.IMSI, model.DomainPS, model.CauseTimeout); err != nil {
		m.log.Debug(ctx, "release after attach abort", logging.IMSI(r.IMSI), logging.Err(err))
	}
	m.deregister(ctx, r)
	return outcome.Consumed()
}

func (m *Manager) handleDetachRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	r, ok := m.table.Get(ev.IMSI)
	if !ok {
		// The subscriber is gone already; the accept is still owed.
		m.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDGMM, Type: nas.GMMDetachAccept})
		return outcome.Consumed()
	}
	if r.GMM == subscriber.GMMCommonProcedureInitiated {
		m.timers.Stop(r.AttachTimer)
		r.AttachTimer = timer.Handle{}
		r.AttachMsg = nil
	}
	m.Send(ctx, r.IMSI, &nas.Message{PD: nas.PDGMM, Type: nas.GMMDetachAccept})
	if err := m.radio.RequestRelease(ctx, r.IMSI, model.DomainPS, model.CauseNormalClearing); err != nil {
		m.log.Debug(ctx, "release after detach", logging.IMSI(r.IMSI), logging.Err(err))
	}
	m.deregister(ctx, r)
	m.log.Info(ctx, "detached", logging.IMSI(ev.IMSI))
	return outcome.Consumed()
}

// deregister ends the packet attachment. A subscriber still attached on the
// circuit side keeps its record; otherwise it leaves the node.
func (m *Manager) deregister(ctx context.Context, r *subscriber.Record) {
	if !r.CSAttached {
		m.purge(ctx, r, true)
		return
	}
	if p := r.StopPaging(model.DomainPS); p != nil {
		m.timers.Stop(p.Timer)
		for _, c := range p.Waiting {
			if svc, ok := m.services[c.PD]; ok {
				svc.ConnectionFailed(ctx, r.IMSI, c.TI, model.CauseNoSuch)
			}
		}
	}
	if svc, ok := m.services[nas.PDSM]; ok {
		svc.Purge(ctx, r.IMSI)
	}
	m.setGMM(ctx, r, subscriber.GMMDeregistered)
	r.PMM = subscriber.PMMDetached
}

func (m *Manager) handleServiceRequest(ctx context.Context, ev nas.Event) outcome.Outcome {
	r, ok := m.table.Get(ev.IMSI)
	if !ok || r.GMM != subscriber.GMMRegistered {
		m.Send(ctx, ev.IMSI, &nas.Message{PD: nas.PDGMM, Type: nas.GMMServiceReject, Cause: model.CauseNoSuch})
		return outcome.Consumed()
	}
	m.refreshLocation(r, ev)
	r.PMM = subscriber.PMMConnected
	m.Send(ctx, r.IMSI, &nas.Message{PD: nas.PDGMM, Type: nas.GMMServiceAccept})
	m.pagingResponse(ctx, r, model.DomainPS)
	return outcome.Consumed()
}

func (m *Manager) setGMM(ctx context.Context, r *subscriber.Record, to subscriber.GMMState) {
	if err := r.SetGMM(to); err != nil {
		m.log.Error(ctx, "gmm transition", logging.IMSI(r.IMSI), logging.Err(err), logging.Defect())
	}
}
