package mm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/hlr"
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/simtest"
	"github.com/signalsfoundry/gsn-simulator/internal/subscriber"
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

const imsi = model.IMSI("001010000000001")

type fakeRadio struct {
	down     []*nas.Message
	pages    []model.Domain
	releases []model.Domain
}

func (f *fakeRadio) DirectTransfer(_ context.Context, _ model.IMSI, m *nas.Message) error {
	f.down = append(f.down, m)
	return nil
}

func (f *fakeRadio) Page(_ context.Context, _ model.IMSI, d model.Domain) error {
	f.pages = append(f.pages, d)
	return nil
}

func (f *fakeRadio) RequestRelease(_ context.Context, _ model.IMSI, d model.Domain, _ model.Cause) error {
	f.releases = append(f.releases, d)
	return nil
}

func (f *fakeRadio) last() *nas.Message { return f.down[len(f.down)-1] }

type dirCall struct {
	update bool
	imsi   model.IMSI
	done   hlr.Done
}

type fakeDirectory struct{ calls []dirCall }

func (f *fakeDirectory) Update(_ context.Context, imsi model.IMSI, _ model.LocationArea, done hlr.Done) {
	f.calls = append(f.calls, dirCall{update: true, imsi: imsi, done: done})
}

func (f *fakeDirectory) Remove(_ context.Context, imsi model.IMSI, done hlr.Done) {
	f.calls = append(f.calls, dirCall{imsi: imsi, done: done})
}

type fakeService struct {
	nas         []nas.Event
	established []model.TI
	failed      []model.TI
	released    []model.TI
	purged      []model.IMSI
}

func (f *fakeService) HandleNAS(_ context.Context, ev nas.Event) outcome.Outcome {
	f.nas = append(f.nas, ev)
	return outcome.Consumed()
}
func (f *fakeService) ConnectionEstablished(_ context.Context, _ model.IMSI, ti model.TI) {
	f.established = append(f.established, ti)
}
func (f *fakeService) ConnectionFailed(_ context.Context, _ model.IMSI, ti model.TI, _ model.Cause) {
	f.failed = append(f.failed, ti)
}
func (f *fakeService) ConnectionReleased(_ context.Context, _ model.IMSI, ti model.TI) {
	f.released = append(f.released, ti)
}
func (f *fakeService) Purge(_ context.Context, imsi model.IMSI) { f.purged = append(f.purged, imsi) }

type harness struct {
	env   *simtest.Env
	radio *fakeRadio
	dir   *fakeDirectory
	vlr   *hlr.VLR
	sm    *fakeService
	cc    *fakeService
	mgr   *Manager
	gmm   [][2]subscriber.GMMState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		env:   simtest.NewEnv(),
		radio: &fakeRadio{},
		dir:   &fakeDirectory{},
		vlr:   hlr.NewVLR(),
		sm:    &fakeService{},
		cc:    &fakeService{},
	}
	timers := config.DefaultTimers()
	timers.MaxRetries = 2
	timers.PagingRetries = 2
	timers.AttachConfirm = config.Duration(time.Second)
	timers.Paging = config.Duration(time.Second)
	timers.LocationUpdate = config.Duration(time.Second)
	h.mgr = New(Config{
		Self:   "sgsn",
		Timers: timers,
		Areas:  map[model.RNCID]Area{"rnc-1": {RoutingArea: "ra-1", LocationArea: "la-1"}},
		OnGMM: func(_ model.IMSI, from, to subscriber.GMMState) {
			h.gmm = append(h.gmm, [2]subscriber.GMMState{from, to})
		},
	}, h.vlr, h.dir, h.radio, h.env.Timers)
	require.NoError(t, h.mgr.Register(nas.PDSM, h.sm))
	require.NoError(t, h.mgr.Register(nas.PDCC, h.cc))
	h.env.Timers.SetExpiry(func(ctx context.Context, th timer.Handle, p timer.Payload) { h.mgr.OnTimer(ctx, th, p) })
	return h
}

func (h *harness) uplink(pd nas.PD, typ nas.MessageType) outcome.Outcome {
	return h.mgr.DispatchNAS(h.env.Ctx, nas.Event{
		IMSI: imsi, RNC: "rnc-1", Cell: "cell-1",
		Message: &nas.Message{PD: pd, Type: typ},
	})
}

func (h *harness) attach(t *testing.T) {
	t.Helper()
	out := h.uplink(nas.PDGMM, nas.GMMAttachRequest)
	require.Equal(t, outcome.KindRescheduled, out.Kind)
	h.uplink(nas.PDGMM, nas.GMMAttachComplete)
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	st, ok := h.mgr.Status(imsi)
	require.True(t, ok)
	return st
}

func TestRegisterRejectsReservedAndDuplicates(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.mgr.Register(nas.PDGMM, &fakeService{}))
	require.Error(t, h.mgr.Register(nas.PDSM, &fakeService{}))
}

func TestAttachAcceptThenComplete(t *testing.T) {
	h := newHarness(t)

	out := h.uplink(nas.PDGMM, nas.GMMAttachRequest)
	require.Equal(t, outcome.KindRescheduled, out.Kind)
	require.True(t, h.env.Timers.Active(out.Timer))

	accept := h.radio.last()
	require.Equal(t, nas.GMMAttachAccept, accept.Type)
	require.NotZero(t, accept.TMSI)
	require.Equal(t, model.RoutingArea("ra-1"), accept.RoutingArea)
	require.Equal(t, subscriber.GMMCommonProcedureInitiated, h.status(t).GMM)

	// A brand-new VLR entry registers this node with the register.
	require.Len(t, h.dir.calls, 1)
	require.True(t, h.dir.calls[0].update)

	h.uplink(nas.PDGMM, nas.GMMAttachComplete)
	st := h.status(t)
	require.Equal(t, subscriber.GMMRegistered, st.GMM)
	require.Equal(t, subscriber.GMMSubNormalService, st.GMMSub)
	require.Equal(t, subscriber.PMMConnected, st.PMM)
	require.False(t, h.env.Timers.Active(out.Timer))
	require.Zero(t, h.env.Timers.Live())

	require.Equal(t, [][2]subscriber.GMMState{
		{subscriber.GMMDeregistered, subscriber.GMMCommonProcedureInitiated},
		{subscriber.GMMCommonProcedureInitiated, subscriber.GMMRegistered},
	}, h.gmm)
}

func TestAttachFromUnknownControllerIsRejected(t *testing.T) {
	h := newHarness(t)
	h.mgr.DispatchNAS(h.env.Ctx, nas.Event{IMSI: imsi, RNC: "rnc-9", Message: &nas.Message{PD: nas.PDGMM, Type: nas.GMMAttachRequest}})
	require.Equal(t, nas.GMMAttachReject, h.radio.last().Type)
	_, ok := h.mgr.Status(imsi)
	require.False(t, ok)
}

func TestAttachRetransmitsThenDeregisters(t *testing.T) {
	h := newHarness(t)
	h.uplink(nas.PDGMM, nas.GMMAttachRequest)
	require.Len(t, h.radio.down, 1)

	// MaxRetries=2: two retransmissions, then abort on the third expiry.
	h.env.Advance(time.Second)
	h.env.Advance(time.Second)
	require.Len(t, h.radio.down, 3)
	_, ok := h.mgr.Status(imsi)
	require.True(t, ok)

	h.env.Advance(time.Second)
	_, ok = h.mgr.Status(imsi)
	require.False(t, ok)
	require.Zero(t, h.vlr.Len())
	require.Zero(t, h.env.Timers.Live())
	require.Equal(t, []model.Domain{model.DomainPS}, h.radio.releases)
	require.Equal(t, []model.IMSI{imsi}, h.sm.purged)
	// The register entry pushed at attach is withdrawn.
	require.False(t, h.dir.calls[len(h.dir.calls)-1].update)
}

func TestRetransmittedAttachRequestRepeatsAccept(t *testing.T) {
	h := newHarness(t)
	first := h.uplink(nas.PDGMM, nas.GMMAttachRequest)
	tmsi := h.radio.last().TMSI

	again := h.uplink(nas.PDGMM, nas.GMMAttachRequest)
	require.Equal(t, first.Timer, again.Timer)
	require.Len(t, h.radio.down, 2)
	require.Equal(t, tmsi, h.radio.last().TMSI)
	require.Len(t, h.dir.calls, 1)
}

func TestReattachPassesThroughDeregistered(t *testing.T) {
	h := newHarness(t)
	h.attach(t)
	h.gmm = nil

	h.uplink(nas.PDGMM, nas.GMMAttachRequest)
	require.Equal(t, [][2]subscriber.GMMState{
		{subscriber.GMMRegistered, subscriber.GMMDeregistered},
		{subscriber.GMMDeregistered, subscriber.GMMCommonProcedureInitiated},
	}, h.gmm)
	require.Equal(t, []model.IMSI{imsi}, h.sm.purged)
}

func TestAttachCompleteWithoutAttachIsDiscarded(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, outcome.KindDiscarded, h.uplink(nas.PDGMM, nas.GMMAttachComplete).Kind)
}

func TestRequestConnectionWhenConnected(t *testing.T) {
	h := newHarness(t)
	h.attach(t)

	res, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDSM, model.SubscriberTI(0))
	require.NoError(t, err)
	require.Equal(t, ConnAlreadyActive, res)
	require.Equal(t, []subscriber.Conn{{PD: nas.PDSM, TI: 0}}, h.status(t).Conns)

	h.mgr.ReleaseConnection(h.env.Ctx, imsi, nas.PDSM, 0)
	st := h.status(t)
	require.Empty(t, st.Conns)
	require.Equal(t, subscriber.PMMIdle, st.PMM)
}

func TestRequestConnectionRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDSM, 0)
	require.ErrorIs(t, err, ErrUnknownSubscriber)

	h.attach(t)
	res, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDCC, 0)
	require.ErrorIs(t, err, ErrNotRegistered)
	require.Equal(t, ConnFailed, res)
}

func TestIdleSubscriberIsPagedAndAnswers(t *testing.T) {
	h := newHarness(t)
	h.attach(t)
	h.mgr.ReleaseRequested(h.env.Ctx, imsi, model.DomainPS, model.CauseNormalClearing)
	require.Equal(t, subscriber.PMMIdle, h.status(t).PMM)

	ti := model.NetworkTI(0)
	res, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDSM, ti)
	require.NoError(t, err)
	require.Equal(t, ConnPaging, res)
	require.Equal(t, []model.Domain{model.DomainPS}, h.radio.pages)

	// A second pair joins the same paging procedure.
	res, _ = h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDSM, model.NetworkTI(1))
	require.Equal(t, ConnPaging, res)
	require.Len(t, h.radio.pages, 1)

	h.uplink(nas.PDGMM, nas.GMMServiceRequest)
	require.Equal(t, nas.GMMServiceAccept, h.radio.last().Type)
	require.Equal(t, []model.TI{ti, model.NetworkTI(1)}, h.sm.established)
	st := h.status(t)
	require.Equal(t, subscriber.PMMConnected, st.PMM)
	require.Len(t, st.Conns, 2)
	require.Empty(t, st.Paging)
	require.Zero(t, h.env.Timers.Live())
}

func TestPagingExhaustionFailsWaiters(t *testing.T) {
	h := newHarness(t)
	h.attach(t)
	h.mgr.ReleaseRequested(h.env.Ctx, imsi, model.DomainPS, model.CauseNormalClearing)

	ti := model.NetworkTI(0)
	_, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDSM, ti)
	require.NoError(t, err)

	h.env.Advance(2 * time.Second)
	require.Len(t, h.radio.pages, 3)
	require.Empty(t, h.sm.failed)

	h.env.Advance(time.Second)
	require.Equal(t, []model.TI{ti}, h.sm.failed)
	require.Empty(t, h.status(t).Paging)
	require.Zero(t, h.env.Timers.Live())
}

func TestLocationUpdateNewEntryWaitsForRegister(t *testing.T) {
	h := newHarness(t)
	out := h.uplink(nas.PDMM, nas.MMLocationUpdateRequest)
	require.Equal(t, outcome.KindRescheduled, out.Kind)
	require.Empty(t, h.radio.down)
	require.Len(t, h.dir.calls, 1)

	h.dir.calls[0].done(h.env.Ctx, hlr.Result{Cause: model.CauseAccepted})
	accept := h.radio.last()
	require.Equal(t, nas.MMLocationUpdateAccept, accept.Type)
	require.Equal(t, model.LocationArea("la-1"), accept.LocationArea)
	require.True(t, h.status(t).CSAttached)
	require.Zero(t, h.env.Timers.Live())

	// A known entry is confirmed at once.
	require.Equal(t, outcome.KindConsumed, h.uplink(nas.PDMM, nas.MMLocationUpdateRequest).Kind)
	require.Len(t, h.radio.down, 2)
	require.Len(t, h.dir.calls, 1)
}

func TestLocationUpdateTimesOut(t *testing.T) {
	h := newHarness(t)
	h.uplink(nas.PDMM, nas.MMLocationUpdateRequest)
	h.env.Advance(3 * time.Second)

	require.Len(t, h.dir.calls, 3)
	require.Equal(t, nas.MMLocationUpdateReject, h.radio.last().Type)
	_, ok := h.mgr.Status(imsi)
	require.False(t, ok)

	// A late register reply after the abort changes nothing.
	h.dir.calls[0].done(h.env.Ctx, hlr.Result{Cause: model.CauseAccepted})
	require.Len(t, h.radio.down, 1)
}

func (h *harness) locationUpdate(t *testing.T) {
	t.Helper()
	h.uplink(nas.PDMM, nas.MMLocationUpdateRequest)
	h.dir.calls[len(h.dir.calls)-1].done(h.env.Ctx, hlr.Result{Cause: model.CauseAccepted})
}

func TestCircuitPagingAnsweredByServiceRequest(t *testing.T) {
	h := newHarness(t)
	h.locationUpdate(t)

	ti := model.NetworkTI(0)
	res, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDCC, ti)
	require.NoError(t, err)
	require.Equal(t, ConnPaging, res)
	require.Equal(t, subscriber.MMWaitForConnection, h.status(t).MM)

	h.uplink(nas.PDMM, nas.MMCMServiceRequest)
	require.Equal(t, nas.MMCMServiceAccept, h.radio.last().Type)
	require.Equal(t, subscriber.MMConnectionActive, h.status(t).MM)
	require.Equal(t, []model.TI{ti}, h.cc.established)

	h.mgr.ReleaseConnection(h.env.Ctx, imsi, nas.PDCC, ti)
	require.Equal(t, []model.TI{ti}, h.cc.released)
	require.Equal(t, subscriber.MMIdle, h.status(t).MM)
}

func TestMobileOriginatedServiceRequest(t *testing.T) {
	h := newHarness(t)
	h.uplink(nas.PDMM, nas.MMCMServiceRequest)
	require.Equal(t, nas.MMCMServiceReject, h.radio.last().Type)

	h.locationUpdate(t)
	h.uplink(nas.PDMM, nas.MMCMServiceRequest)
	require.Equal(t, nas.MMCMServiceAccept, h.radio.last().Type)
	require.Equal(t, subscriber.MMConnectionActive, h.status(t).MM)

	res, err := h.mgr.RequestConnectionEstablishment(h.env.Ctx, imsi, nas.PDCC, model.SubscriberTI(1))
	require.NoError(t, err)
	require.Equal(t, ConnAlreadyActive, res)

	h.mgr.ReleaseRequested(h.env.Ctx, imsi, model.DomainCS, model.CauseNormalClearing)
	require.Equal(t, []model.TI{model.SubscriberTI(1)}, h.cc.released)
	require.Equal(t, subscriber.MMIdle, h.status(t).MM)
}

func TestDetachKeepsCircuitAttachment(t *testing.T) {
	h := newHarness(t)
	h.locationUpdate(t)
	h.attach(t)

	h.uplink(nas.PDGMM, nas.GMMDetachRequest)
	require.Equal(t, nas.GMMDetachAccept, h.radio.last().Type)
	st := h.status(t)
	require.Equal(t, subscriber.GMMDeregistered, st.GMM)
	require.Equal(t, subscriber.PMMDetached, st.PMM)
	require.True(t, st.CSAttached)

	h.uplink(nas.PDMM, nas.MMIMSIDetachIndication)
	_, ok := h.mgr.Status(imsi)
	require.False(t, ok)
	require.Equal(t, []model.IMSI{imsi}, h.cc.purged)
	require.Zero(t, h.vlr.Len())
}

func TestDetachUnknownStillAccepted(t *testing.T) {
	h := newHarness(t)
	h.uplink(nas.PDGMM, nas.GMMDetachRequest)
	require.Equal(t, nas.GMMDetachAccept, h.radio.last().Type)
}

func TestCancelLocationPurgesWithoutRegisterRemove(t *testing.T) {
	h := newHarness(t)
	h.attach(t)
	calls := len(h.dir.calls)

	require.Equal(t, model.CauseAccepted, h.mgr.CancelLocation(h.env.Ctx, imsi))
	_, ok := h.mgr.Status(imsi)
	require.False(t, ok)
	require.Len(t, h.dir.calls, calls)
	require.Equal(t, []model.IMSI{imsi}, h.sm.purged)
	require.Equal(t, []model.IMSI{imsi}, h.cc.purged)
	require.Equal(t, model.CauseNoSuch, h.mgr.CancelLocation(h.env.Ctx, imsi))
}

func TestSessionMessagesReachRegisteredService(t *testing.T) {
	h := newHarness(t)
	h.attach(t)
	h.mgr.ReleaseRequested(h.env.Ctx, imsi, model.DomainPS, model.CauseNormalClearing)

	h.mgr.DispatchNAS(h.env.Ctx, nas.Event{
		IMSI: imsi, RNC: "rnc-1", Cell: "cell-2",
		Message: &nas.Message{PD: nas.PDSM, Type: nas.SMActivateRequest},
	})
	require.Len(t, h.sm.nas, 1)
	st := h.status(t)
	require.Equal(t, subscriber.PMMConnected, st.PMM)
	require.Equal(t, model.CellID("cell-2"), st.Cell)
	_, cell, _ := h.vlr.Lookup(imsi)
	require.Equal(t, model.CellID("cell-2"), cell)

	require.Equal(t, outcome.KindDiscarded, h.uplink(nas.PD(0x1), 0).Kind)
}

func TestTransactionIDsAreScopedToRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.AllocateTI(imsi)
	require.ErrorIs(t, err, ErrUnknownSubscriber)

	h.attach(t)
	a, err := h.mgr.AllocateTI(imsi)
	require.NoError(t, err)
	b, err := h.mgr.AllocateTI(imsi)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, h.status(t).TIsInUse)

	require.NoError(t, h.mgr.ReleaseTI(imsi, a))
	require.ErrorIs(t, h.mgr.ReleaseTI(imsi, a), subscriber.ErrTransactionIDFree)
	require.NoError(t, h.mgr.ReleaseTI("nobody", b))
}
