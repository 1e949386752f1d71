package timer

import "github.com/signalsfoundry/gsn-simulator/model"

// Kind names a timer variant. Each kind guards exactly one awaited event.
type Kind int

const (
	KindAttachConfirm Kind = iota
	KindLocationUpdate
	KindPaging
	KindActivationResponse
	KindBearerAssignment
	KindActivationRequest
	KindDeactivationConfirm
	KindGatewayNotification
	KindGatewayDelete
	KindDirectoryQuery
	KindCallState
	KindFlowSweep
	KindRejectedPurge
	KindGatewayUpdate
)

var kindNames = [...]string{
	KindAttachConfirm:       "attach_confirm",
	KindLocationUpdate:      "location_update",
	KindPaging:              "paging",
	KindActivationResponse:  "activation_response",
	KindBearerAssignment:    "bearer_assignment",
	KindActivationRequest:   "activation_request",
	KindDeactivationConfirm: "deactivation_confirm",
	KindGatewayNotification: "gateway_notification",
	KindGatewayDelete:       "gateway_delete",
	KindDirectoryQuery:      "directory_query",
	KindCallState:           "call_state",
	KindFlowSweep:           "flow_sweep",
	KindRejectedPurge:       "rejected_purge",
	KindGatewayUpdate:       "gateway_update",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Payload is the typed content of an armed timer. The set of implementations
// is closed to this package; expiry handlers switch on the concrete type.
type Payload interface {
	Kind() Kind
	payload()
}

// AttachConfirm waits for ATTACH COMPLETE after ATTACH ACCEPT.
type AttachConfirm struct{ IMSI model.IMSI }

// LocationUpdate waits for the HLR UPDATE_REPLY of a pending location update.
type LocationUpdate struct{ IMSI model.IMSI }

// Paging waits for a paging response in one domain.
type Paging struct {
	IMSI   model.IMSI
	Domain model.Domain
}

// ActivationResponse waits for the gateway's tunnel CREATE response.
type ActivationResponse struct {
	IMSI model.IMSI
	TI   model.TI
}

// BearerAssignment waits for the radio bearer of a session or call.
type BearerAssignment struct {
	IMSI   model.IMSI
	Domain model.Domain
	TI     model.TI
}

// ActivationRequest waits for the subscriber to answer a network request to
// activate a session.
type ActivationRequest struct {
	IMSI model.IMSI
	TI   model.TI
}

// DeactivationConfirm waits for DEACTIVATE PDP CONTEXT ACCEPT.
type DeactivationConfirm struct {
	IMSI model.IMSI
	TI   model.TI
}

// GatewayNotification waits for the serving node's NOTIFICATION response.
type GatewayNotification struct{ TEID model.TEID }

// GatewayDelete waits for the serving node's DELETE response.
type GatewayDelete struct{ TEID model.TEID }

// GatewayUpdate waits for the serving node's UPDATE after an accepted CREATE.
type GatewayUpdate struct{ TEID model.TEID }

// DirectoryQuery waits for a location-directory reply.
type DirectoryQuery struct{ Ref uint64 }

// CallState guards the peer message expected in one call state.
type CallState struct {
	IMSI  model.IMSI
	TI    model.TI
	State int
}

// FlowSweep is the periodic idle-flow sweep.
type FlowSweep struct{}

// RejectedPurge removes a gateway context stuck in REJECTED.
type RejectedPurge struct{ TEID model.TEID }

func (AttachConfirm) Kind() Kind       { return KindAttachConfirm }
func (LocationUpdate) Kind() Kind      { return KindLocationUpdate }
func (Paging) Kind() Kind              { return KindPaging }
func (ActivationResponse) Kind() Kind  { return KindActivationResponse }
func (BearerAssignment) Kind() Kind    { return KindBearerAssignment }
func (ActivationRequest) Kind() Kind   { return KindActivationRequest }
func (DeactivationConfirm) Kind() Kind { return KindDeactivationConfirm }
func (GatewayNotification) Kind() Kind { return KindGatewayNotification }
func (GatewayDelete) Kind() Kind       { return KindGatewayDelete }
func (GatewayUpdate) Kind() Kind       { return KindGatewayUpdate }
func (DirectoryQuery) Kind() Kind      { return KindDirectoryQuery }
func (CallState) Kind() Kind           { return KindCallState }
func (FlowSweep) Kind() Kind           { return KindFlowSweep }
func (RejectedPurge) Kind() Kind       { return KindRejectedPurge }

func (AttachConfirm) payload()       {}
func (LocationUpdate) payload()      {}
func (Paging) payload()              {}
func (ActivationResponse) payload()  {}
func (BearerAssignment) payload()    {}
func (ActivationRequest) payload()   {}
func (DeactivationConfirm) payload() {}
func (GatewayNotification) payload() {}
func (GatewayDelete) payload()       {}
func (GatewayUpdate) payload()       {}
func (DirectoryQuery) payload()      {}
func (CallState) payload()           {}
func (FlowSweep) payload()           {}
func (RejectedPurge) payload()       {}
