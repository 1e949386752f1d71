package msg

import (
	"github.com/signalsfoundry/gsn-simulator/internal/nas"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// RadioKind is the message kind of a radio-relay envelope.
type RadioKind int

const (
	RadioInitialAccess RadioKind = iota
	RadioDirectTransfer
	RadioResourceAssignmentRequest
	RadioResourceAssignmentResponse
	RadioPaging
	RadioReleaseRequest
	RadioReleaseComplete
	RadioTopologyQuery
	RadioTopologyReply
	RadioTopologyForward
)

var radioKindNames = [...]string{
	RadioInitialAccess:              "INITIAL_ACCESS",
	RadioDirectTransfer:             "DIRECT_TRANSFER",
	RadioResourceAssignmentRequest:  "RESOURCE_ASSIGNMENT_REQUEST",
	RadioResourceAssignmentResponse: "RESOURCE_ASSIGNMENT_RESPONSE",
	RadioPaging:                     "PAGING",
	RadioReleaseRequest:             "RELEASE_REQUEST",
	RadioReleaseComplete:            "RELEASE_COMPLETE",
	RadioTopologyQuery:              "TOPOLOGY_QUERY",
	RadioTopologyReply:              "TOPOLOGY_REPLY",
	RadioTopologyForward:            "TOPOLOGY_FORWARD",
}

func (k RadioKind) String() string {
	if k >= 0 && int(k) < len(radioKindNames) {
		return radioKindNames[k]
	}
	return "UNKNOWN"
}

// BearerAction selects setup or release of one radio access bearer.
type BearerAction int

const (
	BearerSetup BearerAction = iota
	BearerRelease
)

// BearerItem is one entry of a resource-assignment request or response.
type BearerItem struct {
	Domain model.Domain
	RAB    model.RABID
	Action BearerAction
	// TEID is the core-side endpoint in a request and the access-side endpoint
	// in a response. Circuit-switched bearers leave it zero.
	TEID    model.TEID
	QoS     model.QoSProfile
	Outcome model.Cause
}

// Topology carries controller-discovery information.
type Topology struct {
	Cell        model.CellID
	BaseStation model.BaseStationID
	Controller  model.RNCID
	// Owner is the serving node that owns Controller.
	Owner model.NodeID
	// Endpoint is the backbone address of Controller.
	Endpoint model.NodeID
	Found    bool
}

// Radio is the envelope between the core and the radio-access relay.
type Radio struct {
	Kind   RadioKind
	IMSI   model.IMSI
	RNC    model.RNCID
	Cell   model.CellID
	Domain model.Domain

	NAS      *nas.Message
	Bearers  []BearerItem
	Topology *Topology
	// Forward is the embedded message of a TOPOLOGY_FORWARD, addressed to
	// the controller named in Topology.
	Forward *Radio
	Cause   model.Cause

	// Origin is the core node a controller answers when the message reached
	// it through another serving node. Empty means the envelope sender.
	Origin model.NodeID
}

// Interface implements Body.
func (*Radio) Interface() Interface { return InterfaceRadio }

// KindName implements Body.
func (r *Radio) KindName() string { return r.Kind.String() }
