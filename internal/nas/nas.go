// Package nas models the subscriber-to-core signaling envelope: protocol
// discriminators, message types and the per-discriminator handler contract.
package nas

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// PD is the protocol discriminator selecting the manager for a message.
type PD uint8

const (
	PDCC  PD = 0x3
	PDMM  PD = 0x5
	PDGMM PD = 0x8
	PDSM  PD = 0xA
)

func (p PD) String() string {
	switch p {
	case PDCC:
		return "CC"
	case PDMM:
		return "MM"
	case PDGMM:
		return "GMM"
	case PDSM:
		return "SM"
	default:
		return fmt.Sprintf("PD(%#x)", uint8(p))
	}
}

// Domain maps a discriminator onto the core domain that carries it.
func (p PD) Domain() model.Domain {
	if p == PDGMM || p == PDSM {
		return model.DomainPS
	}
	return model.DomainCS
}

// MessageType is the message-type byte, interpreted per discriminator.
type MessageType uint8

// MM message types.
const (
	MMIMSIDetachIndication  MessageType = 0x01
	MMLocationUpdateAccept  MessageType = 0x02
	MMLocationUpdateReject  MessageType = 0x04
	MMLocationUpdateRequest MessageType = 0x08
	MMTMSIReallocComplete   MessageType = 0x1B
	MMCMServiceAccept       MessageType = 0x21
	MMCMServiceReject       MessageType = 0x22
	MMCMServiceRequest      MessageType = 0x24
)

// GMM message types.
const (
	GMMAttachRequest  MessageType = 0x01
	GMMAttachAccept   MessageType = 0x02
	GMMAttachComplete MessageType = 0x03
	GMMAttachReject   MessageType = 0x04
	GMMDetachRequest  MessageType = 0x05
	GMMDetachAccept   MessageType = 0x06
	GMMServiceRequest MessageType = 0x0C
	GMMServiceAccept  MessageType = 0x0D
	GMMServiceReject  MessageType = 0x0E
)

// SM message types.
const (
	SMActivateRequest         MessageType = 0x41
	SMActivateAccept          MessageType = 0x42
	SMActivateReject          MessageType = 0x43
	SMRequestActivation       MessageType = 0x44
	SMRequestActivationReject MessageType = 0x45
	SMDeactivateRequest       MessageType = 0x46
	SMDeactivateAccept        MessageType = 0x47
)

// CC message types.
const (
	CCAlerting        MessageType = 0x01
	CCCallProceeding  MessageType = 0x02
	CCSetup           MessageType = 0x05
	CCConnect         MessageType = 0x07
	CCCallConfirmed   MessageType = 0x08
	CCConnectAck      MessageType = 0x0F
	CCDisconnect      MessageType = 0x25
	CCReleaseComplete MessageType = 0x2A
	CCRelease         MessageType = 0x2D
)

var typeNames = map[PD]map[MessageType]string{
	PDMM: {
		MMIMSIDetachIndication:  "IMSI_DETACH_INDICATION",
		MMLocationUpdateAccept:  "LOCATION_UPDATING_ACCEPT",
		MMLocationUpdateReject:  "LOCATION_UPDATING_REJECT",
		MMLocationUpdateRequest: "LOCATION_UPDATING_REQUEST",
		MMTMSIReallocComplete:   "TMSI_REALLOCATION_COMPLETE",
		MMCMServiceAccept:       "CM_SERVICE_ACCEPT",
		MMCMServiceReject:       "CM_SERVICE_REJECT",
		MMCMServiceRequest:      "CM_SERVICE_REQUEST",
	},
	PDGMM: {
		GMMAttachRequest:  "ATTACH_REQUEST",
		GMMAttachAccept:   "ATTACH_ACCEPT",
		GMMAttachComplete: "ATTACH_COMPLETE",
		GMMAttachReject:   "ATTACH_REJECT",
		GMMDetachRequest:  "DETACH_REQUEST",
		GMMDetachAccept:   "DETACH_ACCEPT",
		GMMServiceRequest: "SERVICE_REQUEST",
		GMMServiceAccept:  "SERVICE_ACCEPT",
		GMMServiceReject:  "SERVICE_REJECT",
	},
	PDSM: {
		SMActivateRequest:         "ACTIVATE_PDP_CONTEXT_REQUEST",
		SMActivateAccept:          "ACTIVATE_PDP_CONTEXT_ACCEPT",
		SMActivateReject:          "ACTIVATE_PDP_CONTEXT_REJECT",
		SMRequestActivation:       "REQUEST_PDP_CONTEXT_ACTIVATION",
		SMRequestActivationReject: "REQUEST_PDP_CONTEXT_ACTIVATION_REJECT",
		SMDeactivateRequest:       "DEACTIVATE_PDP_CONTEXT_REQUEST",
		SMDeactivateAccept:        "DEACTIVATE_PDP_CONTEXT_ACCEPT",
	},
	PDCC: {
		CCAlerting:        "ALERTING",
		CCCallProceeding:  "CALL_PROCEEDING",
		CCSetup:           "SETUP",
		CCConnect:         "CONNECT",
		CCCallConfirmed:   "CALL_CONFIRMED",
		CCConnectAck:      "CONNECT_ACKNOWLEDGE",
		CCDisconnect:      "DISCONNECT",
		CCReleaseComplete: "RELEASE_COMPLETE",
		CCRelease:         "RELEASE",
	},
}

// Message is one NAS signaling message. Only the information elements the
// message type uses are set.
type Message struct {
	PD   PD
	TI   model.TI
	Type MessageType

	IMSI         model.IMSI
	TMSI         model.TMSI
	LocationArea model.LocationArea
	RoutingArea  model.RoutingArea
	QoS          model.QoSProfile
	Address      netip.Addr
	Cause        model.Cause
	Peer         model.IMSI
	CallID       model.CallID
}

// Name renders "<PD> <TYPE>" for logs.
func (m *Message) Name() string {
	if m == nil {
		return "<nil>"
	}
	if n, ok := typeNames[m.PD][m.Type]; ok {
		return m.PD.String() + " " + n
	}
	return fmt.Sprintf("%s type=%#x", m.PD, uint8(m.Type))
}

// Clone returns an independent copy, used when a message is retransmitted.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Event is one inbound NAS message together with the radio context it came
// in on.
type Event struct {
	IMSI model.IMSI
	RNC  model.RNCID
	Cell model.CellID
	// Initial is set when the message opened a new signaling connection.
	Initial bool
	Message *Message
}

// Handler is implemented once per protocol discriminator.
type Handler interface {
	HandleNAS(ctx context.Context, ev Event) outcome.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) outcome.Outcome

// HandleNAS implements Handler.
func (f HandlerFunc) HandleNAS(ctx context.Context, ev Event) outcome.Outcome { return f(ctx, ev) }
