package msg

import (
	"net/netip"

	"github.com/signalsfoundry/gsn-simulator/model"
)

// TunnelType is the message type of a tunnel envelope.
type TunnelType int

const (
	TunnelCreateRequest TunnelType = iota
	TunnelCreateResponse
	TunnelUpdateRequest
	TunnelUpdateResponse
	TunnelDeleteRequest
	TunnelDeleteResponse
	TunnelData
	TunnelNotificationRequest
	TunnelNotificationResponse
)

var tunnelTypeNames = [...]string{
	TunnelCreateRequest:        "CREATE_REQUEST",
	TunnelCreateResponse:       "CREATE_RESPONSE",
	TunnelUpdateRequest:        "UPDATE_REQUEST",
	TunnelUpdateResponse:       "UPDATE_RESPONSE",
	TunnelDeleteRequest:        "DELETE_REQUEST",
	TunnelDeleteResponse:       "DELETE_RESPONSE",
	TunnelData:                 "DATA",
	TunnelNotificationRequest:  "NOTIFICATION_REQUEST",
	TunnelNotificationResponse: "NOTIFICATION_RESPONSE",
}

func (t TunnelType) String() string {
	if t >= 0 && int(t) < len(tunnelTypeNames) {
		return tunnelTypeNames[t]
	}
	return "UNKNOWN"
}

// IsResponse reports whether t carries a cause code.
func (t TunnelType) IsResponse() bool {
	switch t {
	case TunnelCreateResponse, TunnelUpdateResponse, TunnelDeleteResponse, TunnelNotificationResponse:
		return true
	}
	return false
}

// Session carries the session description on tunnel control messages.
type Session struct {
	IMSI         model.IMSI
	TI           model.TI
	QoS          model.QoSProfile
	Address      netip.Addr
	UplinkTEID   model.TEID
	DownlinkTEID model.TEID
}

// Tunnel is the envelope between serving and gateway nodes, and between a
// serving node and a controller on the access user plane.
type Tunnel struct {
	Type TunnelType
	// TEID is the receiving endpoint; zero on requests that create state.
	TEID    model.TEID
	Cause   model.Cause
	Session *Session
	// Payload is a G-PDU on DATA messages.
	Payload []byte
}

// Interface implements Body.
func (*Tunnel) Interface() Interface { return InterfaceTunnel }

// KindName implements Body.
func (t *Tunnel) KindName() string { return t.Type.String() }
