package msg

import "github.com/signalsfoundry/gsn-simulator/model"

// SwitchKind is the message kind of an inter-switch envelope.
type SwitchKind int

const (
	SwitchCallSetup SwitchKind = iota
	SwitchAlerting
	SwitchConnect
	SwitchDisconnect
)

func (k SwitchKind) String() string {
	switch k {
	case SwitchCallSetup:
		return "CALL_SETUP"
	case SwitchAlerting:
		return "ALERTING"
	case SwitchConnect:
		return "CONNECT"
	case SwitchDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Switch is the envelope between a local switch and the remote-switch
// router. IMSI and TI always name the leg as seen by the switch that owns it;
// Peer names the other party.
type Switch struct {
	Kind   SwitchKind
	IMSI   model.IMSI
	TI     model.TI
	Peer   model.IMSI
	CallID model.CallID
	Cause  model.Cause
}

// Interface implements Body.
func (*Switch) Interface() Interface { return InterfaceSwitch }

// KindName implements Body.
func (s *Switch) KindName() string { return s.Kind.String() }
