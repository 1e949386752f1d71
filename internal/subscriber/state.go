package subscriber

// MMState is the circuit-switched mobility-management state.
type MMState int

const (
	MMIdle MMState = iota
	MMWaitForConnection
	MMConnectionActive
	MMWaitForMobileOriginated
	MMWaitForNetworkOriginated
)

func (s MMState) String() string {
	switch s {
	case MMIdle:
		return "IDLE"
	case MMWaitForConnection:
		return "WAIT_FOR_CONNECTION"
	case MMConnectionActive:
		return "CONNECTION_ACTIVE"
	case MMWaitForMobileOriginated:
		return "WAIT_FOR_MOBILE_ORIGINATED"
	case MMWaitForNetworkOriginated:
		return "WAIT_FOR_NETWORK_ORIGINATED"
	default:
		return "UNKNOWN"
	}
}

// GMMState is the packet-switched mobility-management main state.
type GMMState int

const (
	GMMDeregistered GMMState = iota
	GMMCommonProcedureInitiated
	GMMRegistered
)

func (s GMMState) String() string {
	switch s {
	case GMMDeregistered:
		return "DEREGISTERED"
	case GMMCommonProcedureInitiated:
		return "COMMON_PROCEDURE_INITIATED"
	case GMMRegistered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

// GMMSubState qualifies GMMRegistered.
type GMMSubState int

const (
	GMMSubNone GMMSubState = iota
	GMMSubNormalService
)

// PMMState is the packet-switched attachment sub-state.
type PMMState int

const (
	PMMDetached PMMState = iota
	PMMIdle
	PMMConnected
)

func (s PMMState) String() string {
	switch s {
	case PMMDetached:
		return "DETACHED"
	case PMMIdle:
		return "IDLE"
	case PMMConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// gmmNext lists the legal successors of each GMM main state.
var gmmNext = map[GMMState][]GMMState{
	GMMDeregistered:             {GMMCommonProcedureInitiated},
	GMMCommonProcedureInitiated: {GMMRegistered, GMMDeregistered},
	GMMRegistered:               {GMMDeregistered},
}

func gmmAllowed(from, to GMMState) bool {
	for _, s := range gmmNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
