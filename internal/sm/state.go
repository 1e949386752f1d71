package sm

import (
	"net/netip"
	"time"

	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// State is the serving-side state of one data session.
type State int

const (
	StateInactive State = iota
	StateActivePending
	StateActive
	StateInactivePending
	// StatePagePending holds a network-originated session until the
	// subscriber answers paging and the request to activate.
	StatePagePending
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateActivePending:
		return "ACTIVE_PENDING"
	case StateActive:
		return "ACTIVE"
	case StateInactivePending:
		return "INACTIVE_PENDING"
	case StatePagePending:
		return "PAGE_PENDING"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// next lists the legal successors of each state. Teardown to INACTIVE from
// REJECTED is the only exit of that branch.
var next = map[State][]State{
	StateInactive:        {StateActivePending, StatePagePending},
	StatePagePending:     {StateActivePending, StateRejected},
	StateActivePending:   {StateActive, StateRejected},
	StateActive:          {StateInactivePending},
	StateInactivePending: {StateInactive},
	StateRejected:        {StateInactive},
}

func allowed(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Initiator records which side started a deactivation.
type Initiator int

const (
	InitiatorLocal Initiator = iota
	InitiatorSubscriber
	InitiatorGateway
)

type key struct {
	imsi model.IMSI
	ti   model.TI
}

type session struct {
	imsi   model.IMSI
	ti     model.TI
	origin model.Direction
	qos    model.QoSProfile
	state  State
	addr   netip.Addr

	gateway model.NodeID
	dl, ul  model.TEID
	// notifyTEID is the gateway endpoint of a network-originated attempt.
	notifyTEID model.TEID
	rab        model.RABID
	// requested marks a network session whose activation request is out.
	requested bool
	bearerUp  bool

	timer timer.Handle
	retry timer.Retry

	initiator    Initiator
	cause        model.Cause
	lastActivity time.Time
}

// Session is a copy of one session's state.
type Session struct {
	IMSI         model.IMSI
	TI           model.TI
	Origin       model.Direction
	QoS          model.QoSProfile
	State        State
	Address      netip.Addr
	Gateway      model.NodeID
	UplinkTEID   model.TEID
	DownlinkTEID model.TEID
	RAB          model.RABID
	LastActivity time.Time
}

func (s *session) snapshot() Session {
	return Session{
		IMSI:         s.imsi,
		TI:           s.ti,
		Origin:       s.origin,
		QoS:          s.qos,
		State:        s.state,
		Address:      s.addr,
		Gateway:      s.gateway,
		UplinkTEID:   s.ul,
		DownlinkTEID: s.dl,
		RAB:          s.rab,
		LastActivity: s.lastActivity,
	}
}
