package cc

import (
	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// State is the call-control state of one call leg at its switch.
type State int

const (
	StateNull State = iota

	// Originating leg.
	StateMOCallProceeding
	StateCallDelivered
	StateConnectIndication
	StateConnectIndicationPendingOnBearer

	StateActive
	StateDisconnectIndication
	StateReleaseRequest

	// Terminating leg.
	StateMMConnectionPending
	StateCallPresent
	StateMTCallConfirmed
	StateCallReceived
	StateActivePendingOnBearer
)

var stateNames = [...]string{
	StateNull:                             "NULL",
	StateMOCallProceeding:                 "MOBILE_ORIGINATING_CALL_PROCEEDING",
	StateCallDelivered:                    "CALL_DELIVERED",
	StateConnectIndication:                "CONNECT_INDICATION",
	StateConnectIndicationPendingOnBearer: "CONNECT_INDICATION_PENDING_ON_BEARER",
	StateActive:                           "ACTIVE",
	StateDisconnectIndication:             "DISCONNECT_INDICATION",
	StateReleaseRequest:                   "RELEASE_REQUEST",
	StateMMConnectionPending:              "MM_CONNECTION_PENDING",
	StateCallPresent:                      "CALL_PRESENT",
	StateMTCallConfirmed:                  "MOBILE_TERMINATING_CALL_CONFIRMED",
	StateCallReceived:                     "CALL_RECEIVED",
	StateActivePendingOnBearer:            "ACTIVE_PENDING_ON_BEARER",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// timed reports whether s waits for a peer message under a CallState timer.
func (s State) timed() bool {
	switch s {
	case StateNull, StateActive, StateMMConnectionPending:
		return false
	}
	return true
}

// clearing reports whether the call is already being released.
func (s State) clearing() bool {
	return s == StateDisconnectIndication || s == StateReleaseRequest
}

type key struct {
	imsi model.IMSI
	ti   model.TI
}

type call struct {
	imsi   model.IMSI
	ti     model.TI
	peer   model.IMSI
	id     model.CallID
	origin model.Direction
	state  State
	rab    model.RABID

	bearerUp bool
	// bearerAsked is set once a bearer request went out for the call.
	bearerAsked bool

	timer timer.Handle
	retry timer.Retry
	cause model.Cause
}

// Call is a copy of one call leg.
type Call struct {
	IMSI     model.IMSI
	TI       model.TI
	Peer     model.IMSI
	CallID   model.CallID
	Origin   model.Direction
	State    State
	RAB      model.RABID
	BearerUp bool
}

func (c *call) snapshot() Call {
	return Call{
		IMSI:     c.imsi,
		TI:       c.ti,
		Peer:     c.peer,
		CallID:   c.id,
		Origin:   c.origin,
		State:    c.state,
		RAB:      c.rab,
		BearerUp: c.bearerUp,
	}
}
