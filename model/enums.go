package model

// Domain separates the circuit-switched and packet-switched halves of the core.
type Domain int

const (
	DomainCS Domain = iota
	DomainPS
)

func (d Domain) String() string {
	if d == DomainPS {
		return "ps"
	}
	return "cs"
}

// Direction records which side originated a flow or call.
type Direction int

const (
	SubscriberOriginated Direction = iota
	NetworkOriginated
)

func (d Direction) String() string {
	if d == NetworkOriginated {
		return "network-originated"
	}
	return "subscriber-originated"
}

// Cause is carried on every response that can fail.
type Cause int

const (
	CauseAccepted Cause = iota
	CauseRejected
	CauseDropped
	// CauseNoSuch reports a lookup miss.
	CauseNoSuch
	// CauseNotOwner reports a REMOVE from a node that is not the registered owner.
	CauseNotOwner
	// CauseNoResources reports identifier or buffer exhaustion.
	CauseNoResources
	// CauseTimeout reports bounded-retry exhaustion.
	CauseTimeout
	// CauseNormalClearing is the ordinary call/session release cause.
	CauseNormalClearing
	// CauseIdle reports a flow torn down by the idle sweep.
	CauseIdle
)

var causeNames = map[Cause]string{
	CauseAccepted:       "accepted",
	CauseRejected:       "rejected",
	CauseDropped:        "dropped",
	CauseNoSuch:         "nosuch",
	CauseNotOwner:       "not-owner",
	CauseNoResources:    "no-resources",
	CauseTimeout:        "timeout",
	CauseNormalClearing: "normal-clearing",
	CauseIdle:           "idle",
}

func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return "unknown"
}

// Accepted reports whether c is the success cause.
func (c Cause) Accepted() bool { return c == CauseAccepted }

// QoSClass is the UMTS traffic class of a data session. Lower values carry
// stricter delay requirements.
type QoSClass int

const (
	QoSConversational QoSClass = iota
	QoSStreaming
	QoSInteractive
	QoSBackground
)

func (q QoSClass) String() string {
	switch q {
	case QoSConversational:
		return "conversational"
	case QoSStreaming:
		return "streaming"
	case QoSInteractive:
		return "interactive"
	case QoSBackground:
		return "background"
	default:
		return "unknown"
	}
}

// QoSProfile is the negotiated quality-of-service profile of a session.
type QoSProfile struct {
	Class QoSClass
	// MaxBitrateKbps is informative; the simulator does not police rates.
	MaxBitrateKbps int
}

// GuaranteedBitRate reports whether the class is at or above threshold, i.e.
// whether its pending packets must be dropped newest-first.
func (q QoSProfile) GuaranteedBitRate(threshold QoSClass) bool {
	return q.Class <= threshold
}
