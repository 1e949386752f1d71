// Package outcome defines the result every event handler returns, replacing
// any implicit "who owns the buffer now" convention between caller and callee.
package outcome

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/gsn-simulator/internal/timer"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// Kind discriminates an Outcome.
type Kind int

const (
	// KindConsumed means the handler finished with the event.
	KindConsumed Kind = iota
	// KindRescheduled means the handler armed or re-armed a timer and will
	// resume when it fires.
	KindRescheduled
	// KindForwarded means the event was handed to another node.
	KindForwarded
	// KindDiscarded means the event was dropped, typically as a protocol
	// violation.
	KindDiscarded
)

// Outcome is the explicit result of handling one event.
type Outcome struct {
	Kind   Kind
	Timer  timer.Handle
	Target model.NodeID
	Reason string
}

// Consumed returns the plain completion outcome.
func Consumed() Outcome { return Outcome{Kind: KindConsumed} }

// Rescheduled reports that the handler is now waiting on h.
func Rescheduled(h timer.Handle) Outcome { return Outcome{Kind: KindRescheduled, Timer: h} }

// Forwarded reports that the event now belongs to target.
func Forwarded(target model.NodeID) Outcome { return Outcome{Kind: KindForwarded, Target: target} }

// Discarded reports that the event was dropped for reason.
func Discarded(reason string) Outcome { return Outcome{Kind: KindDiscarded, Reason: reason} }

func (o Outcome) String() string {
	switch o.Kind {
	case KindConsumed:
		return "consumed"
	case KindRescheduled:
		return fmt.Sprintf("rescheduled(timer=%d)", o.Timer.ID())
	case KindForwarded:
		return fmt.Sprintf("forwarded(%s)", o.Target)
	case KindDiscarded:
		return fmt.Sprintf("discarded(%s)", o.Reason)
	default:
		return "unknown"
	}
}

var (
	// ErrUnexpectedMessage marks a message that arrived in a state that does
	// not expect it.
	ErrUnexpectedMessage = errors.New("unexpected message for state")
	// ErrInvariant marks a condition that should be structurally impossible.
	ErrInvariant = errors.New("invariant violated")
)
