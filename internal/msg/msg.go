// Package msg defines the envelopes exchanged between simulated nodes and the
// Sender every component uses to emit them.
package msg

import (
	"context"

	"github.com/signalsfoundry/gsn-simulator/model"
)

// Interface names the backbone interface an envelope travels on.
type Interface int

const (
	InterfaceRadio Interface = iota
	InterfaceTunnel
	InterfaceDirectory
	InterfaceSwitch
)

func (i Interface) String() string {
	switch i {
	case InterfaceRadio:
		return "radio"
	case InterfaceTunnel:
		return "tunnel"
	case InterfaceDirectory:
		return "directory"
	case InterfaceSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// Body is the typed content of an envelope.
type Body interface {
	Interface() Interface
	KindName() string
}

// Envelope is one message in flight between two nodes.
type Envelope struct {
	From model.NodeID
	To   model.NodeID
	Body Body
}

// Sender emits envelopes from the owning node. Delivery is asynchronous,
// delayed and unordered between any two nodes.
type Sender interface {
	Send(ctx context.Context, to model.NodeID, body Body)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to model.NodeID, body Body)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, to model.NodeID, body Body) { f(ctx, to, body) }
