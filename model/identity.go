package model

import "fmt"

// IMSI is the permanent subscriber identity. It is the stable key for every
// per-subscriber table in the simulator.
type IMSI string

// TMSI is the temporary identity handed to a subscriber on attach.
type TMSI uint32

// NodeID addresses one simulated entity on the backbone: a core node, a radio
// network controller or the external packet network.
type NodeID string

// RNCID identifies a radio network controller.
type RNCID string

// CellID identifies a radio cell.
type CellID string

// BaseStationID identifies the base station that radiates a cell.
type BaseStationID string

// LocationArea is the circuit-switched location area identity.
type LocationArea string

// RoutingArea is the packet-switched routing area identity.
type RoutingArea string

// TEID is a tunnel-endpoint identifier. Zero is never allocated.
type TEID uint32

// CallID is the application-level identifier of a voice call, assigned by the
// originating switch and carried unchanged across every leg.
type CallID uint64

// TI is a NAS transaction identifier. Values 0-6 are usable; bit 3 is the
// transaction-identifier flag and is set for transactions the network
// originated.
type TI uint8

const (
	tiFlag = 0x08
	// MaxTIValue bounds the usable transaction identifier values.
	MaxTIValue = 7
)

// NetworkTI returns the network-originated transaction identifier for v.
func NetworkTI(v uint8) TI { return TI(v&0x07) | tiFlag }

// SubscriberTI returns the subscriber-originated transaction identifier for v.
func SubscriberTI(v uint8) TI { return TI(v & 0x07) }

// Value strips the origination flag.
func (t TI) Value() uint8 { return uint8(t) & 0x07 }

// NetworkOriginated reports whether the flag bit marks a network transaction.
func (t TI) NetworkOriginated() bool { return t&tiFlag != 0 }

func (t TI) String() string {
	if t.NetworkOriginated() {
		return fmt.Sprintf("n%d", t.Value())
	}
	return fmt.Sprintf("s%d", t.Value())
}

// RABID identifies a radio access bearer within one subscriber's connection.
type RABID uint8

// RABFor derives the bearer id used for a transaction. Subscriber- and
// network-originated transactions never share a bearer id.
func RABFor(ti TI) RABID { return RABID(ti) + 1 }
