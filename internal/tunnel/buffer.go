package tunnel

import "github.com/signalsfoundry/gsn-simulator/model"

// Drop reasons reported to metrics.
const (
	DropOverflow       = "overflow"
	DropRejected       = "rejected"
	DropDeleted        = "deleted"
	DropUnknownAddress = "unknown_address"
	DropMalformed      = "malformed"
	DropNoTunnel       = "no_tunnel"
)

// Limits bounds every pending-packet buffer of a gateway.
type Limits struct {
	PerContext int
	Aggregate  int
	// Threshold is the least strict class treated as guaranteed bit rate.
	Threshold model.QoSClass
}

// Buffer is the FIFO of downlink packets held for one context that is not
// yet active.
type Buffer struct {
	packets [][]byte
	bytes   int
}

// Len returns the number of buffered packets.
func (b *Buffer) Len() int { return len(b.packets) }

// Bytes returns the buffered byte count.
func (b *Buffer) Bytes() int { return b.bytes }

// Drain empties the buffer, returning its packets in arrival order.
func (b *Buffer) Drain() [][]byte {
	out := b.packets
	b.packets = nil
	b.bytes = 0
	return out
}

func (b *Buffer) push(p []byte) {
	b.packets = append(b.packets, p)
	b.bytes += len(p)
}

func (b *Buffer) popOldest() []byte {
	p := b.packets[0]
	b.packets[0] = nil
	b.packets = b.packets[1:]
	b.bytes -= len(p)
	return p
}

// accountant enforces the per-context and aggregate limits across all
// buffers of one gateway.
type accountant struct {
	limits Limits
	total  int
}

// enqueue stores p in b, dropping as the limits require. It returns the
// byte size of every dropped packet.
func (a *accountant) enqueue(b *Buffer, qos model.QoSProfile, p []byte) (dropped []int) {
	size := len(p)
	if size > a.limits.PerContext || size > a.limits.Aggregate {
		return []int{size}
	}
	fits := func() bool {
		return b.bytes+size <= a.limits.PerContext && a.total+size <= a.limits.Aggregate
	}
	if !fits() {
		if qos.GuaranteedBitRate(a.limits.Threshold) {
			return []int{size}
		}
		for !fits() && b.Len() > 0 {
			old := b.popOldest()
			a.total -= len(old)
			dropped = append(dropped, len(old))
		}
		if !fits() {
			// Other contexts hold the aggregate; the newcomer cannot evict them.
			return append(dropped, size)
		}
	}
	b.push(p)
	a.total += size
	return dropped
}

// release returns the bytes of a drained or discarded buffer.
func (a *accountant) release(n int) {
	a.total -= n
	if a.total < 0 {
		a.total = 0
	}
}
