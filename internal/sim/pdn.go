package sim

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/gsn-simulator/internal/gtp"
	"github.com/signalsfoundry/gsn-simulator/internal/msg"
	"github.com/signalsfoundry/gsn-simulator/internal/outcome"
	"github.com/signalsfoundry/gsn-simulator/internal/sched"
	"github.com/signalsfoundry/gsn-simulator/model"
)

// PDNID is the backbone address of the packet data network.
const PDNID = model.NodeID("pdn")

// DefaultPDNAddr is the server address traffic is exchanged with.
var DefaultPDNAddr = netip.MustParseAddr("192.0.2.10")

// PDN is the packet data network behind every gateway: a traffic sink for
// uplink datagrams and the source of scripted downlink ones.
type PDN struct {
	addr  netip.Addr
	sched sched.EventScheduler
	send  msg.Sender

	PacketsUp int
	BytesUp   int
	// From counts uplink datagrams per delivering gateway.
	From map[model.NodeID]int
}

// NewPDN builds the packet data network endpoint.
func NewPDN(s sched.EventScheduler, send msg.Sender) *PDN {
	return &PDN{addr: DefaultPDNAddr, sched: s, send: send, From: make(map[model.NodeID]int)}
}

// Addr returns the server address.
func (p *PDN) Addr() netip.Addr { return p.addr }

// Scheduler implements Endpoint.
func (p *PDN) Scheduler() sched.EventScheduler { return p.sched }

// Deliver implements Endpoint.
func (p *PDN) Deliver(_ context.Context, env msg.Envelope) outcome.Outcome {
	t, ok := env.Body.(*msg.Tunnel)
	if !ok || t.Type != msg.TunnelData {
		return outcome.Discarded("packet network only takes data")
	}
	dst, err := gtp.Destination(t.Payload)
	if err != nil || dst != p.addr {
		return outcome.Discarded("datagram not for this network")
	}
	p.PacketsUp++
	p.BytesUp += len(t.Payload)
	p.From[env.From]++
	return outcome.Consumed()
}

// Downlink sends one datagram of size payload bytes to addr through gateway.
func (p *PDN) Downlink(ctx context.Context, gateway model.NodeID, addr netip.Addr, size int) error {
	if !addr.IsValid() {
		return fmt.Errorf("downlink via %s: %w", gateway, ErrNoSession)
	}
	datagram, err := gtp.BuildUDP(p.addr, addr, ServerPort, SubscriberPort, make([]byte, size))
	if err != nil {
		return err
	}
	p.send.Send(ctx, gateway, &msg.Tunnel{Type: msg.TunnelData, Payload: datagram})
	return nil
}
