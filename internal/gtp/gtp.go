// Package gtp frames tunnel DATA payloads as GTPv1-U G-PDUs and inspects the
// inner IP datagrams the gateway receives from the packet network.
package gtp

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/signalsfoundry/gsn-simulator/model"
)

// MessageTypeGPDU is the GTPv1-U message type of encapsulated user data.
const MessageTypeGPDU = 255

var (
	// ErrNotGPDU indicates a buffer that does not decode as a G-PDU.
	ErrNotGPDU = errors.New("not a GTPv1-U G-PDU")
	// ErrNotIP indicates a payload that is neither IPv4 nor IPv6.
	ErrNotIP = errors.New("payload is not an IP datagram")
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// Encapsulate wraps an inner datagram in a G-PDU addressed to teid.
func Encapsulate(teid model.TEID, inner []byte) ([]byte, error) {
	hdr := &layers.GTPv1U{
		Version:       1,
		ProtocolType:  1,
		MessageType:   MessageTypeGPDU,
		MessageLength: uint16(len(inner)),
		TEID:          uint32(teid),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, hdr, gopacket.Payload(inner)); err != nil {
		return nil, fmt.Errorf("serialize G-PDU: %w", err)
	}
	return buf.Bytes(), nil
}

// Decapsulate returns the header TEID and inner datagram of a G-PDU.
func Decapsulate(frame []byte) (model.TEID, []byte, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeGTPv1U, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l, ok := pkt.Layer(layers.LayerTypeGTPv1U).(*layers.GTPv1U)
	if !ok || l == nil {
		return 0, nil, ErrNotGPDU
	}
	if l.MessageType != MessageTypeGPDU {
		return 0, nil, fmt.Errorf("%w: message type %d", ErrNotGPDU, l.MessageType)
	}
	return model.TEID(l.TEID), l.LayerPayload(), nil
}

// Retag rewrites the TEID of a G-PDU, as a relay does when it passes user
// data from one tunnel to the next.
func Retag(frame []byte, teid model.TEID) ([]byte, error) {
	_, inner, err := Decapsulate(frame)
	if err != nil {
		return nil, err
	}
	return Encapsulate(teid, inner)
}

// Destination returns the destination address of an IPv4 or IPv6 datagram.
func Destination(datagram []byte) (netip.Addr, error) {
	if len(datagram) == 0 {
		return netip.Addr{}, ErrNotIP
	}

	var first gopacket.LayerType
	switch datagram[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return netip.Addr{}, ErrNotIP
	}

	pkt := gopacket.NewPacket(datagram, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	switch l := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		if addr, ok := netip.AddrFromSlice(l.DstIP.To4()); ok {
			return addr, nil
		}
	case *layers.IPv6:
		if addr, ok := netip.AddrFromSlice(l.DstIP); ok {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrNotIP
}

// BuildUDP constructs an IPv4/UDP datagram, used by traffic sources that feed
// the gateway.
func BuildUDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("build datagram %s -> %s: only IPv4 sources are generated", src, dst)
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("bind udp checksum: %w", err)
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize datagram: %w", err)
	}
	return buf.Bytes(), nil
}
