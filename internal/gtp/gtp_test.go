package gtp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncapsulateRoundTripsInnerDatagram(t *testing.T) {
	dst := netip.MustParseAddr("10.45.0.7")
	inner, err := BuildUDP(netip.MustParseAddr("198.51.100.1"), dst, 5000, 6000, []byte("hello"))
	require.NoError(t, err)

	frame, err := Encapsulate(0x1234, inner)
	require.NoError(t, err)

	teid, got, err := Decapsulate(frame)
	require.NoError(t, err)
	require.EqualValues(t, 0x1234, teid)
	require.Equal(t, inner, got)

	addr, err := Destination(got)
	require.NoError(t, err)
	require.Equal(t, dst, addr)
}

func TestRetagChangesOnlyTheTEID(t *testing.T) {
	inner, err := BuildUDP(netip.MustParseAddr("198.51.100.1"), netip.MustParseAddr("10.45.0.8"), 1, 2, []byte{1, 2, 3})
	require.NoError(t, err)
	frame, err := Encapsulate(7, inner)
	require.NoError(t, err)

	retagged, err := Retag(frame, 99)
	require.NoError(t, err)
	teid, got, err := Decapsulate(retagged)
	require.NoError(t, err)
	require.EqualValues(t, 99, teid)
	require.Equal(t, inner, got)
}

func TestDestinationRejectsGarbage(t *testing.T) {
	_, err := Destination(nil)
	require.ErrorIs(t, err, ErrNotIP)
	_, err = Destination([]byte{0x10, 0x00})
	require.ErrorIs(t, err, ErrNotIP)
}

func TestBuildUDPRejectsIPv6(t *testing.T) {
	_, err := BuildUDP(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("2001:db8::2"), 1, 2, nil)
	require.Error(t, err)
}
