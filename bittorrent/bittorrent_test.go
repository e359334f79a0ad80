package bittorrent

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

var peerIDTable = []struct {
	name   string
	peerID [20]byte
	raw    string
	hex    string
}{
	{"empty", [20]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "0000000000000000000000000000000000000000"},
	{"real", [20]byte{0x41, 0x5a, 0x32, 0x35, 0x30, 0x30, 0x42, 0x54, 0x65, 0x59, 0x55, 0x7a, 0x79, 0x61, 0x62, 0x41, 0x66, 0x6f, 0x36, 0x55}, "\x41\x5a\x32\x35\x30\x30\x42\x54\x65\x59\x55\x7a\x79\x61\x62\x41\x66\x6f\x36\x55", "415a3235303042546559557a79616241666f3655"},
}

func TestPeerIDString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.hex, PeerID(tt.peerID).String())
		})
	}
}

func TestPeerIDFromString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.peerID, [20]byte(PeerIDFromString(tt.raw)))
			require.Equal(t, tt.raw, PeerIDFromString(tt.raw).RawString())
		})
	}
}

func TestParsePeerID(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeerID(tt.hex)
			require.Nil(t, err)
			require.Equal(t, tt.peerID, [20]byte(got))
		})
	}

	_, err := ParsePeerID("abc")
	require.Equal(t, ErrInvalidPeerID, err)

	_, err = ParsePeerID("zz5a3235303042546559557a79616241666f3655")
	require.Equal(t, ErrInvalidPeerID, err)
}

func TestIndexEquality(t *testing.T) {
	a := Index{UserID: 1, PeerID: PeerIDFromString("-qB4500-000000000001")}
	b := Index{UserID: 2, PeerID: a.PeerID}
	c := Index{UserID: 1, PeerID: PeerIDFromString("-qB4500-000000000002")}

	require.Equal(t, a, Index{UserID: 1, PeerID: PeerIDFromString("-qB4500-000000000001")})
	require.NotEqual(t, a, b, "same peer ID under another user is another peer")
	require.NotEqual(t, a, c)

	m := map[Index]struct{}{a: {}, b: {}, c: {}}
	require.Len(t, m, 3)
}

func TestSanitizeAnnounce(t *testing.T) {
	var table = []struct {
		name     string
		provided bool
		numWant  uint32
		expected uint32
	}{
		{"default", false, 500, 25},
		{"within bounds", true, 10, 10},
		{"zero", true, 0, 0},
		{"clamped", true, 1000, 50},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			req := &AnnounceRequest{NumWantProvided: tt.provided, NumWant: tt.numWant}
			SanitizeAnnounce(req, 50, 25)
			require.Equal(t, tt.expected, req.NumWant)
		})
	}
}

func TestSanitizeAnnounceDefaultAboveMax(t *testing.T) {
	req := &AnnounceRequest{}
	SanitizeAnnounce(req, 10, 25)
	require.Equal(t, uint32(10), req.NumWant)
}

func TestSanitizeAnnounceUnknownEvent(t *testing.T) {
	req := &AnnounceRequest{Event: Event(42)}
	SanitizeAnnounce(req, 50, 25)
	require.Equal(t, None, req.Event)
}

func TestSanitizeAnnounceUnmapsIPv4(t *testing.T) {
	req := &AnnounceRequest{AddrPort: netip.MustParseAddrPort("[::ffff:10.0.0.1]:6881")}
	SanitizeAnnounce(req, 50, 25)
	require.True(t, req.AddrPort.Addr().Is4())
	require.Equal(t, "10.0.0.1:6881", req.AddrPort.String())
}
