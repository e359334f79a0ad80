package bittorrent

import "strings"

// ClientID represents the part of a PeerID that identifies a Peer's client
// software.
type ClientID [6]byte

// NewClientID parses a ClientID from a PeerID in Azureus style
// ("-AZ3034-...") or Shadow style ("S58B----...").
func NewClientID(pid PeerID) ClientID {
	var cid ClientID
	if pid[0] == '-' {
		copy(cid[:], pid[1:7])
	} else {
		copy(cid[:], pid[:6])
	}

	return cid
}

// String implements fmt.Stringer, trimming padding.
func (c ClientID) String() string {
	return strings.TrimRight(string(c[:]), "-\x00")
}
