// Package bittorrent implements the abstractions shared by every component of
// the tracker: the identity of a peer, the peer record kept in memory, and the
// decoded announce request and response exchanged with a protocol frontend.
package bittorrent

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/chihaya/unit3d/pkg/log"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// ParsePeerID creates a PeerID from its 40 character hex representation.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) != 40 {
		return id, ErrInvalidPeerID
	}

	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, ErrInvalidPeerID
	}

	return id, nil
}

// String implements fmt.Stringer, returning a string of hex encoded bytes.
func (p PeerID) String() string {
	var b strings.Builder
	b.Grow(40) // 2 chars * 20 bytes

	w := hex.NewEncoder(&b)
	w.Write(p[:])

	return b.String()
}

// RawString returns the bytes of a PeerID interpreted as a string.
func (p PeerID) RawString() string {
	return string(p[:])
}

// Index identifies a Peer.
//
// A peer ID is only unique per user, so a Peer is identified by the pair.
type Index struct {
	UserID uint32
	PeerID PeerID
}

// String implements fmt.Stringer.
func (i Index) String() string {
	return fmt.Sprintf("%d/%s", i.UserID, i.PeerID)
}

// LogFields renders the index as a set of log fields.
func (i Index) LogFields() log.Fields {
	return log.Fields{
		"userID": i.UserID,
		"peerID": i.PeerID,
	}
}

// Peer is the state kept for every Index participating in a swarm.
//
// Uploaded and Downloaded are the cumulative counters last reported by the
// client. They are only used to compute deltas between announces.
type Peer struct {
	IP         netip.Addr
	UserID     uint32
	TorrentID  uint32
	Port       uint16
	IsSeeder   bool
	IsActive   bool
	UpdatedAt  time.Time
	Uploaded   uint64
	Downloaded uint64
}

// AddrPort returns the endpoint of the Peer.
func (p Peer) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.IP, p.Port)
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"ip":         p.IP,
		"port":       p.Port,
		"userID":     p.UserID,
		"torrentID":  p.TorrentID,
		"seeder":     p.IsSeeder,
		"active":     p.IsActive,
		"updatedAt":  p.UpdatedAt,
		"uploaded":   p.Uploaded,
		"downloaded": p.Downloaded,
	}
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	Event           Event
	TorrentID       uint32
	IsSeeder        bool
	NumWantProvided bool
	NumWant         uint32
	Uploaded        uint64
	Downloaded      uint64
	AddrPort        netip.AddrPort

	Index
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"event":           r.Event,
		"torrentID":       r.TorrentID,
		"seeder":          r.IsSeeder,
		"numWantProvided": r.NumWantProvided,
		"numWant":         r.NumWant,
		"uploaded":        r.Uploaded,
		"downloaded":      r.Downloaded,
		"addrPort":        r.AddrPort,
		"userID":          r.UserID,
		"peerID":          r.PeerID,
		"clientID":        NewClientID(r.PeerID),
	}
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Complete   uint32
	Incomplete uint32
	Interval   time.Duration
	IPv4Peers  []Peer
	IPv6Peers  []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"complete":   r.Complete,
		"incomplete": r.Incomplete,
		"interval":   r.Interval,
		"ipv4Peers":  len(r.IPv4Peers),
		"ipv6Peers":  len(r.IPv6Peers),
	}
}

// PeerCount returns the total number of peers in the response.
func (r AnnounceResponse) PeerCount() int {
	return len(r.IPv4Peers) + len(r.IPv6Peers)
}

// ErrInvalidPeerID is returned when a peer ID cannot be decoded.
var ErrInvalidPeerID = ClientError("invalid peer ID")

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
