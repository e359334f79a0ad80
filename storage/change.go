package storage

import (
	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/log"
)

// ChangeKind tells how a PeerStore entry changed.
type ChangeKind uint8

const (
	// Inserted is a Peer that was absent before.
	Inserted ChangeKind = iota

	// Updated is a Peer that replaced a previous one.
	Updated

	// Removed is a Peer that left the PeerStore.
	Removed
)

// String implements fmt.Stringer.
func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes a mutation of the PeerStore that must reach the durable
// store.
type Change struct {
	Kind  ChangeKind
	Index bittorrent.Index

	// Peer is the new state, or the last known state for Removed.
	Peer bittorrent.Peer

	// Uploaded and Downloaded are the raw deltas announced by the client.
	Uploaded   uint64
	Downloaded uint64

	// CreditedUploaded and CreditedDownloaded are the deltas after the site
	// factors were applied. These are what count toward a user's ratio.
	CreditedUploaded   uint64
	CreditedDownloaded uint64
}

// LogFields renders the change as a set of log fields.
func (c Change) LogFields() log.Fields {
	return log.Fields{
		"kind":               c.Kind,
		"userID":             c.Index.UserID,
		"peerID":             c.Index.PeerID,
		"torrentID":          c.Peer.TorrentID,
		"uploaded":           c.Uploaded,
		"downloaded":         c.Downloaded,
		"creditedUploaded":   c.CreditedUploaded,
		"creditedDownloaded": c.CreditedDownloaded,
	}
}

// Recorder receives every Change made to a PeerStore.
//
// Record may be called concurrently and must not block on I/O.
type Recorder interface {
	Record(Change)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Change)

// Record implements Recorder.
func (f RecorderFunc) Record(c Change) { f(c) }

// NopRecorder discards every Change.
var NopRecorder Recorder = RecorderFunc(func(Change) {})
