// Package storage defines the PeerStore, the single source of truth for every
// peer currently known to the tracker, along with the background sweep that
// ages peers out of it.
package storage

import (
	"errors"
	"sync"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of PeerStore.
type Driver interface {
	NewPeerStore(cfg interface{}) (PeerStore, error)
}

// ErrDriverDoesNotExist is the error returned by NewPeerStore when a peer
// store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("peer store driver with that name does not exist")

// RangeAction tells a PeerStore what to do with an entry visited by Range.
type RangeAction uint8

const (
	// Keep stores the (possibly modified) Peer back.
	Keep RangeAction = iota

	// Remove deletes the entry.
	Remove
)

// RangeFunc is called by Range for every entry. Modifications made through p
// are stored when Keep is returned.
//
// A RangeFunc runs while the entry is locked: it must not call back into the
// PeerStore and must not block.
type RangeFunc func(idx bittorrent.Index, p *bittorrent.Peer) RangeAction

// PeerFilter selects Peers in PeersForTorrent.
type PeerFilter func(idx bittorrent.Index, p bittorrent.Peer) bool

// PeerStore is an interface that abstracts the interactions of storing and
// manipulating Peers such that it can be implemented for various data stores.
//
// Operations on the same Index are serialized. Operations on different
// Indexes never wait on each other for longer than a single map operation.
type PeerStore interface {
	// Get returns the Peer stored for the Index.
	Get(idx bittorrent.Index) (bittorrent.Peer, bool)

	// Put inserts or replaces the Peer for the Index.
	//
	// It returns the Peer it replaced and whether there was one, so callers
	// can compute deltas against the prior state atomically.
	Put(idx bittorrent.Index, p bittorrent.Peer) (prior bittorrent.Peer, updated bool)

	// Delete removes the Index and returns the Peer it held, if any.
	Delete(idx bittorrent.Index) (bittorrent.Peer, bool)

	// PeersForTorrent returns the Peers of a torrent accepted by filter.
	//
	// Each Peer is returned at most once. The result is not a snapshot of the
	// whole swarm: concurrent changes to other Peers may or may not be seen.
	PeersForTorrent(torrentID uint32, filter PeerFilter) []bittorrent.Peer

	// Range calls fn for every entry present when Range started. Each entry is
	// visited at most once, entries removed before they are visited are
	// skipped, and entries added during the pass may not be visited.
	//
	// Only the entry being visited is locked while fn runs.
	Range(fn RangeFunc)

	// Len returns the number of Peers stored.
	Len() int

	// stop is an interface that expects a Stop method to stop the
	// PeerStore.
	// For more details see the documentation in the stop package.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewPeerStore attempts to initialize a new PeerStore with given a name from
// the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewPeerStore(name string, cfg interface{}) (ps PeerStore, err error) {
	driversM.RLock()
	defer driversM.RUnlock()

	var d Driver
	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewPeerStore(cfg)
}
