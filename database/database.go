// Package database defines the durable store the tracker flushes peers and
// credited transfer statistics to, along with the Flusher that batches those
// writes.
package database

import (
	"context"
	"errors"
	"sync"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/storage"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Store.
type Driver interface {
	NewStore(cfg interface{}) (Store, error)
}

// ErrDriverDoesNotExist is the error returned by NewStore when a durable store
// driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("durable store driver with that name does not exist")

// Entry is a Peer along with its Index.
type Entry struct {
	Index bittorrent.Index
	Peer  bittorrent.Peer
}

// History is the transfer progress of a user on a torrent since the last
// flush.
type History struct {
	UserID    uint32
	TorrentID uint32

	// Uploaded and Downloaded are the raw deltas announced by the client.
	Uploaded   uint64
	Downloaded uint64

	// CreditedUploaded and CreditedDownloaded are the deltas after the site
	// factors were applied.
	CreditedUploaded   uint64
	CreditedDownloaded uint64

	// IsSeeder and IsActive are the last known state of the user on the
	// torrent.
	IsSeeder bool
	IsActive bool
}

// UserCredit is the credited transfer of a user since the last flush.
type UserCredit struct {
	UserID     uint32
	Uploaded   uint64
	Downloaded uint64
}

// Batch is everything a flush writes to the durable store.
//
// Each slice is in the order the changes were first seen. An Index appears in
// Upserts or Deletes, never both.
type Batch struct {
	Upserts []Entry
	Deletes []bittorrent.Index
	History []History
	Users   []UserCredit
}

// Empty returns whether the Batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Upserts)+len(b.Deletes)+len(b.History)+len(b.Users) == 0
}

// LogFields renders the size of the batch as a set of log fields.
func (b Batch) LogFields() log.Fields {
	return log.Fields{
		"upserts": len(b.Upserts),
		"deletes": len(b.Deletes),
		"history": len(b.History),
		"users":   len(b.Users),
	}
}

// Store is the durable home of peers and transfer statistics.
type Store interface {
	// LoadPeers returns every peer that was persisted.
	LoadPeers(ctx context.Context) ([]Entry, error)

	// ApplyBatch writes a Batch. The Batch is applied entirely or not at all:
	// any error means nothing was written.
	ApplyBatch(ctx context.Context, b Batch) error

	// stop is an interface that expects a Stop method to release the
	// resources held by the Store.
	// For more details see the documentation in the stop package.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("database: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("database: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("database: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewStore attempts to initialize a new Store with given a name from the list
// of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewStore(name string, cfg interface{}) (Store, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewStore(cfg)
}

// Warm inserts every persisted peer into a PeerStore.
//
// Nothing is recorded: the peers are already durable.
func Warm(ctx context.Context, s Store, ps storage.PeerStore) (int, error) {
	entries, err := s.LoadPeers(ctx)
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		ps.Put(e.Index, e.Peer)
	}

	log.Info("database: loaded peers", log.Fields{"count": len(entries)})
	return len(entries), nil
}
