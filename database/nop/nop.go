// Package nop implements a durable store as a no-op. This is useful for
// running the tracker without a database, for example during development.
package nop

import (
	"context"
	"sync/atomic"

	"github.com/chihaya/unit3d/database"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
)

// Name is the name by which this durable store is registered with Chihaya.
const Name = "nop"

func init() {
	database.RegisterDriver(Name, driver{})
}

type driver struct{}

func (driver) NewStore(interface{}) (database.Store, error) {
	return New(), nil
}

// Nop is a durable store that loads nothing and drops every batch.
type Nop struct {
	batches uint64
}

var _ database.Store = &Nop{}

// New returns a Nop.
func New() *Nop {
	log.Warn("database: using the nop durable store, nothing will be persisted")
	return &Nop{}
}

// LoadPeers returns (nil, nil).
func (n *Nop) LoadPeers(context.Context) ([]database.Entry, error) {
	return nil, nil
}

// ApplyBatch drops the batch and returns nil.
func (n *Nop) ApplyBatch(_ context.Context, b database.Batch) error {
	atomic.AddUint64(&n.batches, 1)
	log.Debug("database: dropped batch", b)
	return nil
}

// Batches returns the number of batches dropped so far.
func (n *Nop) Batches() uint64 {
	return atomic.LoadUint64(&n.batches)
}

// Stop returns an already stopped Result.
func (n *Nop) Stop() stop.Result {
	return stop.AlreadyStopped
}
