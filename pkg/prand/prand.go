// Package prand allows parallel access to randomness based on indices or
// torrent IDs.
package prand

import (
	"math/rand"
	"sync"
	"time"
)

type lockableRand struct {
	*rand.Rand
	*sync.Mutex
}

// Container is a container for sources of random numbers that can be locked
// individually.
type Container struct {
	rands []lockableRand
}

// NewSeeded returns a new Container with num sources that are seeded with
// seed.
func NewSeeded(num int, seed int64) *Container {
	if num <= 0 {
		panic("prand: a Container needs at least one source")
	}

	toReturn := Container{
		rands: make([]lockableRand, num),
	}

	for i := 0; i < num; i++ {
		toReturn.rands[i].Rand = rand.New(rand.NewSource(seed + int64(i)))
		toReturn.rands[i].Mutex = &sync.Mutex{}
	}

	return &toReturn
}

// New returns a new Container with num sources that are seeded with the current
// time.
func New(num int) *Container {
	return NewSeeded(num, time.Now().UnixNano())
}

// Get locks and returns the nth source.
//
// Get panics if n is not a valid index for this Container.
func (s *Container) Get(n int) *rand.Rand {
	r := s.rands[n]
	r.Lock()
	return r.Rand
}

// GetByTorrentID locks and returns a source derived from the torrent ID.
func (s *Container) GetByTorrentID(torrentID uint32) *rand.Rand {
	return s.Get(s.index(torrentID))
}

// Return returns the nth source to be available again.
//
// Return panics if n is not a valid index for this Container.
// Return also panics if the nth source is unlocked already.
func (s *Container) Return(n int) {
	s.rands[n].Unlock()
}

// ReturnByTorrentID returns the source derived from the torrent ID.
//
// ReturnByTorrentID panics if the source is unlocked already.
func (s *Container) ReturnByTorrentID(torrentID uint32) {
	s.Return(s.index(torrentID))
}

// Do runs f with the source derived from the torrent ID locked.
func (s *Container) Do(torrentID uint32, f func(r *rand.Rand)) {
	r := s.GetByTorrentID(torrentID)
	defer s.ReturnByTorrentID(torrentID)
	f(r)
}

func (s *Container) index(torrentID uint32) int {
	return int(torrentID % uint32(len(s.rands)))
}
