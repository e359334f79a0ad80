package database

import (
	"sync"

	"github.com/elliotchance/orderedmap"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/storage"
)

type historyKey struct {
	UserID    uint32
	TorrentID uint32
}

// pending is what a Queue accumulated between two flushes.
//
// peers maps bittorrent.Index to struct{}, history maps historyKey to
// *History and users maps uint32 to *UserCredit.
type pending struct {
	peers   *orderedmap.OrderedMap
	history *orderedmap.OrderedMap
	users   *orderedmap.OrderedMap
}

func newPending() *pending {
	return &pending{
		peers:   orderedmap.NewOrderedMap(),
		history: orderedmap.NewOrderedMap(),
		users:   orderedmap.NewOrderedMap(),
	}
}

func (p *pending) empty() bool {
	return p.peers.Len()+p.history.Len()+p.users.Len() == 0
}

func (p *pending) add(c storage.Change) {
	p.peers.Set(c.Index, struct{}{})

	hk := historyKey{UserID: c.Index.UserID, TorrentID: c.Peer.TorrentID}
	p.addHistory(hk, History{
		UserID:             hk.UserID,
		TorrentID:          hk.TorrentID,
		Uploaded:           c.Uploaded,
		Downloaded:         c.Downloaded,
		CreditedUploaded:   c.CreditedUploaded,
		CreditedDownloaded: c.CreditedDownloaded,
		IsSeeder:           c.Peer.IsSeeder,
		IsActive:           c.Kind != storage.Removed && c.Peer.IsActive,
	})

	if c.CreditedUploaded|c.CreditedDownloaded != 0 {
		p.addUser(UserCredit{
			UserID:     c.Index.UserID,
			Uploaded:   c.CreditedUploaded,
			Downloaded: c.CreditedDownloaded,
		})
	}
}

// addHistory sums the deltas of h into the entry for hk. The flags of h win
// until they are resolved against the PeerStore.
func (p *pending) addHistory(hk historyKey, h History) {
	if v, ok := p.history.Get(hk); ok {
		cur := v.(*History)
		cur.Uploaded = saturatingAdd(cur.Uploaded, h.Uploaded)
		cur.Downloaded = saturatingAdd(cur.Downloaded, h.Downloaded)
		cur.CreditedUploaded = saturatingAdd(cur.CreditedUploaded, h.CreditedUploaded)
		cur.CreditedDownloaded = saturatingAdd(cur.CreditedDownloaded, h.CreditedDownloaded)
		cur.IsSeeder = h.IsSeeder
		cur.IsActive = h.IsActive
		return
	}

	p.history.Set(hk, &h)
}

func (p *pending) addUser(u UserCredit) {
	if v, ok := p.users.Get(u.UserID); ok {
		cur := v.(*UserCredit)
		cur.Uploaded = saturatingAdd(cur.Uploaded, u.Uploaded)
		cur.Downloaded = saturatingAdd(cur.Downloaded, u.Downloaded)
		return
	}

	p.users.Set(u.UserID, &u)
}

// merge appends the entries of newer to p. Entries present in both keep their
// position in p, their deltas are summed and the flags of newer win.
func (p *pending) merge(newer *pending) {
	for _, k := range newer.peers.Keys() {
		p.peers.Set(k, struct{}{})
	}

	for _, k := range newer.history.Keys() {
		v, _ := newer.history.Get(k)
		p.addHistory(k.(historyKey), *v.(*History))
	}

	for _, k := range newer.users.Keys() {
		v, _ := newer.users.Get(k)
		p.addUser(*v.(*UserCredit))
	}
}

// resolve turns the pending identities into upserts and deletes according to
// their current state in ps.
func (p *pending) resolve(ps storage.PeerStore) Batch {
	var b Batch

	for _, k := range p.peers.Keys() {
		idx := k.(bittorrent.Index)
		if peer, ok := ps.Get(idx); ok {
			b.Upserts = append(b.Upserts, Entry{Index: idx, Peer: peer})
		} else {
			b.Deletes = append(b.Deletes, idx)
		}
	}

	for _, k := range p.history.Keys() {
		v, _ := p.history.Get(k)
		b.History = append(b.History, resolveHistory(*v.(*History), ps))
	}

	for _, k := range p.users.Keys() {
		v, _ := p.users.Get(k)
		b.Users = append(b.Users, *v.(*UserCredit))
	}

	return b
}

// resolveHistory sets the flags of h from the peers its user currently has in
// the swarm: h is active while any of them is. When the user has no peer left
// in the swarm h is inactive and keeps the seeder flag of the last change.
func resolveHistory(h History, ps storage.PeerStore) History {
	peers := ps.PeersForTorrent(h.TorrentID, func(_ bittorrent.Index, p bittorrent.Peer) bool {
		return p.UserID == h.UserID
	})
	if len(peers) == 0 {
		h.IsActive = false
		return h
	}

	h.IsActive, h.IsSeeder = false, false
	for _, p := range peers {
		h.IsActive = h.IsActive || p.IsActive
	}

	// Inactive peers only count as seeders when nothing is active.
	for _, p := range peers {
		if p.IsSeeder && (p.IsActive || !h.IsActive) {
			h.IsSeeder = true
		}
	}
	return h
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

// Queue accumulates the changes made to a PeerStore until they are flushed.
//
// It implements storage.Recorder. Recording never blocks on I/O.
type Queue struct {
	mu   sync.Mutex
	live *pending
}

var _ storage.Recorder = &Queue{}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{live: newPending()}
}

// Record implements storage.Recorder.
func (q *Queue) Record(c storage.Change) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.live.add(c)
}

// Len returns the number of identities waiting to be flushed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.live.peers.Len()
}

// take removes and returns everything accumulated so far.
func (q *Queue) take() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.live
	q.live = newPending()
	return p
}

// putBack returns a batch that failed to flush in front of whatever was
// recorded since it was taken.
func (q *Queue) putBack(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p.merge(q.live)
	q.live = p
}
