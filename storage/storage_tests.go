package storage

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/unit3d/bittorrent"
)

func testIndex(user uint32, peer string) bittorrent.Index {
	return bittorrent.Index{UserID: user, PeerID: bittorrent.PeerIDFromString(peer)}
}

func testPeer(idx bittorrent.Index, torrentID uint32, seeder bool) bittorrent.Peer {
	return bittorrent.Peer{
		IP:        netip.MustParseAddr("10.0.0.1"),
		Port:      6881,
		UserID:    idx.UserID,
		TorrentID: torrentID,
		IsSeeder:  seeder,
		IsActive:  true,
		UpdatedAt: time.Unix(1600000000, 0),
	}
}

// TestPeerStore tests a PeerStore implementation against the interface.
//
// The PeerStore must be empty and is stopped when the test returns.
func TestPeerStore(t *testing.T, p PeerStore) {
	a := testIndex(1, "00000000000000000001")
	b := testIndex(2, "00000000000000000001") // same peer ID, other user
	c := testIndex(1, "00000000000000000002")

	// Test absent identities.
	_, ok := p.Get(a)
	require.False(t, ok)

	_, ok = p.Delete(a)
	require.False(t, ok)

	require.Empty(t, p.PeersForTorrent(7, nil))
	require.Equal(t, 0, p.Len())

	// Test Put -> Get.
	pa := testPeer(a, 7, true)
	_, updated := p.Put(a, pa)
	require.False(t, updated)

	got, ok := p.Get(a)
	require.True(t, ok)
	require.Equal(t, pa, got)

	// A peer ID is only unique per user.
	_, ok = p.Get(b)
	require.False(t, ok)

	pb := testPeer(b, 7, false)
	_, updated = p.Put(b, pb)
	require.False(t, updated)
	require.Equal(t, 2, p.Len())

	// Test Put returning the prior Peer.
	pa2 := pa
	pa2.Uploaded = 1000
	prior, updated := p.Put(a, pa2)
	require.True(t, updated)
	require.Equal(t, pa, prior)
	require.Equal(t, 2, p.Len())

	// Test PeersForTorrent with and without a filter.
	require.Len(t, p.PeersForTorrent(7, nil), 2)
	seeders := p.PeersForTorrent(7, func(_ bittorrent.Index, p bittorrent.Peer) bool { return p.IsSeeder })
	require.Equal(t, []bittorrent.Peer{pa2}, seeders)
	notA := p.PeersForTorrent(7, func(idx bittorrent.Index, _ bittorrent.Peer) bool { return idx != a })
	require.Equal(t, []bittorrent.Peer{pb}, notA)
	require.Empty(t, p.PeersForTorrent(8, nil))

	// Test moving an identity to another torrent.
	pc := testPeer(c, 8, false)
	p.Put(c, pc)
	moved := pa2
	moved.TorrentID = 8
	p.Put(a, moved)
	require.Equal(t, []bittorrent.Peer{pb}, p.PeersForTorrent(7, nil))
	require.Len(t, p.PeersForTorrent(8, nil), 2)

	// Test Range: modify, remove and keep.
	visited := make(map[bittorrent.Index]int)
	p.Range(func(idx bittorrent.Index, p *bittorrent.Peer) RangeAction {
		visited[idx]++
		switch idx {
		case a:
			p.IsActive = false
		case b:
			return Remove
		}
		return Keep
	})
	require.Equal(t, map[bittorrent.Index]int{a: 1, b: 1, c: 1}, visited)
	require.Equal(t, 2, p.Len())

	got, ok = p.Get(a)
	require.True(t, ok)
	require.False(t, got.IsActive)

	// Swarms see changes made while ranging.
	inactive := p.PeersForTorrent(8, func(_ bittorrent.Index, p bittorrent.Peer) bool { return !p.IsActive })
	require.Equal(t, []bittorrent.Peer{got}, inactive)

	_, ok = p.Get(b)
	require.False(t, ok)
	require.Empty(t, p.PeersForTorrent(7, nil))

	// Test Delete returning the removed Peer.
	deleted, ok := p.Delete(c)
	require.True(t, ok)
	require.Equal(t, pc, deleted)

	_, ok = p.Delete(c)
	require.False(t, ok)

	deleted, ok = p.Delete(a)
	require.True(t, ok)
	require.Equal(t, uint32(8), deleted.TorrentID)

	require.Equal(t, 0, p.Len())
	require.Empty(t, p.PeersForTorrent(8, nil))

	errs := p.Stop().Wait()
	require.Nil(t, errs)
}

// TestConcurrentAccess tests that a PeerStore can be mutated by many
// goroutines while it is being ranged over.
//
// The PeerStore must be empty and is stopped when the test returns.
func TestConcurrentAccess(t *testing.T, p PeerStore) {
	const (
		workers = 8
		perWork = 250
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				idx := testIndex(uint32(w), fmt.Sprintf("%020d", i))
				p.Put(idx, testPeer(idx, uint32(i%10), i%2 == 0))
				if i%5 == 0 {
					p.Delete(idx)
				}
			}
		}(w)
	}

	stopRange := make(chan struct{})
	rangeDone := make(chan struct{})
	go func() {
		defer close(rangeDone)
		for {
			select {
			case <-stopRange:
				return
			default:
			}

			seen := make(map[bittorrent.Index]struct{})
			p.Range(func(idx bittorrent.Index, _ *bittorrent.Peer) RangeAction {
				if _, dup := seen[idx]; dup {
					panic("entry visited twice in one pass")
				}
				seen[idx] = struct{}{}
				return Keep
			})
		}
	}()

	wg.Wait()
	close(stopRange)
	<-rangeDone

	require.Equal(t, workers*perWork*4/5, p.Len())

	var total int
	for torrentID := uint32(0); torrentID < 10; torrentID++ {
		total += len(p.PeersForTorrent(torrentID, nil))
	}
	require.Equal(t, p.Len(), total)

	errs := p.Stop().Wait()
	require.Nil(t, errs)
}
