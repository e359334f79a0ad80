package storage

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/chihaya/unit3d/bittorrent"
)

type benchData struct {
	indexes [1000]bittorrent.Index
	peers   [1000]bittorrent.Peer
}

func generateIndexes() (a [1000]bittorrent.Index) {
	b := make([]byte, 2)
	for i := range a {
		b[0] = byte(i)
		b[1] = byte(i >> 8)
		a[i] = bittorrent.Index{
			UserID: uint32(i),
			PeerID: bittorrent.PeerID([20]byte{b[0], b[1]}),
		}
	}

	return
}

func generatePeers() (a [1000]bittorrent.Peer) {
	b := make([]byte, 2)
	for i := range a {
		b[0] = byte(i)
		b[1] = byte(i >> 8)
		a[i] = bittorrent.Peer{
			IP:        netip.MustParseAddr(fmt.Sprintf("64.%d.%d.64", b[0], b[1])),
			Port:      uint16(i),
			UserID:    uint32(i),
			TorrentID: uint32(i % 10),
			IsSeeder:  i%2 == 0,
			IsActive:  true,
			UpdatedAt: time.Unix(1600000000, 0),
		}
	}

	return
}

type executionFunc func(int, PeerStore, *benchData)
type setupFunc func(PeerStore, *benchData)

func runBenchmark(b *testing.B, ps PeerStore, sf setupFunc, ef executionFunc) {
	bd := &benchData{generateIndexes(), generatePeers()}
	if sf != nil {
		sf(ps, bd)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ef(i, ps, bd)
	}
	b.StopTimer()
}

func fill(ps PeerStore, bd *benchData) {
	for i := 0; i < 1000; i++ {
		ps.Put(bd.indexes[i], bd.peers[i])
	}
}

// Put benchmarks replacing the same Peer over and over.
func Put(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) {
		ps.Put(bd.indexes[0], bd.peers[0])
	})
}

// Put1k benchmarks putting 1000 distinct Peers.
func Put1k(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) {
		ps.Put(bd.indexes[i%1000], bd.peers[i%1000])
	})
}

// PutDelete benchmarks inserting and removing the same Peer.
func PutDelete(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) {
		ps.Put(bd.indexes[0], bd.peers[0])
		ps.Delete(bd.indexes[0])
	})
}

// PutDelete1k benchmarks inserting and removing 1000 distinct Peers.
func PutDelete1k(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) {
		ps.Put(bd.indexes[i%1000], bd.peers[i%1000])
		ps.Delete(bd.indexes[i%1000])
	})
}

// DeleteNonexist benchmarks removing an absent Peer.
func DeleteNonexist(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) {
		ps.Delete(bd.indexes[0])
	})
}

// Get1k benchmarks looking up 1000 stored Peers.
func Get1k(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, fill, func(i int, ps PeerStore, bd *benchData) {
		ps.Get(bd.indexes[i%1000])
	})
}

// PeersForTorrent1k benchmarks listing the swarms of 1000 stored Peers spread
// over 10 torrents.
func PeersForTorrent1k(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, fill, func(i int, ps PeerStore, bd *benchData) {
		ps.PeersForTorrent(uint32(i%10), func(_ bittorrent.Index, p bittorrent.Peer) bool {
			return p.IsActive
		})
	})
}

// Range1k benchmarks a full pass over 1000 stored Peers.
func Range1k(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, fill, func(i int, ps PeerStore, bd *benchData) {
		ps.Range(func(bittorrent.Index, *bittorrent.Peer) RangeAction { return Keep })
	})
}
