// Package memory implements the storage interface for a Chihaya
// BitTorrent tracker keeping peer data in memory.
package memory

import (
	"encoding/binary"
	"hash/fnv"
	"runtime"
	"sync"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/storage"
)

// Name is the name by which this peer store is registered with Chihaya.
const Name = "memory"

// Default config constants.
const defaultShardCount = 1024

func init() {
	// Register the storage driver.
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg), nil
}

// Config holds the configuration of a memory PeerStore.
type Config struct {
	ShardCount int `yaml:"shard_count"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":       Name,
		"shardCount": cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	return validcfg
}

// New creates a new PeerStore backed by memory.
func New(provided Config) storage.PeerStore {
	cfg := provided.Validate()
	ps := &peerStore{
		cfg:    cfg,
		shards: make([]*peerShard, cfg.ShardCount),
		swarms: make([]*swarmShard, cfg.ShardCount),
		closed: make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		ps.shards[i] = newPeerShard()
		ps.swarms[i] = newSwarmShard()
	}

	return ps
}

// peerShard holds the peers whose identity hashes to it.
type peerShard struct {
	peers map[bittorrent.Index]bittorrent.Peer
	sync.RWMutex
}

func newPeerShard() *peerShard {
	return &peerShard{peers: make(map[bittorrent.Index]bittorrent.Peer)}
}

// swarmShard holds a copy of the peers of every torrent whose ID maps to it,
// so a swarm is listed under a single lock.
//
// A swarmShard is only written while the peerShard of the identity is
// write-locked, and the lock of a peerShard is never taken while holding the
// lock of a swarmShard.
type swarmShard struct {
	swarms map[uint32]map[bittorrent.Index]bittorrent.Peer
	sync.RWMutex
}

func newSwarmShard() *swarmShard {
	return &swarmShard{swarms: make(map[uint32]map[bittorrent.Index]bittorrent.Peer)}
}

func (s *swarmShard) set(idx bittorrent.Index, p bittorrent.Peer) {
	s.Lock()
	defer s.Unlock()

	swarm, ok := s.swarms[p.TorrentID]
	if !ok {
		swarm = make(map[bittorrent.Index]bittorrent.Peer)
		s.swarms[p.TorrentID] = swarm
	}
	swarm[idx] = p
}

func (s *swarmShard) unset(idx bittorrent.Index, torrentID uint32) {
	s.Lock()
	defer s.Unlock()

	swarm, ok := s.swarms[torrentID]
	if !ok {
		return
	}

	delete(swarm, idx)
	if len(swarm) == 0 {
		delete(s.swarms, torrentID)
	}
}

type peerStore struct {
	cfg    Config
	shards []*peerShard
	swarms []*swarmShard

	closed chan struct{}
}

var _ storage.PeerStore = &peerStore{}

func (ps *peerStore) shardIndex(idx bittorrent.Index) uint32 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], idx.UserID)

	h := fnv.New32a()
	h.Write(buf[:])
	h.Write(idx.PeerID[:])
	return h.Sum32() % uint32(len(ps.shards))
}

func (ps *peerStore) swarmShard(torrentID uint32) *swarmShard {
	return ps.swarms[torrentID%uint32(len(ps.swarms))]
}

// index updates the swarm index after the Peer stored for idx changed from
// prior to p. The peerShard of idx must be write-locked.
func (ps *peerStore) index(idx bittorrent.Index, prior bittorrent.Peer, existed bool, p bittorrent.Peer) {
	if existed && prior.TorrentID != p.TorrentID {
		ps.swarmShard(prior.TorrentID).unset(idx, prior.TorrentID)
	}
	ps.swarmShard(p.TorrentID).set(idx, p)
}

func (ps *peerStore) checkOpen() {
	select {
	case <-ps.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func (ps *peerStore) Get(idx bittorrent.Index) (bittorrent.Peer, bool) {
	ps.checkOpen()

	shard := ps.shards[ps.shardIndex(idx)]
	shard.RLock()
	p, ok := shard.peers[idx]
	shard.RUnlock()

	return p, ok
}

func (ps *peerStore) Put(idx bittorrent.Index, p bittorrent.Peer) (bittorrent.Peer, bool) {
	ps.checkOpen()

	shard := ps.shards[ps.shardIndex(idx)]
	shard.Lock()
	defer shard.Unlock()

	prior, updated := shard.peers[idx]
	shard.peers[idx] = p
	ps.index(idx, prior, updated, p)

	return prior, updated
}

func (ps *peerStore) Delete(idx bittorrent.Index) (bittorrent.Peer, bool) {
	ps.checkOpen()

	shard := ps.shards[ps.shardIndex(idx)]
	shard.Lock()
	defer shard.Unlock()

	p, ok := shard.peers[idx]
	if !ok {
		return bittorrent.Peer{}, false
	}

	delete(shard.peers, idx)
	ps.swarmShard(p.TorrentID).unset(idx, p.TorrentID)

	return p, true
}

func (ps *peerStore) PeersForTorrent(torrentID uint32, filter storage.PeerFilter) []bittorrent.Peer {
	ps.checkOpen()

	shard := ps.swarmShard(torrentID)
	shard.RLock()
	defer shard.RUnlock()

	var peers []bittorrent.Peer
	for idx, p := range shard.swarms[torrentID] {
		if filter == nil || filter(idx, p) {
			peers = append(peers, p)
		}
	}

	return peers
}

// Range visits every entry one lock acquisition at a time, yielding between
// entries so announces are never starved by a long pass.
func (ps *peerStore) Range(fn storage.RangeFunc) {
	ps.checkOpen()

	for _, shard := range ps.shards {
		shard.RLock()
		indexes := make([]bittorrent.Index, 0, len(shard.peers))
		for idx := range shard.peers {
			indexes = append(indexes, idx)
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, idx := range indexes {
			shard.Lock()

			prior, stillExists := shard.peers[idx]
			if !stillExists {
				shard.Unlock()
				runtime.Gosched()
				continue
			}

			p := prior
			switch fn(idx, &p) {
			case storage.Remove:
				delete(shard.peers, idx)
				ps.swarmShard(prior.TorrentID).unset(idx, prior.TorrentID)
			default:
				if p != prior {
					shard.peers[idx] = p
					ps.index(idx, prior, true, p)
				}
			}

			shard.Unlock()
			runtime.Gosched()
		}

		runtime.Gosched()
	}
}

func (ps *peerStore) Len() int {
	ps.checkOpen()

	var n int
	for _, shard := range ps.shards {
		shard.RLock()
		n += len(shard.peers)
		shard.RUnlock()
	}
	return n
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closed)

		// Explicitly deallocate our storage.
		shards := make([]*peerShard, len(ps.shards))
		swarms := make([]*swarmShard, len(ps.swarms))
		for i := 0; i < len(ps.shards); i++ {
			shards[i] = newPeerShard()
			swarms[i] = newSwarmShard()
		}
		ps.shards = shards
		ps.swarms = swarms

		c.Done()
	}()

	return c.Result()
}

func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
