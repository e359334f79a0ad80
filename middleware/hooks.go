package middleware

import (
	"context"
	"math/rand"
	"time"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/credit"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/prand"
	"github.com/chihaya/unit3d/storage"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
}

type skipSwarmInteraction struct{}

// SkipSwarmInteractionKey is a key for the context of an Announce to control
// whether the swarm interaction middleware should run.
// Any non-nil value set for this key will cause the swarm interaction
// middleware to skip.
var SkipSwarmInteractionKey = skipSwarmInteraction{}

type swarmInteractionHook struct {
	store          storage.PeerStore
	recorder       storage.Recorder
	uploadFactor   uint8
	downloadFactor uint8
	now            func() time.Time
}

func (h *swarmInteractionHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipSwarmInteractionKey) != nil {
		return ctx, nil
	}

	if req.Event == bittorrent.Stopped {
		prior, ok := h.store.Delete(req.Index)
		if !ok {
			prior = h.peerFromRequest(req, h.now())
		}
		h.record(storage.Removed, req, prior, prior, ok)
		return ctx, nil
	}

	p := h.peerFromRequest(req, h.now())
	prior, updated := h.store.Put(req.Index, p)

	kind := storage.Inserted
	if updated {
		kind = storage.Updated
	}
	h.record(kind, req, p, prior, updated)

	return ctx, nil
}

func (h *swarmInteractionHook) peerFromRequest(req *bittorrent.AnnounceRequest, now time.Time) bittorrent.Peer {
	return bittorrent.Peer{
		IP:         req.AddrPort.Addr(),
		Port:       req.AddrPort.Port(),
		UserID:     req.UserID,
		TorrentID:  req.TorrentID,
		IsSeeder:   req.IsSeeder,
		IsActive:   true,
		UpdatedAt:  now,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
	}
}

// record reports the credited progress made since prior. A prior Peer from
// another torrent does not count: client counters are per torrent.
func (h *swarmInteractionHook) record(kind storage.ChangeKind, req *bittorrent.AnnounceRequest, p, prior bittorrent.Peer, hasPrior bool) {
	hasPrior = hasPrior && prior.TorrentID == req.TorrentID

	up := credit.Delta(prior.Uploaded, req.Uploaded, hasPrior)
	down := credit.Delta(prior.Downloaded, req.Downloaded, hasPrior)

	c := storage.Change{
		Kind:               kind,
		Index:              req.Index,
		Peer:               p,
		Uploaded:           up,
		Downloaded:         down,
		CreditedUploaded:   credit.Apply(up, h.uploadFactor),
		CreditedDownloaded: credit.Apply(down, h.downloadFactor),
	}
	if kind == storage.Removed {
		// The credited torrent is the one announced, whatever was stored.
		c.Peer.TorrentID = req.TorrentID
	}

	h.recorder.Record(c)
	log.Debug("recorded announce", c)
}

type skipResponseHook struct{}

// SkipResponseHookKey is a key for the context of an Announce to control
// whether the response middleware should run.
// Any non-nil value set for this key will cause the response middleware to
// skip.
var SkipResponseHookKey = skipResponseHook{}

type responseHook struct {
	store storage.PeerStore
	rands *prand.Container
}

func (h *responseHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	peers := h.store.PeersForTorrent(req.TorrentID, func(idx bittorrent.Index, p bittorrent.Peer) bool {
		return p.IsActive && idx != req.Index
	})

	var seeders, leechers []bittorrent.Peer
	for _, p := range peers {
		if p.IsSeeder {
			seeders = append(seeders, p)
		} else {
			leechers = append(leechers, p)
		}
	}

	// Add the swarm counts to the response. The requester counts unless it
	// just left, in which case it gets no peers either.
	resp.Complete = uint32(len(seeders))
	resp.Incomplete = uint32(len(leechers))
	if req.Event == bittorrent.Stopped {
		return ctx, nil
	}

	if req.IsSeeder {
		resp.Complete++
	} else {
		resp.Incomplete++
	}

	h.appendPeers(req, resp, seeders, leechers)
	return ctx, nil
}

// appendPeers selects up to NumWant peers: leechers for a seeder, seeders
// first and then leechers for a leecher.
func (h *responseHook) appendPeers(req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse, seeders, leechers []bittorrent.Peer) {
	numWant := int(req.NumWant)
	if numWant == 0 {
		return
	}

	var groups [][]bittorrent.Peer
	if req.IsSeeder {
		groups = [][]bittorrent.Peer{leechers}
	} else {
		groups = [][]bittorrent.Peer{seeders, leechers}
	}

	h.rands.Do(req.TorrentID, func(r *rand.Rand) {
		for _, group := range groups {
			if len(group) == 0 {
				continue
			}

			r.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
			for _, p := range group {
				if numWant == 0 {
					return
				}
				if p.IP.Is4() {
					resp.IPv4Peers = append(resp.IPv4Peers, p)
				} else {
					resp.IPv6Peers = append(resp.IPv6Peers, p)
				}
				numWant--
			}
		}
	})
}
