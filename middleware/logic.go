package middleware

import (
	"context"
	"math"
	"time"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/config"
	"github.com/chihaya/unit3d/frontend"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/prand"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/pkg/timecache"
	"github.com/chihaya/unit3d/storage"
)

// ResponseConfig holds the configuration used for the actual response.
type ResponseConfig struct {
	// NumWantDefault is the number of peers returned when a client does not
	// send a numwant. NumWantMax caps the number of peers returned.
	NumWantDefault uint32 `yaml:"numwant_default"`
	NumWantMax     uint32 `yaml:"numwant_max"`

	// AnnounceInterval is the interval returned unless a hook changes it.
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	// UploadFactor and DownloadFactor are the percentages of the announced
	// deltas that are credited.
	UploadFactor   uint8 `yaml:"upload_factor"`
	DownloadFactor uint8 `yaml:"download_factor"`

	// Now returns the time recorded as a Peer's last announce. It defaults
	// to timecache.Now.
	Now func() time.Time `yaml:"-"`
}

// NewResponseConfig derives a ResponseConfig from the tracker configuration.
func NewResponseConfig(cfg config.Config) ResponseConfig {
	return ResponseConfig{
		NumWantDefault:   clampUint32(cfg.NumWantDefault),
		NumWantMax:       clampUint32(cfg.NumWantMax),
		AnnounceInterval: config.Seconds(uint64(cfg.AnnounceMin)),
		UploadFactor:     cfg.UploadFactor,
		DownloadFactor:   cfg.DownloadFactor,
	}
}

func clampUint32(n uint) uint32 {
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

var _ frontend.TrackerLogic = &Logic{}

// NewLogic creates a new instance of a TrackerLogic that executes the provided
// middleware hooks.
//
// Every change made to the PeerStore is reported to recorder. The pre-hooks
// run before the swarm is updated and the peers are selected, the post-hooks
// after the response has been delivered.
func NewLogic(cfg ResponseConfig, peerStore storage.PeerStore, recorder storage.Recorder, rands *prand.Container, preHooks, postHooks []Hook) *Logic {
	if cfg.Now == nil {
		cfg.Now = timecache.Now
	}
	if recorder == nil {
		recorder = storage.NopRecorder
	}

	hooks := make([]Hook, 0, len(preHooks)+2)
	hooks = append(hooks, preHooks...)
	hooks = append(hooks,
		&swarmInteractionHook{
			store:          peerStore,
			recorder:       recorder,
			uploadFactor:   cfg.UploadFactor,
			downloadFactor: cfg.DownloadFactor,
			now:            cfg.Now,
		},
		&responseHook{store: peerStore, rands: rands},
	)

	return &Logic{
		cfg:       cfg,
		peerStore: peerStore,
		preHooks:  hooks,
		postHooks: postHooks,
	}
}

// Logic is an implementation of the TrackerLogic that functions by
// executing a series of middleware hooks.
type Logic struct {
	cfg       ResponseConfig
	peerStore storage.PeerStore
	preHooks  []Hook
	postHooks []Hook
}

// HandleAnnounce generates a response for an Announce.
//
// The request is sanitized in place before any hook sees it.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (_ context.Context, resp *bittorrent.AnnounceResponse, err error) {
	start := time.Now()
	defer func() { recordAnnounce(req.Event, err, time.Since(start)) }()

	bittorrent.SanitizeAnnounce(req, l.cfg.NumWantMax, l.cfg.NumWantDefault)

	resp = &bittorrent.AnnounceResponse{
		Interval: l.cfg.AnnounceInterval,
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	log.Debug("generated announce response", resp)
	return ctx, resp, nil
}

// AfterAnnounce does something with the results of an Announce after it has
// been completed.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", log.Err(err))
			return
		}
	}
}

// Stop stops the Logic.
//
// This stops any hooks that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, hook := range l.preHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	for _, hook := range l.postHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	return stopGroup.Stop()
}
