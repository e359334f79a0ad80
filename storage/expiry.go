package storage

import (
	"sync"
	"time"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
)

// SweeperConfig holds the configuration of a Sweeper.
type SweeperConfig struct {
	// Interval is the period between two sweeps.
	Interval time.Duration

	// ActiveTTL is the time without an announce after which a Peer is marked
	// inactive.
	ActiveTTL time.Duration

	// InactiveTTL is the time without an announce after which a Peer is
	// removed.
	InactiveTTL time.Duration
}

// LogFields renders the current config as a set of log fields.
func (cfg SweeperConfig) LogFields() log.Fields {
	return log.Fields{
		"interval":    cfg.Interval,
		"activeTTL":   cfg.ActiveTTL,
		"inactiveTTL": cfg.InactiveTTL,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg SweeperConfig) Validate() SweeperConfig {
	validcfg := cfg

	if cfg.Interval <= 0 {
		validcfg.Interval = time.Second
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "PEER_EXPIRY_INTERVAL",
			"provided": cfg.Interval,
			"default":  validcfg.Interval,
		})
	}

	return validcfg
}

// SweepResult summarizes one pass of a Sweeper.
type SweepResult struct {
	Demoted  int
	Evicted  int
	Peers    int
	Seeders  int
	Leechers int
}

// LogFields renders the result as a set of log fields.
func (r SweepResult) LogFields() log.Fields {
	return log.Fields{
		"demoted":  r.Demoted,
		"evicted":  r.Evicted,
		"peers":    r.Peers,
		"seeders":  r.Seeders,
		"leechers": r.Leechers,
	}
}

// Sweeper periodically ages the Peers of a PeerStore: Peers that have not
// announced for ActiveTTL are marked inactive and Peers that have not
// announced for InactiveTTL are removed.
//
// Every change is reported to a Recorder so it reaches the durable store.
type Sweeper struct {
	cfg      SweeperConfig
	ps       PeerStore
	recorder Recorder

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a Sweeper. It does not start sweeping until Run is
// called.
func NewSweeper(provided SweeperConfig, ps PeerStore, recorder Recorder) *Sweeper {
	if recorder == nil {
		recorder = NopRecorder
	}

	return &Sweeper{
		cfg:      provided.Validate(),
		ps:       ps,
		recorder: recorder,
		closing:  make(chan struct{}),
	}
}

// Run starts sweeping in the background every Interval. now is called once per
// pass.
func (s *Sweeper) Run(now func() time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()

		for {
			select {
			case <-s.closing:
				return
			case <-t.C:
				s.Sweep(now())
			}
		}
	}()
}

// Sweep performs a single pass over the PeerStore.
//
// A Peer past InactiveTTL is removed even if it was still active, so it is
// never demoted and evicted as two separate changes.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	var result SweepResult
	start := time.Now()

	s.ps.Range(func(idx bittorrent.Index, p *bittorrent.Peer) RangeAction {
		elapsed := now.Sub(p.UpdatedAt)

		if elapsed >= s.cfg.InactiveTTL {
			result.Evicted++
			s.recorder.Record(Change{Kind: Removed, Index: idx, Peer: *p})
			return Remove
		}

		if p.IsActive && elapsed >= s.cfg.ActiveTTL {
			p.IsActive = false
			result.Demoted++
			s.recorder.Record(Change{Kind: Updated, Index: idx, Peer: *p})
		}

		result.Peers++
		if p.IsActive {
			if p.IsSeeder {
				result.Seeders++
			} else {
				result.Leechers++
			}
		}

		return Keep
	})

	duration := time.Since(start)
	PromSweepDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
	PromPeersCount.Set(float64(result.Peers))
	PromSeedersCount.Set(float64(result.Seeders))
	PromLeechersCount.Set(float64(result.Leechers))
	PromPeersDemoted.Add(float64(result.Demoted))
	PromPeersEvicted.Add(float64(result.Evicted))

	log.Debug("storage: swept peers", result, log.Fields{"duration": duration})

	return result
}

// Stop stops the background loop. A pass in progress is finished first.
func (s *Sweeper) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closing)
		s.wg.Wait()
		c.Done()
	}()

	return c.Result()
}
