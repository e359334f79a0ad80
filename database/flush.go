package database

import (
	"context"
	"sync"
	"time"

	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/storage"
)

// Default config constants.
const (
	defaultFlushInterval   = time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// FlusherConfig holds the configuration of a Flusher.
type FlusherConfig struct {
	// Interval is the period between two flushes.
	Interval time.Duration

	// ShutdownTimeout bounds every flush made in the background as well as
	// the final flush made when the Flusher stops.
	ShutdownTimeout time.Duration
}

// LogFields renders the current config as a set of log fields.
func (cfg FlusherConfig) LogFields() log.Fields {
	return log.Fields{
		"interval":        cfg.Interval,
		"shutdownTimeout": cfg.ShutdownTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg FlusherConfig) Validate() FlusherConfig {
	validcfg := cfg

	if cfg.Interval <= 0 {
		validcfg.Interval = defaultFlushInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "FLUSH_INTERVAL",
			"provided": cfg.Interval,
			"default":  validcfg.Interval,
		})
	}

	if cfg.ShutdownTimeout <= 0 {
		validcfg.ShutdownTimeout = defaultShutdownTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "database.ShutdownTimeout",
			"provided": cfg.ShutdownTimeout,
			"default":  validcfg.ShutdownTimeout,
		})
	}

	return validcfg
}

// Flusher periodically writes the changes accumulated by a Queue to a Store.
//
// A batch that fails to be written is retried with the next one, so every
// change reaches the Store at least once.
type Flusher struct {
	cfg   FlusherConfig
	store Store
	ps    storage.PeerStore
	queue *Queue

	// flushM serializes flushes so a batch is never resolved twice.
	flushM sync.Mutex

	// base is the parent of every background flush. It is canceled when a
	// stopping Flusher gives up waiting on the flush in progress.
	base    context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewFlusher creates a Flusher. It does not start flushing until Run is
// called.
func NewFlusher(provided FlusherConfig, store Store, ps storage.PeerStore, queue *Queue) *Flusher {
	base, cancel := context.WithCancel(context.Background())
	return &Flusher{
		cfg:     provided.Validate(),
		store:   store,
		ps:      ps,
		queue:   queue,
		base:    base,
		cancel:  cancel,
		closing: make(chan struct{}),
	}
}

// Run starts flushing in the background every Interval.
func (f *Flusher) Run() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		t := time.NewTicker(f.cfg.Interval)
		defer t.Stop()

		for {
			select {
			case <-f.closing:
				return
			case <-t.C:
				select {
				case <-f.closing:
					return
				default:
				}
				f.flushBackground()
			}
		}
	}()
}

func (f *Flusher) flushBackground() {
	ctx, cancel := context.WithTimeout(f.base, f.cfg.ShutdownTimeout)
	defer cancel()

	// Failures are logged and retried with the next batch.
	_ = f.Flush(ctx)
}

// Flush writes everything recorded so far.
//
// Peers are written as they are in the PeerStore at the time of the flush:
// an Index that is no longer stored is deleted.
func (f *Flusher) Flush(ctx context.Context) error {
	f.flushM.Lock()
	defer f.flushM.Unlock()

	p := f.queue.take()
	if p.empty() {
		promQueueLength.Set(0)
		return nil
	}

	b := p.resolve(f.ps)

	start := time.Now()
	err := f.store.ApplyBatch(ctx, b)
	duration := time.Since(start)
	recordFlush(b, err, duration)

	if err != nil {
		f.queue.putBack(p)
		promQueueLength.Set(float64(f.queue.Len()))
		log.Error("database: failed to flush batch, retrying with the next one", b, log.Err(err), log.Fields{
			"duration": duration,
		})
		return err
	}

	promQueueLength.Set(float64(f.queue.Len()))
	log.Debug("database: flushed batch", b, log.Fields{"duration": duration})
	return nil
}

// Stop stops the background loop and then flushes one last time within
// ShutdownTimeout.
//
// A flush in progress is waited on for at most ShutdownTimeout before it is
// abandoned. Its batch is put back and retried by the final flush.
func (f *Flusher) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(f.closing)

		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(f.cfg.ShutdownTimeout)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			log.Warn("database: abandoning the flush in progress", f.cfg)
		}
		f.cancel()
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownTimeout)
		defer cancel()

		if err := f.Flush(ctx); err != nil {
			c.Done(err)
			return
		}
		c.Done()
	}()

	return c.Result()
}
