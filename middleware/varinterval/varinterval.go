// Package varinterval implements a middleware that staggers the announce
// interval returned to clients so re-announces do not arrive in waves.
package varinterval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/middleware"
	"github.com/chihaya/unit3d/pkg/prand"
)

// Name is the name by which this middleware is registered with Chihaya.
const Name = "interval variation"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %w", Name, err)
	}

	return NewHook(cfg, prand.New(1024))
}

// ErrInvalidRange is returned for a config with a MinInterval greater than its
// MaxInterval.
var ErrInvalidRange = errors.New("min_interval is greater than max_interval")

// Config represents the configuration for the varinterval middleware.
type Config struct {
	// MinInterval and MaxInterval are the bounds, in seconds, of the interval
	// returned to clients. Both are inclusive.
	MinInterval uint32 `yaml:"min_interval"`
	MaxInterval uint32 `yaml:"max_interval"`
}

func checkConfig(cfg Config) error {
	if cfg.MinInterval > cfg.MaxInterval {
		return ErrInvalidRange
	}

	return nil
}

type hook struct {
	cfg   Config
	rands *prand.Container
}

// NewHook creates a middleware that replaces the announce interval with one
// drawn uniformly from the configured range for every request.
func NewHook(cfg Config, rands *prand.Container) (middleware.Hook, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	return &hook{cfg: cfg, rands: rands}, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	// The span is computed in 64 bits: max-min+1 overflows 32 bits for the
	// full range.
	span := int64(h.cfg.MaxInterval) - int64(h.cfg.MinInterval) + 1

	var v int64
	h.rands.Do(req.TorrentID, func(r *rand.Rand) {
		v = r.Int63n(span)
	})

	resp.Interval = time.Duration(int64(h.cfg.MinInterval)+v) * time.Second
	return ctx, nil
}
