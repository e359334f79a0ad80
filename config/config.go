// Package config loads the tunables shared by every component of the tracker.
//
// Every value is read once from the environment at startup. A Config is never
// modified afterwards; picking up a change requires a restart.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/chihaya/unit3d/pkg/log"
)

// MinAPIKeyLength is the minimum length of the key that gates the admin API.
const MinAPIKeyLength = 32

var (
	// ErrMissing is the Reason of an Error for a key absent from the
	// environment.
	ErrMissing = errors.New("not found in environment")

	// ErrInvalid is the Reason of an Error for a value that failed to parse.
	ErrInvalid = errors.New("invalid value")

	// ErrAPIKeyTooShort is the Reason of an Error for an APIKEY shorter than
	// MinAPIKeyLength.
	ErrAPIKeyTooShort = fmt.Errorf("must be at least %d characters long", MinAPIKeyLength)

	// ErrAnnounceRange is the Reason of an Error for an ANNOUNCE_MIN that is
	// greater than ANNOUNCE_MAX.
	ErrAnnounceRange = errors.New("must not be greater than ANNOUNCE_MAX")
)

// Error is returned by Load when a value is missing or invalid.
type Error struct {
	// Key is the name of the environment variable at fault.
	Key string

	// Reason is one of ErrMissing, ErrInvalid, ErrAPIKeyTooShort or
	// ErrAnnounceRange.
	Reason error

	// Err is the underlying parse error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %s", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Unwrap allows errors.Is to match the Reason.
func (e *Error) Unwrap() error { return e.Reason }

// Config holds the tunables of the tracker.
type Config struct {
	// FlushInterval is the number of seconds between flushes of peers and
	// credited stats to the durable store.
	FlushInterval uint64 `envconfig:"FLUSH_INTERVAL"`

	// NumWantDefault is the number of peers returned when a client does not
	// send a numwant.
	NumWantDefault uint `envconfig:"NUMWANT_DEFAULT"`

	// NumWantMax caps the number of peers returned to a client.
	NumWantMax uint `envconfig:"NUMWANT_MAX"`

	// AnnounceMin and AnnounceMax bound the random number of seconds a client
	// is told to wait before announcing again.
	AnnounceMin uint32 `envconfig:"ANNOUNCE_MIN"`
	AnnounceMax uint32 `envconfig:"ANNOUNCE_MAX"`

	// UploadFactor is the percentage of the announced upload delta that is
	// credited. 200 means global double upload.
	UploadFactor uint8 `envconfig:"UPLOAD_FACTOR"`

	// DownloadFactor is the percentage of the announced download delta that
	// is credited. 0 means global freeleech.
	DownloadFactor uint8 `envconfig:"DOWNLOAD_FACTOR"`

	// PeerExpiryInterval is the number of seconds between sweeps that mark
	// peers inactive or evict them.
	PeerExpiryInterval uint64 `envconfig:"PEER_EXPIRY_INTERVAL"`

	// ActivePeerTTL is the number of seconds without an announce after which
	// a peer is considered inactive.
	ActivePeerTTL uint64 `envconfig:"ACTIVE_PEER_TTL"`

	// InactivePeerTTL is the number of seconds without an announce after
	// which a peer is evicted. It should be long enough to survive multi-day
	// network outages: a peer that comes back after eviction has its next
	// delta computed from zero.
	InactivePeerTTL uint64 `envconfig:"INACTIVE_PEER_TTL"`

	// APIKey is the secret the site presents to the admin API.
	APIKey string `envconfig:"APIKEY"`
}

// Keys lists every environment variable read by Load, in load order.
var Keys = []string{
	"FLUSH_INTERVAL",
	"NUMWANT_DEFAULT",
	"NUMWANT_MAX",
	"ANNOUNCE_MIN",
	"ANNOUNCE_MAX",
	"UPLOAD_FACTOR",
	"DOWNLOAD_FACTOR",
	"PEER_EXPIRY_INTERVAL",
	"ACTIVE_PEER_TTL",
	"INACTIVE_PEER_TTL",
	"APIKEY",
}

// Load reads and validates a Config from the environment.
//
// Every key is mandatory. The first missing or invalid key is reported as an
// *Error.
func Load() (Config, error) {
	var cfg Config

	for _, key := range Keys {
		if _, ok := os.LookupEnv(key); !ok {
			return Config{}, &Error{Key: key, Reason: ErrMissing}
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		var perr *envconfig.ParseError
		if errors.As(err, &perr) {
			return Config{}, &Error{Key: perr.KeyName, Reason: ErrInvalid, Err: perr.Err}
		}
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadDotEnv exports the variables of a dotenv file that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks the constraints between values.
//
// Combinations that work but are likely mistakes are only logged.
func (cfg Config) Validate() error {
	if len(cfg.APIKey) < MinAPIKeyLength {
		return &Error{Key: "APIKEY", Reason: ErrAPIKeyTooShort}
	}

	if cfg.AnnounceMin > cfg.AnnounceMax {
		return &Error{Key: "ANNOUNCE_MIN", Reason: ErrAnnounceRange}
	}

	if cfg.NumWantMax < cfg.NumWantDefault {
		log.Warn("NUMWANT_DEFAULT is greater than NUMWANT_MAX, clients will receive at most NUMWANT_MAX peers", log.Fields{
			"numWantDefault": cfg.NumWantDefault,
			"numWantMax":     cfg.NumWantMax,
		})
	}

	if cfg.InactivePeerTTL < cfg.ActivePeerTTL {
		log.Warn("INACTIVE_PEER_TTL is lower than ACTIVE_PEER_TTL, peers will be evicted without being marked inactive", log.Fields{
			"activePeerTTL":   cfg.ActivePeerTTL,
			"inactivePeerTTL": cfg.InactivePeerTTL,
		})
	}

	return nil
}

// FlushPeriod returns FlushInterval as a time.Duration.
func (cfg Config) FlushPeriod() time.Duration { return Seconds(cfg.FlushInterval) }

// PeerExpiryPeriod returns PeerExpiryInterval as a time.Duration.
func (cfg Config) PeerExpiryPeriod() time.Duration { return Seconds(cfg.PeerExpiryInterval) }

// ActiveTTL returns ActivePeerTTL as a time.Duration.
func (cfg Config) ActiveTTL() time.Duration { return Seconds(cfg.ActivePeerTTL) }

// InactiveTTL returns InactivePeerTTL as a time.Duration.
func (cfg Config) InactiveTTL() time.Duration { return Seconds(cfg.InactivePeerTTL) }

// Seconds converts a number of seconds to a time.Duration, saturating instead
// of overflowing.
func Seconds(n uint64) time.Duration {
	if n > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(n) * time.Second
}

// LogFields renders the current config as a set of log fields.
//
// The API key is never rendered.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"flushInterval":      cfg.FlushInterval,
		"numWantDefault":     cfg.NumWantDefault,
		"numWantMax":         cfg.NumWantMax,
		"announceMin":        cfg.AnnounceMin,
		"announceMax":        cfg.AnnounceMax,
		"uploadFactor":       cfg.UploadFactor,
		"downloadFactor":     cfg.DownloadFactor,
		"peerExpiryInterval": cfg.PeerExpiryInterval,
		"activePeerTTL":      cfg.ActivePeerTTL,
		"inactivePeerTTL":    cfg.InactivePeerTTL,
	}
}
