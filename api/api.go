// Package api implements the HTTP JSON API the site uses to push out-of-band
// changes to the swarms, such as removing a peer of a banned user or the
// swarm of a deleted torrent.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/storage"
)

// Default config constants.
const (
	defaultAddr         = "127.0.0.1:6970"
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Config represents all of the configurable options for the API server.
type Config struct {
	Addr         string        `yaml:"addr"`
	APIKey       string        `yaml:"-"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":         cfg.Addr,
		"readTimeout":  cfg.ReadTimeout,
		"writeTimeout": cfg.WriteTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	return validcfg
}

// Server is the admin API. Every change it makes to the PeerStore is reported
// to a Recorder.
type Server struct {
	cfg      Config
	ps       storage.PeerStore
	recorder storage.Recorder
	now      func() time.Time
	srv      *http.Server
}

// NewServer creates a Server. It does not listen until ListenAndServe is
// called.
func NewServer(provided Config, ps storage.PeerStore, recorder storage.Recorder, now func() time.Time) *Server {
	if recorder == nil {
		recorder = storage.NopRecorder
	}
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:      provided.Validate(),
		ps:       ps,
		recorder: recorder,
		now:      now,
	}

	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	return s
}

// Handler returns the router serving the API.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.GET("/peers/:user_id/:peer_id", s.makeHandler(s.handleGetPeer))
	r.PUT("/peers/:user_id/:peer_id", s.makeHandler(noResultHandler(s.handlePutPeer)))
	r.DELETE("/peers/:user_id/:peer_id", s.makeHandler(noResultHandler(s.handleDeletePeer)))
	r.GET("/torrents/:torrent_id", s.makeHandler(s.handleGetTorrent))
	r.DELETE("/torrents/:torrent_id", s.makeHandler(s.handleDeleteTorrent))

	return r
}

// ListenAndServe serves the API in the background.
func (s *Server) ListenAndServe() {
	log.Info("starting admin API", s.cfg)

	go func() {
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving admin API", log.Err(err))
		}
	}()
}

// Stop shuts down the server, waiting for the requests in progress.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Shutdown(context.Background()))
	}()

	return c.Result()
}
