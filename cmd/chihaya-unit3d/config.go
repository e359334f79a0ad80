package main

import (
	"errors"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/chihaya/unit3d/api"
	"github.com/chihaya/unit3d/database/nop"
	"github.com/chihaya/unit3d/middleware"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/storage/memory"
)

const defaultShutdownTimeout = 30 * time.Second

type driverConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the host configuration of the tracker.
//
// The tunables of the swarm engine are not part of it: they are read from the
// environment by the config package.
type Config struct {
	MetricsAddr     string                  `yaml:"metrics_addr"`
	API             api.Config              `yaml:"api"`
	Storage         driverConfig            `yaml:"storage"`
	Database        driverConfig            `yaml:"database"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
	PreHooks        []middleware.HookConfig `yaml:"prehooks"`
	PostHooks       []middleware.HookConfig `yaml:"posthooks"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"metricsAddr":     cfg.MetricsAddr,
		"apiAddr":         cfg.API.Addr,
		"storage":         cfg.Storage.Name,
		"database":        cfg.Database.Name,
		"shutdownTimeout": cfg.ShutdownTimeout,
		"prehooks":        len(cfg.PreHooks),
		"posthooks":       len(cfg.PostHooks),
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Storage.Name == "" {
		validcfg.Storage.Name = memory.Name
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "storage.name",
			"provided": cfg.Storage.Name,
			"default":  validcfg.Storage.Name,
		})
	}

	if cfg.Database.Name == "" {
		validcfg.Database.Name = nop.Name
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "database.name",
			"provided": cfg.Database.Name,
			"default":  validcfg.Database.Name,
		})
	}

	if cfg.ShutdownTimeout <= 0 {
		validcfg.ShutdownTimeout = defaultShutdownTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "shutdown_timeout",
			"provided": cfg.ShutdownTimeout,
			"default":  validcfg.ShutdownTimeout,
		})
	}

	return validcfg
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Chihaya Config `yaml:"chihaya"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
