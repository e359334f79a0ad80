package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chihaya/unit3d/api"
	"github.com/chihaya/unit3d/config"
	"github.com/chihaya/unit3d/database"
	"github.com/chihaya/unit3d/middleware"
	"github.com/chihaya/unit3d/middleware/varinterval"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/pkg/metrics"
	"github.com/chihaya/unit3d/pkg/prand"
	"github.com/chihaya/unit3d/pkg/stop"
	"github.com/chihaya/unit3d/pkg/timecache"
	"github.com/chihaya/unit3d/storage"

	// Register the durable stores and peer stores.
	_ "github.com/chihaya/unit3d/database/nop"
	_ "github.com/chihaya/unit3d/database/relational"
	_ "github.com/chihaya/unit3d/storage/memory"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	cfg            config.Config
	host           Config

	peerStore storage.PeerStore
	db        database.Store
	flusher   *database.Flusher
	sweeper   *storage.Sweeper
	logic     *middleware.Logic
	api       *api.Server
	metrics   *metrics.Server
}

// NewRun loads the configuration and starts every component.
func NewRun(configFilePath, envFilePath string) (*Run, error) {
	if err := config.LoadDotEnv(envFilePath); err != nil {
		return nil, errors.New("failed to read env file: " + err.Error())
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Info("loaded config", cfg)

	var host Config
	if configFilePath != "" {
		configFile, err := ParseConfigFile(configFilePath)
		if err != nil {
			return nil, errors.New("failed to read config: " + err.Error())
		}
		host = configFile.Chihaya
	}
	host = host.Validate()
	host.API.APIKey = cfg.APIKey
	log.Info("loaded host config", host)

	r := &Run{configFilePath: configFilePath, cfg: cfg, host: host}
	return r, r.start()
}

func (r *Run) start() (err error) {
	if r.host.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": r.host.MetricsAddr})
		r.metrics = metrics.NewServer(r.host.MetricsAddr)
	}

	r.peerStore, err = storage.NewPeerStore(r.host.Storage.Name, r.host.Storage.Config)
	if err != nil {
		return errors.New("failed to create peer store: " + err.Error())
	}

	r.db, err = database.NewStore(r.host.Database.Name, r.host.Database.Config)
	if err != nil {
		return errors.New("failed to open durable store: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.host.ShutdownTimeout)
	defer cancel()
	if _, err = database.Warm(ctx, r.db, r.peerStore); err != nil {
		return errors.New("failed to load peers: " + err.Error())
	}

	queue := database.NewQueue()

	r.sweeper = storage.NewSweeper(storage.SweeperConfig{
		Interval:    r.cfg.PeerExpiryPeriod(),
		ActiveTTL:   r.cfg.ActiveTTL(),
		InactiveTTL: r.cfg.InactiveTTL(),
	}, r.peerStore, queue)
	r.sweeper.Run(timecache.Now)

	r.flusher = database.NewFlusher(database.FlusherConfig{
		Interval:        r.cfg.FlushPeriod(),
		ShutdownTimeout: r.host.ShutdownTimeout,
	}, r.db, r.peerStore, queue)
	r.flusher.Run()

	rands := prand.New(1024)
	interval, err := varinterval.NewHook(varinterval.Config{
		MinInterval: r.cfg.AnnounceMin,
		MaxInterval: r.cfg.AnnounceMax,
	}, rands)
	if err != nil {
		return err
	}

	preHooks, err := middleware.HooksFromHookConfigs(r.host.PreHooks)
	if err != nil {
		return errors.New("failed to validate hook config: " + err.Error())
	}
	postHooks, err := middleware.HooksFromHookConfigs(r.host.PostHooks)
	if err != nil {
		return errors.New("failed to validate hook config: " + err.Error())
	}

	r.logic = middleware.NewLogic(
		middleware.NewResponseConfig(r.cfg),
		r.peerStore,
		queue,
		rands,
		append([]middleware.Hook{interval}, preHooks...),
		postHooks,
	)

	r.api = api.NewServer(r.host.API, r.peerStore, queue, timecache.Now)
	r.api.ListenAndServe()

	return nil
}

// Stop shuts down the running instance.
//
// Nothing that mutates the PeerStore runs anymore when the final flush is
// made, and the PeerStore outlives it.
func (r *Run) Stop() []error {
	seq := stop.NewSequence()
	if r.api != nil {
		seq.Add(r.api)
	}
	if r.logic != nil {
		seq.Add(r.logic)
	}
	if r.sweeper != nil {
		seq.Add(r.sweeper)
	}
	if r.flusher != nil {
		seq.Add(r.flusher)
	}
	if r.peerStore != nil {
		seq.Add(r.peerStore)
	}
	if r.db != nil {
		seq.Add(r.db)
	}
	if r.metrics != nil {
		seq.Add(r.metrics)
	}

	return seq.Stop().Wait()
}

// RootRunCmdFunc implements a Cobra command that runs the tracker until
// interrupted.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	envFilePath, err := cmd.Flags().GetString("env")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath, envFilePath)
	if err != nil {
		if r != nil {
			r.Stop()
		}
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	flush := make(chan os.Signal, 1)
	if len(FlushSignals) > 0 {
		signal.Notify(flush, FlushSignals...)
	}

	for {
		select {
		case <-flush:
			log.Info("received flush signal")
			ctx, cancel := context.WithTimeout(context.Background(), r.host.ShutdownTimeout)
			if err := r.flusher.Flush(ctx); err != nil {
				log.Error("requested flush failed", log.Err(err))
			}
			cancel()
		case <-quit:
			log.Info("shutting down")
			start := time.Now()
			errs := r.Stop()
			for _, err := range errs {
				log.Error("failed while shutting down", log.Err(err))
			}
			if len(errs) > 0 {
				return errs[0]
			}
			log.Info("shut down", log.Fields{"duration": time.Since(start)})
			return nil
		}
	}
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	noColors, err := cmd.Flags().GetBool("nocolors")
	if err != nil {
		return err
	}
	if noColors {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetJSON()
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	if level != "" {
		if err := log.SetLevel(level); err != nil {
			return err
		}
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
	}

	return nil
}

// RootPostRunCmdFunc handles clean up of any state initialized by command line
// flags.
func RootPostRunCmdFunc(cmd *cobra.Command, args []string) error {
	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		pprof.StopCPUProfile()
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:                "chihaya-unit3d",
		Short:              "BitTorrent Tracker",
		Long:               "The peer swarm engine of a private BitTorrent tracker for UNIT3D sites",
		PersistentPreRunE:  RootPreRunCmdFunc,
		RunE:               RootRunCmdFunc,
		PersistentPostRunE: RootPostRunCmdFunc,
	}

	rootCmd.PersistentFlags().String("cpuprofile", "", "location to save a CPU profile")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	rootCmd.PersistentFlags().Bool("nocolors", false, "disable log coloring")
	rootCmd.PersistentFlags().String("log-level", "", "log level, e.g. warn or debug")

	rootCmd.Flags().String("config", "", "location of the YAML host configuration file")
	rootCmd.Flags().String("env", ".env", "location of the dotenv file holding the tracker tunables")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}
