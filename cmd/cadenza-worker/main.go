// Package main provides the cadenza worker: the tracking engine behind an
// HTTP control API and SSE event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/thebtf/cadenza/internal/api"
	"github.com/thebtf/cadenza/internal/capture"
	"github.com/thebtf/cadenza/internal/config"
	gormdb "github.com/thebtf/cadenza/internal/db/gorm"
	"github.com/thebtf/cadenza/internal/engine"
	"github.com/thebtf/cadenza/internal/feedback"
	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/internal/persistence/remote"
	"github.com/thebtf/cadenza/internal/playback"
	"github.com/thebtf/cadenza/internal/score"
	"github.com/thebtf/cadenza/internal/score/library"
	scoreremote "github.com/thebtf/cadenza/internal/score/remote"
	"github.com/thebtf/cadenza/internal/watcher"
	"github.com/thebtf/cadenza/internal/worker"
	"github.com/thebtf/cadenza/internal/worker/sse"
	"github.com/thebtf/cadenza/pkg/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	port := flag.Int("port", 0, "Worker port (overrides settings)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.WorkerPort = *port
	}
	if *debug || cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Worker failed")
	}
}

// errRestart is the cancellation cause when a watched file asks the worker
// to exit so its supervisor starts it again with fresh settings.
var errRestart = errors.New("restart requested")

// withRestart derives a context that restart cancels with errRestart.
func withRestart(parent context.Context) (context.Context, func(reason string), context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	restart := func(reason string) {
		cancel(fmt.Errorf("%w: %s", errRestart, reason))
	}
	return ctx, restart, cancel
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, restart, cancel := withRestart(ctx)
	defer cancel(nil)

	callTimeout := time.Duration(cfg.CallTimeoutMS) * time.Millisecond
	client := api.New(cfg.APIBaseURL, cfg.APIToken, &http.Client{Timeout: callTimeout})

	var (
		store   persistence.Store
		archive worker.Archive
	)
	switch cfg.Backend {
	case config.BackendRemote:
		store = remote.New(client)
		log.Info().Str("url", client.BaseURL()).Msg("Persisting performances remotely")
	default:
		db, err := gormdb.NewStore(gormdb.Config{
			DSN:      cfg.DBDSN,
			Path:     cfg.DBPath,
			MaxConns: cfg.MaxConns,
			LogLevel: logger.Silent,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		perfs := gormdb.NewPerformanceStore(db)
		store, archive = perfs, perfs
		log.Info().Str("dialect", db.Dialect()).Msg("Persisting performances locally")
	}

	var (
		provider score.Provider
		lib      *library.Library
	)
	switch cfg.ScoreSource {
	case config.BackendRemote:
		provider = scoreremote.New(client)
	default:
		var err error
		lib, err = library.Open(cfg.LibraryPath)
		if err != nil {
			return err
		}
		provider = lib
		log.Info().Str("path", lib.Path()).Int("sources", len(lib.Registry().Sources())).Msg("Score library loaded")
	}

	var (
		clock    playback.Clock
		reported *playback.Reported
		wall     *playback.Wall
	)
	switch cfg.Clock {
	case config.ClockWall:
		wall = playback.NewWall(time.Duration(cfg.TickIntervalMS)*time.Millisecond, 0)
		clock = wall
	default:
		reported = playback.NewReported()
		clock = reported
	}

	push := capture.NewPush(time.Duration(cfg.CaptureTimeoutMS) * time.Millisecond)
	broadcaster := sse.NewBroadcaster()
	surface := worker.NewSurface(broadcaster)

	eng, err := engine.New(engineConfig(cfg), engine.Deps{
		Provider: provider,
		Store:    store,
		Clock:    clock,
		Capture:  push,
		Renderer: surface,
		Sink:     surface,
	})
	if err != nil {
		return err
	}

	svc, err := worker.NewService(worker.Options{
		Version:     Version,
		Config:      cfg,
		Engine:      eng,
		Clock:       reported,
		Capture:     push,
		Archive:     archive,
		Library:     lib,
		Broadcaster: broadcaster,
		Surface:     surface,
	})
	if err != nil {
		return err
	}

	startWatchers(ctx, cfg, lib, restart)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return surface.Run(gctx) })
	g.Go(func() error { return svc.Run(gctx) })
	if wall != nil {
		g.Go(func() error {
			wall.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, errRestart) {
		log.Info().Str("cause", cause.Error()).Msg("Worker shut down for restart")
		return err
	}
	log.Info().Msg("Worker shut down")
	return err
}

// engineConfig maps settings onto the engine. Zero default bounds mean the
// live average is unbounded.
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.BarsPerPage = cfg.BarsPerPage
	ec.Window = cfg.AggregatorWindow
	ec.Thresholds = feedback.Thresholds{MatchWithin: cfg.MatchWithin, NearWithin: cfg.NearWithin}
	ec.CallTimeout = time.Duration(cfg.CallTimeoutMS) * time.Millisecond
	if cfg.DefaultLower > 0 || cfg.DefaultUpper > 0 {
		ec.DefaultLower = models.Pitch(cfg.DefaultLower)
		ec.DefaultUpper = models.Pitch(cfg.DefaultUpper)
	}
	return ec
}

// startWatchers reacts to settings, library and database file changes.
// Restarts go through restart so the engine drains its persistence queue
// before the process exits.
func startWatchers(ctx context.Context, cfg *config.Config, lib *library.Library, restart func(string)) {
	watch(ctx, config.SettingsPath(), onSettingsChange(config.SettingsPath(), restart))

	if lib != nil {
		watch(ctx, lib.Path(), func(kind watcher.Kind) {
			if kind == watcher.Deleted {
				log.Warn().Str("path", lib.Path()).Msg("Score library deleted, keeping loaded units")
				return
			}
			if err := lib.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload score library")
				return
			}
			log.Info().Int("sources", len(lib.Registry().Sources())).Msg("Score library reloaded")
		})
	}

	if cfg.Backend == config.BackendLocal && cfg.DBDSN == "" {
		watch(ctx, cfg.DBPath, onDatabaseChange(cfg.DBPath, restart))
	}
}

func onSettingsChange(path string, restart func(string)) func(watcher.Kind) {
	return func(watcher.Kind) {
		log.Warn().Str("path", path).Msg("Settings changed, exiting for restart...")
		restart("settings changed")
	}
}

func onDatabaseChange(path string, restart func(string)) func(watcher.Kind) {
	return func(kind watcher.Kind) {
		if kind != watcher.Deleted {
			return
		}
		log.Warn().Str("path", path).Msg("Database deleted, exiting for restart...")
		restart("database deleted")
	}
}

func watch(ctx context.Context, path string, onEvent func(watcher.Kind)) {
	w, err := watcher.New(path, onEvent)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to create file watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to start file watcher")
		return
	}
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
	log.Debug().Str("path", path).Msg("File watcher started")
}
