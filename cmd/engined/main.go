package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agent-engine/internal/config"
	"agent-engine/internal/engine"
	"agent-engine/internal/governor"
	"agent-engine/internal/monitor"
	"agent-engine/internal/notify"
	"agent-engine/internal/ops"
	"agent-engine/internal/runtime"
	"agent-engine/internal/sandbox"
	"agent-engine/internal/scheduler"
	"agent-engine/internal/store"
	"agent-engine/internal/store/postgres"
	"agent-engine/internal/validator"
)

// imagePuller is satisfied by backends that can pre-pull profile images.
type imagePuller interface {
	EnsureImages(ctx context.Context, refs []string) error
}

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Sandbox backend (auto-detects containerd vs Docker). Unlike the ops
	// endpoint, the engine cannot run without one.
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox backend available")
	}

	profiles := runtime.NewRegistry()
	profiles.OverrideImages(cfg.Sandbox.ImageOverrides)

	if cfg.Sandbox.PullOnStart {
		if puller, ok := backend.(imagePuller); ok {
			pullCtx, pullCancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := puller.EnsureImages(pullCtx, profiles.Images()); err != nil {
				log.Warn().Err(err).Msg("image prewarm failed, first runs will pull on demand")
			}
			pullCancel()
		}
	}

	// Persistence: postgres when a DSN is configured, in-memory otherwise.
	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := postgres.New(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		st = pg
	} else {
		log.Warn().Msg("no database configured, state is lost on restart")
		st = store.NewMemory()
	}

	pol, err := cfg.Policy.Build()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid validation policy")
	}

	cache, err := validator.NewCache(cfg.Policy.CacheEntries)
	if err != nil {
		log.Warn().Err(err).Msg("validation cache disabled")
	}
	val := validator.New(pol, cache)

	gov := governor.New(cfg.Governor.MaxConcurrentPerUser, cfg.Governor.MaxDailyPerUser, cfg.Governor.ReclaimGrace)
	stopReaper := gov.StartReaper(30*time.Second, func(n int) {
		metrics.PermitsReclaimed.Add(float64(n))
	})

	// Event sink: NATS when configured, otherwise the structured log.
	var sink notify.Sink
	var natsSink *notify.NATSSink
	if cfg.Notify.NATSURL != "" {
		natsSink, err = notify.ConnectNATS(ctx, cfg.Notify)
		if err != nil {
			log.Warn().Err(err).Msg("nats unreachable, events fall back to the log")
			sink = notify.LogSink{}
		} else {
			sink = natsSink
		}
	} else {
		sink = notify.LogSink{}
	}

	events := notify.NewDispatcher(sink, cfg.Notify.QueueSize, metrics)
	events.Start()

	flights := scheduler.NewFlights()

	limits := sandbox.ResourceLimits{
		WallClock: cfg.Sandbox.DefaultLimits.WallClock,
		CPUShares: cfg.Sandbox.DefaultLimits.CPUShares,
		MemoryMB:  cfg.Sandbox.DefaultLimits.MemoryMB,
		PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
		DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
	}

	eng := engine.New(engine.Deps{
		Store:     st,
		Caps:      engine.OwnerCapability{},
		Validator: val,
		Governor:  gov,
		Backend:   backend,
		Profiles:  profiles,
		Flights:   flights,
		Events:    events,
		Metrics:   metrics,
		Tracer:    monitor.NewTracer(),
	}, cfg.Engine, limits)

	// Fail executions orphaned by a previous crash before taking new work.
	if _, err := eng.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("crash recovery failed")
	}
	eng.Start()

	pump := scheduler.NewPump(st, eng, flights, events, metrics, cfg.Scheduler.PumpInterval)
	stopPump := pump.Start()

	server := ops.NewServer(cfg, st, backend, metrics)

	// Graceful shutdown. The ops listener goes down last so liveness probes
	// keep answering while the engine drains.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		stopPump()
		eng.Stop(cfg.Server.ShutdownTimeout)
		stopReaper()

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		events.Flush(10 * time.Second)
		if natsSink != nil {
			natsSink.Close()
		}

		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("ops server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", server.Addr()).
		Int("workers", cfg.Engine.Workers).
		Bool("db_enabled", cfg.Database.DSN != "").
		Bool("nats_enabled", natsSink != nil).
		Msg("engine starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("ops server failed")
	}

	log.Info().Msg("engine stopped")
}
