package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docsync/backend/config"
	"docsync/backend/internal/archive"
	"docsync/backend/internal/bus"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("collab server stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("instance", cfg.Running.InstanceID).Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// keep serving from memory; the store and bus recover with redis
		logger.Warn().Err(err).Strs("addrs", cfg.Redis.Addrs).Msg("ping redis failed")
	}
	cancel()

	b := openBus(cfg, rdb, logger)
	defer b.Close()

	opt := collab.Options{
		InstanceID:     cfg.Running.InstanceID,
		SnapshotTTL:    cfg.Engine.SnapshotTTL,
		RecentOpsLimit: cfg.Engine.RecentOpsLimit,
		SweepInterval:  cfg.Engine.SweepInterval,
		IdleThreshold:  cfg.Engine.IdleThreshold,
	}
	var archiveReader handlers.ArchiveReader
	if cfg.MySQL.DSN != "" {
		arch, err := archive.Open(cfg.MySQL.DSN)
		if err != nil {
			logger.Warn().Err(err).Msg("archive disabled")
		} else {
			defer arch.Close()
			opt.Archiver = arch
			archiveReader = arch
		}
	}

	engine := collab.NewEngine(store.NewRedisStore(rdb), b, opt, logger)
	defer engine.Close()

	hub := ws.NewHub(logger)
	handler := ws.NewHandler(engine, hub, cfg.Engine.MaxConcurrentEdits, logger)
	manager := ws.NewManager(handler, cfg.Running.AllowedOrigins, logger)
	docs := handlers.NewDocuments(engine, archiveReader)

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	g := r.Group("/collab")
	g.GET("/healthz", docs.Healthz)
	authed := g.Group("")
	if verifier != nil {
		// reads the token from Authorization or ?token= and sets userId
		authed.Use(middleware.Auth(verifier))
	}
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/documents/:docID", docs.GetDocument)
	authed.GET("/documents/:docID/archive", docs.GetArchive)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		startReplication(ctx, engine, logger)
		return nil
	})
	eg.Go(func() error {
		registry := presence.NewRegistry(rdb, logger)
		registry.Heartbeat(ctx, cfg.Running.InstanceID, cfg.Running.AdvertiseURL, cfg.Presence.TTL, cfg.Presence.Heartbeat)
		return nil
	})
	eg.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("bus", cfg.Bus.Driver).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	logger.Info().Msg("collab server shut down")
	return err
}

// openBus never fails: a bus that cannot be built leaves this instance
// serving its own clients over an in-process bus.
func openBus(cfg *config.Config, rdb redis.UniversalClient, logger zerolog.Logger) bus.Bus {
	b, err := newBus(cfg, rdb, logger)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Bus.Driver).Msg("replication bus disabled, falling back to memory")
		return bus.NewMemoryBus()
	}
	return b
}

func newBus(cfg *config.Config, rdb redis.UniversalClient, logger zerolog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "kafka":
		d := cfg.Kafka.Dispatcher
		return bus.NewKafkaBus(bus.KafkaBusOptions{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupPrefix + "-" + cfg.Running.InstanceID,
			Dispatcher: bus.KafkaDispatcherOptions{
				QueueSize:      d.QueueSize,
				Workers:        d.Workers,
				MaxRetry:       d.MaxRetry,
				BaseBackoff:    d.BaseBackoff,
				MaxBackoff:     d.MaxBackoff,
				MaxConcurrency: d.MaxConcurrency,
			},
		}, logger)
	default:
		return bus.NewRedisBus(rdb, cfg.Bus.Channel, logger), nil
	}
}

func newVerifier(cfg *config.Config) (middleware.Verifier, error) {
	switch cfg.Auth.Mode {
	case "none":
		return nil, nil
	case "jwt":
		return middleware.NewJWTVerifier(cfg.Auth.Secret), nil
	case "remote":
		return middleware.NewRemoteVerifier(cfg.Auth.Path), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// startReplication subscribes to the bus, retrying with backoff until it
// succeeds or ctx ends.
func startReplication(ctx context.Context, engine *collab.Engine, logger zerolog.Logger) {
	backoff := 500 * time.Millisecond
	for {
		err := engine.StartReplication(ctx)
		if err == nil {
			logger.Info().Msg("replication started")
			return
		}
		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("subscribe to bus failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
