package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docsync/backend/config"
	"docsync/backend/internal/gateway"
	"docsync/backend/internal/presence"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "gateway").Logger()
	if cfg.Log.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("gateway stopped")
	}
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

	balancer := gateway.NewBalancer(presence.NewRegistry(rdb, logger), cfg.Gateway.Backends, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// any origin, including file:// pages that send Origin: null
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	if cfg.Gateway.AuthPath != "" {
		authURL, err := url.Parse(cfg.Gateway.AuthPath)
		if err != nil {
			return fmt.Errorf("parse gateway.authPath: %w", err)
		}
		authProxy := httputil.NewSingleHostReverseProxy(authURL)
		r.Any("/auth/*any", func(c *gin.Context) {
			// /auth/... lives under /v1/auth/... upstream
			c.Request.URL.Path = "/v1" + c.Request.URL.Path
			authProxy.ServeHTTP(c.Writer, c.Request)
		})
	}

	toCollab := func(c *gin.Context) {
		c.Request.URL.Path = "/collab" + c.Request.URL.Path
		balancer.ServeHTTP(c.Writer, c.Request)
	}
	r.Any("/ws", toCollab)
	r.Any("/ws/*any", toCollab)
	r.Any("/collab/*any", func(c *gin.Context) { balancer.ServeHTTP(c.Writer, c.Request) })

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":       true,
			"version":  buildVersion,
			"commit":   buildCommit,
			"backends": balancer.Targets(),
		})
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Gateway.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		balancer.Run(ctx, cfg.Gateway.Refresh)
		return nil
	})
	eg.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("gateway listening")
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
	return eg.Wait()
}
