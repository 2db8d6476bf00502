package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"homepulse/core-go/internal/bridge"
	"homepulse/core-go/internal/cache"
	"homepulse/core-go/internal/config"
	"homepulse/core-go/internal/connection"
	"homepulse/core-go/internal/db"
	"homepulse/core-go/internal/discoveryworker"
	"homepulse/core-go/internal/health"
	"homepulse/core-go/internal/httpapi"
	"homepulse/core-go/internal/inventory"
	"homepulse/core-go/internal/locate"
	"homepulse/core-go/internal/metrics"
	"homepulse/core-go/internal/predict"
	"homepulse/core-go/internal/realtime"
	"homepulse/core-go/internal/recommend"
	"homepulse/core-go/internal/registry"
	"homepulse/core-go/internal/telemetry"
	"homepulse/core-go/internal/unify"
)

func main() {
	cfg, cfgErr := config.Load()
	logger := httpapi.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfgErr != nil {
		logger.Fatal().Err(cfgErr).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	store := inventory.NewStore()
	deps := httpapi.Deps{
		Store:     store,
		Metrics:   m,
		ModelPath: cfg.ModelPath,
	}

	var pool *db.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p

		if cfg.SchemaPath != "" {
			if err := pool.ApplySchema(ctx, cfg.SchemaPath); err != nil {
				logger.Fatal().Err(err).Msg("failed to apply schema")
			}
		}

		deps.DB = pool
		deps.Runs = pool.Queries()
		deps.Persister = inventory.NewPersister(pool.Queries())
		devs, err := deps.Persister.Load(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("load persisted inventory failed")
		} else {
			store.Replace(devs, false)
			logger.Info().Int("devices", len(devs)).Msg("inventory restored")
		}
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; health cache disabled")
		} else {
			defer rdb.Close()
			deps.Cache = cache.NewHealthCache(rdb, cfg.HealthCacheTTL)
		}
	}

	endpoints := cfg.Endpoints
	if len(endpoints) == 0 && cfg.HubMDNSDiscovery {
		endpoints = locateHub(ctx, logger, cfg)
	}

	tracker := telemetry.NewTracker(logger, telemetry.Options{
		WindowSize: cfg.MetricWindowSize,
		MaxAge:     cfg.MetricMaxAge,
		Metrics:    m,
	})
	deps.Tracker = tracker
	deps.Scorer = health.NewScorer()
	deps.Engine = recommend.NewEngine()

	predictor := predict.New(logger, predict.Options{Metrics: m})
	if err := predictor.Load(cfg.ModelPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Str("path", cfg.ModelPath).Msg("load model failed; using rules")
	}
	deps.Predictor = predictor

	hub := realtime.NewHub(logger)
	deps.Events = hub
	go hub.RelayAnomalies(ctx, tracker.Anomalies())

	workerOpts := discoveryworker.Options{
		Interval:  cfg.DiscoveryInterval,
		Persister: deps.Persister,
		Events:    hub,
		Parser:    unify.Parser{LastSeen: tracker.LastSeen},
		Metrics:   m,
	}
	if pool != nil {
		workerOpts.Queries = pool.Queries()
	}

	if cfg.MQTTBroker != "" {
		bc, err := bridge.New(logger, bridge.Options{
			Broker:    cfg.MQTTBroker,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			ClientID:  cfg.MQTTClientID,
			BaseTopic: cfg.BridgeBaseTopic,
			Metrics:   m,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid mqtt broker")
		}
		defer bc.Disconnect()
		if err := bc.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("bridge unavailable; continuing with registry data only")
		} else if err := bc.RequestNetworkMap(); err != nil {
			logger.Warn().Err(err).Msg("network map request failed")
		}
		workerOpts.Bridge = bc
		deps.Bridge = bc
	}

	if len(endpoints) > 0 {
		mgr, err := connection.NewManager(logger, endpoints, registry.Prober{}, connection.Options{Metrics: m, Events: hub})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid endpoints")
		}
		deps.Connection = mgr

		dial := func(ctx context.Context, ep connection.EndpointConfig) (discoveryworker.Session, error) {
			c := registry.New(logger, ep, registry.Options{OnUnavailable: mgr.ReportFailure})
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			logger.Info().Str("endpoint", ep.Name).Str("ha_version", c.HAVersion()).Msg("registry connected")
			return c, nil
		}
		worker := discoveryworker.New(logger, mgr, dial, store, workerOpts)
		deps.Discovery = worker
		go worker.Run(ctx)
	} else {
		logger.Warn().Msg("no hub endpoint configured; discovery disabled")
	}

	h := httpapi.NewHandler(logger, deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("homepulse listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

// locateHub browses DNS-SD for a hub and uses the first one that answers.
func locateHub(ctx context.Context, logger zerolog.Logger, cfg config.Config) []connection.EndpointConfig {
	hubs, err := locate.Browser{}.Browse(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("hub browse failed")
		return nil
	}
	if len(hubs) == 0 {
		logger.Warn().Msg("no hub answered the browse")
		return nil
	}
	logger.Info().Str("instance", hubs[0].Instance).Str("url", hubs[0].URL).Msg("hub located")
	return []connection.EndpointConfig{cfg.LocatedEndpoint(hubs[0].URL)}
}
