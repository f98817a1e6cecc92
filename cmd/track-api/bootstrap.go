package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipTrack/config"
	shipmentsapi "github.com/BearBump/ShipTrack/internal/api/shipments_api"
	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder/cached"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder/fake"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder/nominatim"
	"github.com/BearBump/ShipTrack/internal/services/allocator"
	"github.com/BearBump/ShipTrack/internal/services/relay"
	"github.com/BearBump/ShipTrack/internal/services/shipments"
	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/BearBump/ShipTrack/internal/storage/pgshipment"
	"github.com/BearBump/ShipTrack/internal/storage/sqliteshipment"
)

type trackAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   trackAPIOpts
	api    *shipmentsapi.ShipmentsAPI
	feed   *liveFeed

	closers []func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	config.LoadEnv()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app, err := bootstrapTrackAPI(ctx, cfg, os.Getenv("swaggerPath"))
	if err != nil {
		cancel()
		panic(err)
	}
	app.cancel = cancel
	return app
}

func bootstrapTrackAPI(ctx context.Context, cfg *config.Config, swaggerPath string) (*trackAPIApp, error) {
	httpAddr := cfg.ShipTrack.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	currentTTL := time.Duration(cfg.ShipTrack.CurrentTTLSeconds) * time.Second
	if currentTTL <= 0 {
		currentTTL = 10 * time.Minute
	}
	geocodeTTL := time.Duration(cfg.ShipTrack.GeocodeTTLSeconds) * time.Second
	if geocodeTTL <= 0 {
		geocodeTTL = 24 * time.Hour
	}
	historyLimit := cfg.ShipTrack.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = relay.DefaultHistoryLimit
	}
	rlPerMin := int64(cfg.ShipTrack.LocationRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}
	topic := cfg.Kafka.ShipmentUpsertedTopicName
	if topic == "" {
		topic = "shipment.upserted"
	}

	app := &trackAPIApp{ctx: ctx}

	st, closeDB, err := openStorage(cfg, 60*time.Second)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeDB)

	hub := relay.NewHub(cfg.ShipTrack.SubscriberBuffer)
	var (
		bytesCache cache.BytesCache
		notifier   relay.Notifier
		limiter    shipmentsapi.RateLimiter
	)
	if addr := cfg.Redis.Addr(); addr != "" {
		rc := rediscache.New(addr)
		ps := rediscache.NewPubSub(addr)
		rl := rediscache.NewRateLimiter(addr)
		app.closers = append(app.closers,
			func() { _ = rc.Close() },
			func() { _ = ps.Close() },
			func() { _ = rl.Close() },
		)
		bytesCache, notifier, limiter = rc, relay.NewBrokerNotifier(ps), rl
		app.feed = &liveFeed{sub: ps, hub: hub}
	} else {
		slog.Warn("redis is not configured: no cache, no rate limit, live pings stay in this process")
	}

	rel := relay.New(st, hub, notifier).WithHistoryLimit(historyLimit)
	svc := shipments.New(st, allocator.New(), newGeocoder(cfg, bytesCache, geocodeTTL), rel, bytesCache, currentTTL)

	if brokers := cfg.Kafka.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		app.closers = append(app.closers, func() { _ = producer.Close() })
		svc.WithProducer(producer, topic)
	}

	app.api = shipmentsapi.New(svc, rel)
	if limiter != nil {
		app.api.WithRateLimit(limiter, rlPerMin)
	}
	app.opts = trackAPIOpts{
		httpAddr:    httpAddr,
		swaggerPath: swaggerPath,
	}
	return app, nil
}

func openStorage(cfg *config.Config, wait time.Duration) (storage.Store, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		st, err := sqliteshipment.New(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "", "postgres":
		st, err := openPostgresWithRetry(cfg.Database.PostgresConnString(), wait)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgshipment.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for {
		st, err := pgshipment.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
		}
		time.Sleep(1 * time.Second)
	}
}

func newGeocoder(cfg *config.Config, c cache.BytesCache, ttl time.Duration) geocoder.Client {
	var g geocoder.Client
	switch cfg.ShipTrack.GeocoderMode {
	case "nominatim":
		g = nominatim.New(cfg.ShipTrack.GeocoderBaseURL, cfg.ShipTrack.GeocoderUserAgent)
	default:
		g = fake.New()
	}
	if c == nil {
		return g
	}
	return cached.New(g, c, ttl)
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.api, a.feed)
}
