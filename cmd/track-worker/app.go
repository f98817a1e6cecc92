package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BearBump/ShipTrack/config"
	"github.com/BearBump/ShipTrack/internal/broker/kafka"
	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/services/ingest"
	"github.com/BearBump/ShipTrack/internal/services/relay"
	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/BearBump/ShipTrack/internal/storage/pgshipment"
	"github.com/BearBump/ShipTrack/internal/storage/sqliteshipment"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (st storage.PingStore, closeFn func(), err error)
	newConsumer    func(cfg *config.Config, topic, group string) (c ingest.Consumer, closeFn func())
	newRateLimiter func(cfg *config.Config) (rl ingest.RateLimiter, closeFn func())
	newNotifier    func(cfg *config.Config) (n relay.Notifier, closeFn func())
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (storage.PingStore, func(), error) {
			if cfg.Database.Driver == "sqlite" {
				st, err := sqliteshipment.New(cfg.Database.Path)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			}
			st, err := pgshipment.New(cfg.Database.PostgresConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newConsumer: func(cfg *config.Config, topic, group string) (ingest.Consumer, func()) {
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group)
			return c, func() { _ = c.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (ingest.RateLimiter, func()) {
			if cfg.Redis.Addr() == "" {
				return nil, nil
			}
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
		newNotifier: func(cfg *config.Config) (relay.Notifier, func()) {
			if cfg.Redis.Addr() == "" {
				return nil, nil
			}
			ps := rediscache.NewPubSub(cfg.Redis.Addr())
			return relay.NewBrokerNotifier(ps), func() { _ = ps.Close() }
		},
	}
}

type trackWorker struct {
	worker  *ingest.Worker
	closers []func()
}

func newTrackWorker(cfg *config.Config, f workerFactories) (*trackWorker, error) {
	topic := cfg.Kafka.LocationPingedTopicName
	if topic == "" {
		topic = "location.pinged"
	}
	group := cfg.ShipTrack.KafkaConsumerGroup
	if group == "" {
		group = "shiptrack-worker"
	}
	rlPerMin := int64(cfg.ShipTrack.LocationRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	st, closeDB, err := f.newStorage(cfg)
	if err != nil {
		return nil, err
	}
	tw := &trackWorker{}
	if closeDB != nil {
		tw.closers = append(tw.closers, closeDB)
	}

	notifier, closeNotifier := f.newNotifier(cfg)
	if closeNotifier != nil {
		tw.closers = append(tw.closers, closeNotifier)
	}
	if notifier == nil {
		slog.Warn("redis is not configured: recorded pings will not reach API subscribers")
	}
	// Local hub has no subscribers here; it only backs the notifier fallback.
	rel := relay.New(st, relay.NewHub(1), notifier)

	consumer, closeConsumer := f.newConsumer(cfg, topic, group)
	if closeConsumer != nil {
		tw.closers = append(tw.closers, closeConsumer)
	}

	limiter, closeLimiter := f.newRateLimiter(cfg)
	if closeLimiter != nil {
		tw.closers = append(tw.closers, closeLimiter)
	}
	tw.worker = ingest.New(consumer, rel, limiter).WithRateLimit(rlPerMin, -1)
	slog.Info("location ingest configured", "topic", topic, "group", group)
	return tw, nil
}

func (tw *trackWorker) Close() {
	for i := len(tw.closers) - 1; i >= 0; i-- {
		tw.closers[i]()
	}
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	tw, err := newTrackWorker(cfg, f)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer tw.Close()
	return tw.worker.Run(ctx)
}
