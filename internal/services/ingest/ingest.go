package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

type Consumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type Recorder interface {
	Record(ctx context.Context, ref string, lat, lon float64) (*models.LocationPing, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Worker moves location.pinged messages into the relay.
type Worker struct {
	consumer Consumer
	recorder Recorder
	rl       RateLimiter

	rateLimitPerMinute int64
	throttle           time.Duration

	startedAtUnixNano   int64
	lastMessageUnixNano atomic.Int64
	totalReceived       atomic.Int64
	totalRecorded       atomic.Int64
	totalSkipped        atomic.Int64
	totalThrottled      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(consumer Consumer, recorder Recorder, rl RateLimiter) *Worker {
	return &Worker{
		consumer:           consumer,
		recorder:           recorder,
		rl:                 rl,
		rateLimitPerMinute: 120,
		throttle:           500 * time.Millisecond,
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithRateLimit(perMinute int64, throttle time.Duration) *Worker {
	if perMinute > 0 {
		w.rateLimitPerMinute = perMinute
	}
	if throttle >= 0 {
		w.throttle = throttle
	}
	return w
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	TotalReceived  int64      `json:"totalReceived"`
	TotalRecorded  int64      `json:"totalRecorded"`
	TotalSkipped   int64      `json:"totalSkipped"`
	TotalThrottled int64      `json:"totalThrottled"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalReceived:  w.totalReceived.Load(),
		TotalRecorded:  w.totalRecorded.Load(),
		TotalSkipped:   w.totalSkipped.Load(),
		TotalThrottled: w.totalThrottled.Load(),
		TotalErrors:    w.totalErrors.Load(),
	}
	if n := w.lastMessageUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastMessageAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

// Run consumes until ctx is done or a message cannot be stored. In the
// second case the offset stays uncommitted and the group picks the message
// up again after restart.
func (w *Worker) Run(ctx context.Context) error {
	err := w.consumer.Consume(ctx, func(key, value []byte) error {
		return w.Handle(ctx, key, value)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Handle returns nil for messages that should be committed, including the
// ones that can never succeed.
func (w *Worker) Handle(ctx context.Context, key, value []byte) error {
	now := time.Now().UTC()
	w.lastMessageUnixNano.Store(now.UnixNano())
	w.totalReceived.Add(1)

	var msg messages.LocationPinged
	if err := json.Unmarshal(value, &msg); err != nil {
		w.totalSkipped.Add(1)
		slog.Warn("skip malformed location message", "key", string(key), "error", err.Error())
		return nil
	}
	ref := strings.TrimSpace(msg.ShipmentRef)
	if ref == "" {
		ref = strings.TrimSpace(string(key))
	}

	if w.rl != nil && w.rateLimitPerMinute > 0 && ref != "" {
		minuteKey := fmt.Sprintf("rl:loc:%s:%s", ref, now.Format("200601021504"))
		allowed, n, err := w.rl.Allow(ctx, minuteKey, w.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("rate limiter", "error", err.Error())
		} else if !allowed {
			// Слишком частые пинги по одному ref: притормаживаем, но не теряем.
			w.totalThrottled.Add(1)
			slog.Warn("location rate limit exceeded", "ref", ref, "count", n)
			select {
			case <-ctx.Done():
				// Not committed, so the message comes back after restart.
				return ctx.Err()
			case <-time.After(w.throttle):
			}
		}
	}

	_, err := w.recorder.Record(ctx, ref, msg.Lat, msg.Lon)
	switch {
	case err == nil:
		w.totalRecorded.Add(1)
		return nil
	case errors.Is(err, models.ErrMissingFields), errors.Is(err, models.ErrInvalidLocation):
		w.totalSkipped.Add(1)
		slog.Warn("skip invalid location message", "ref", ref, "error", err.Error())
		return nil
	default:
		w.totalErrors.Add(1)
		w.lastErrorMu.Lock()
		w.lastError = err.Error()
		w.lastErrorMu.Unlock()
		slog.Error("record location", "ref", ref, "error", err.Error())
		return err
	}
}
