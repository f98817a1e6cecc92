package cached

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder"
	"github.com/BearBump/ShipTrack/internal/models"
)

// Client remembers successful lookups; failures are never cached.
type Client struct {
	next  geocoder.Client
	cache cache.BytesCache
	ttl   time.Duration
}

func New(next geocoder.Client, c cache.BytesCache, ttl time.Duration) *Client {
	return &Client{next: next, cache: c, ttl: ttl}
}

func (c *Client) Geocode(ctx context.Context, address string) (models.Coordinates, error) {
	if c.cache == nil || c.ttl <= 0 {
		return c.next.Geocode(ctx, address)
	}

	key := cacheKey(address)
	if b, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var coords models.Coordinates
		if json.Unmarshal(b, &coords) == nil {
			return coords, nil
		}
	}

	coords, err := c.next.Geocode(ctx, address)
	if err != nil {
		return models.Coordinates{}, err
	}
	b, _ := json.Marshal(coords)
	if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
		slog.Warn("geocode cache set", "error", err.Error())
	}
	return coords, nil
}

func cacheKey(address string) string {
	return "geocode:" + geocoder.NormalizeAddress(address)
}
