package fake

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/BearBump/ShipTrack/internal/integrations/geocoder"
	"github.com/BearBump/ShipTrack/internal/models"
)

// FakeClient - детерминированный геокодер для локального запуска и тестов.
// Одинаковый адрес всегда даёт одинаковые координаты.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Geocode(ctx context.Context, address string) (models.Coordinates, error) {
	key := geocoder.NormalizeAddress(address)
	if key == "" || strings.Contains(key, "nowhere") {
		return models.Coordinates{}, geocoder.ErrNoResult
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	v := h.Sum64()

	lat := float64(v%180_000)/1000 - 90
	lon := float64((v/180_000)%360_000)/1000 - 180
	return models.Coordinates{Lat: lat, Lon: lon}, nil
}
