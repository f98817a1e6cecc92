package geocoder

import (
	"context"
	"strings"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

var ErrNoResult = errors.New("address not found")

type Client interface {
	Geocode(ctx context.Context, address string) (models.Coordinates, error)
}

// NormalizeAddress is the cache key form of an address.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}
