package models

import (
	"fmt"
	"strings"
	"time"
)

// Диапазон слотов трекинга.
const (
	MinTrackingSeq = 1
	MaxTrackingSeq = 10_000

	TrackingNumberPrefix = "MC-"
)

// StatusDelivered is the only status the slot invariant cares about.
const StatusDelivered = "delivered"

// Phase is the binary view of a free-form status used by the allocator.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseDelivered
)

type UpsertResult string

const (
	UpsertCreated UpsertResult = "created"
	UpsertUpdated UpsertResult = "updated"
)

type Shipment struct {
	ID                 uint64    `json:"id"`
	RefCode            string    `json:"ref_code"`
	TrackingSeq        int       `json:"tracking_seq"`
	TrackingNumber     string    `json:"tracking_number"`
	Status             string    `json:"status"`
	DestinationAddress string    `json:"destination_address"`
	DestLat            float64   `json:"dest_lat"`
	DestLon            float64   `json:"dest_lon"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s *Shipment) Phase() Phase {
	return PhaseOf(s.Status)
}

type LocationPing struct {
	ID          uint64    `json:"id"`
	ShipmentRef string    `json:"shipment_ref"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	TS          time.Time `json:"ts"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type ShipmentInput struct {
	RefCode            string `json:"ref_code"`
	Status             string `json:"status"`
	DestinationAddress string `json:"destination_address"`
	TrackingSeq        *int   `json:"tracking_seq,omitempty"`
}

func TrackingNumber(seq int) string {
	return fmt.Sprintf("%s%06d", TrackingNumberPrefix, seq)
}

func SeqInRange(seq int) bool {
	return seq >= MinTrackingSeq && seq <= MaxTrackingSeq
}

// NormalizeStatus lowercases, trims and joins whitespace runs with "_".
func NormalizeStatus(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), "_")
}

func PhaseOf(status string) Phase {
	if NormalizeStatus(status) == StatusDelivered {
		return PhaseDelivered
	}
	return PhaseActive
}

func IsDelivered(status string) bool {
	return PhaseOf(status) == PhaseDelivered
}

func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
