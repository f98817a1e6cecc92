// Package storage declares what a durable shipment store has to provide.
// Implementations live in pgshipment (Postgres) and sqliteshipment (single node).
package storage

import (
	"context"

	"github.com/BearBump/ShipTrack/internal/models"
)

// SlotTx is the view of the store inside one serialized slot transaction.
// Everything observed through it is consistent until the transaction ends.
type SlotTx interface {
	ReadPointer(ctx context.Context) (int, error)
	AdvancePointer(ctx context.Context, seq int) error
	IsSlotActive(ctx context.Context, seq int) (bool, error)

	// ShipmentByRef returns nil, nil when nothing matches.
	ShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error)
	// LatestShipmentBySeq returns the newest row bound to seq regardless of status, or nil.
	LatestShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error)
	InsertShipment(ctx context.Context, sh *models.Shipment) error
	UpdateShipment(ctx context.Context, sh *models.Shipment) error
	ArchiveShipment(ctx context.Context, sh *models.Shipment) error
}

type ShipmentStore interface {
	// WithSlotLock runs fn in a transaction serialized against every other caller.
	// fn's error rolls the transaction back and is returned as is.
	WithSlotLock(ctx context.Context, fn func(ctx context.Context, tx SlotTx) error) error

	ListShipments(ctx context.Context) ([]*models.Shipment, error)
	GetShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error)
	GetActiveShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error)
}

type PingStore interface {
	InsertPing(ctx context.Context, p *models.LocationPing) error
	ListPings(ctx context.Context, ref string, limit int) ([]*models.LocationPing, error)
}

// Store is what the API process opens: both halves on one database.
type Store interface {
	ShipmentStore
	PingStore
}
