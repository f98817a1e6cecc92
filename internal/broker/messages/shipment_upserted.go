package messages

import "time"

// ShipmentUpserted is published after a shipment commit.
type ShipmentUpserted struct {
	RefCode        string  `json:"ref_code"`
	TrackingSeq    int     `json:"tracking_seq"`
	TrackingNumber string  `json:"tracking_number"`
	Status         string  `json:"status"`
	Result         string  `json:"result"`
	DestLat        float64 `json:"dest_lat"`
	DestLon        float64 `json:"dest_lon"`
	// ReusedFrom is the ref of the delivered shipment whose slot was taken.
	ReusedFrom string    `json:"reused_from,omitempty"`
	At         time.Time `json:"at"`
}
