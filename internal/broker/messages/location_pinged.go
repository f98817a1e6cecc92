package messages

// LocationPinged is what drivers' gateways put on the location topic.
// The timestamp is assigned on record, not taken from the message.
type LocationPinged struct {
	ShipmentRef string  `json:"shipment_ref"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}
