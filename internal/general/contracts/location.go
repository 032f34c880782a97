package contracts

import "time"

// LocationSample is one periodic position fix from a device, produced by the
// map surface and consumed by the geofence monitor.
type LocationSample struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // RIDER | DRIVER
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Envelope
}
