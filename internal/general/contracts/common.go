package contracts

import "time"

// Envelope adds cross-cutting headers all messages may carry.
type Envelope struct {
	CorrelationID string    `json:"correlation_id,omitempty"` // correlation for tracing
	Producer      string    `json:"producer,omitempty"`       // producing service name
	SentAt        time.Time `json:"sent_at,omitempty"`        // send time (UTC)
}

// GeoPoint is the wire shape of a location inside messages.
type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}
