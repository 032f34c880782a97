// Package notify renders trip lifecycle changes into user-facing
// notifications. A rule table keyed on (previous status, new status, viewer
// role) decides whether a change produces a notification at all; unmatched
// transitions are silent by construction.
package notify

import "context"

// Severity drives client-side presentation: INFO renders green, ALERT red.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityAlert Severity = "ALERT"
)

// Notification channels, one per audience.
const (
	ChannelDriver = "DRIVER_CHANNEL"
	ChannelRider  = "RIDER_CHANNEL"
)

// Notification is one rendered message for one user.
type Notification struct {
	Channel  string
	ID       int
	Title    string
	Body     string
	Severity Severity
}

// Sink delivers rendered notifications to a user's connected devices.
// Delivery is best effort; a sink must not block the caller for long.
type Sink interface {
	Notify(ctx context.Context, userID string, n Notification) error
}
