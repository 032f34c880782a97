package notify

import (
	"context"

	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
	"tripsync/internal/general/logger"
	"tripsync/internal/observability"
	"tripsync/internal/session"
)

// statusCancelled is the table key for "the trip document disappeared".
// It is not a real lifecycle status and never appears on a Trip.
const statusCancelled trip.Status = ""

type transitionKey struct {
	prev trip.Status
	next trip.Status
	role user.Role
}

type rule struct {
	id       int
	title    string
	body     string
	severity Severity
	// bodyFor overrides body with trip-specific content when set
	bodyFor func(*trip.Trip) string
}

// rules is the complete transition-to-notification table. A missing entry
// means the transition is silent for that viewer; notably the EN_ROUTE
// forward transition notifies no one (the rider triggered it themselves and
// the driver is looking at the road).
var rules = map[transitionKey]rule{
	// cancellations: the trip vanished mid-lifecycle
	{trip.StatusDriverAccept, statusCancelled, user.RoleDriver}: {
		id:       1,
		title:    "Ride declined",
		body:     "Unfortunately, a rider has declined your offer.",
		severity: SeverityAlert,
	},
	{trip.StatusDriverPickingUp, statusCancelled, user.RoleDriver}: {
		id:       2,
		title:    "Rider no longer needs to be picked up",
		body:     "Unfortunately, the rider no longer needs a ride from you.",
		severity: SeverityAlert,
	},
	{trip.StatusEnRoute, statusCancelled, user.RoleDriver}: {
		id:       3,
		title:    "Trip stopped",
		body:     "Unfortunately, a rider or driver has stopped this trip.",
		severity: SeverityAlert,
	},
	{trip.StatusEnRoute, statusCancelled, user.RoleRider}: {
		id:       3,
		title:    "Trip stopped",
		body:     "Unfortunately, a rider or driver has stopped this trip.",
		severity: SeverityAlert,
	},

	// forward progress
	{trip.StatusPending, trip.StatusDriverAccept, user.RoleRider}: {
		id:       4,
		title:    "Request accepted",
		body:     "A driver has accepted your request!",
		severity: SeverityInfo,
	},
	{trip.StatusDriverAccept, trip.StatusDriverPickingUp, user.RoleRider}: {
		id:       5,
		title:    "Ride on the way",
		body:     "Your ride is on the way!",
		severity: SeverityInfo,
	},
	{trip.StatusDriverAccept, trip.StatusDriverPickingUp, user.RoleDriver}: {
		id:       6,
		title:    "The rider has accepted and is now ready for pickup!",
		severity: SeverityInfo,
		bodyFor: func(t *trip.Trip) string {
			return "Rider username: " + t.RiderUserName
		},
	},
	{trip.StatusDriverPickingUp, trip.StatusDriverArrived, user.RoleRider}: {
		id:       7,
		title:    "Driver arrived",
		body:     "Your driver has arrived!",
		severity: SeverityInfo,
	},
	{trip.StatusEnRoute, trip.StatusCompleted, user.RoleRider}: {
		id:       8,
		title:    "Trip completed. Your destination has been reached!",
		severity: SeverityInfo,
		bodyFor:  arrivalBody,
	},
	{trip.StatusEnRoute, trip.StatusCompleted, user.RoleDriver}: {
		id:       8,
		title:    "Trip completed. Your destination has been reached!",
		severity: SeverityInfo,
		bodyFor:  arrivalBody,
	},
}

func arrivalBody(t *trip.Trip) string {
	if t != nil && t.EndLocation != nil && t.EndLocation.Address != "" {
		return "You have arrived at: " + t.EndLocation.Address
	}
	return "You have arrived at your destination."
}

// ForTransition renders the notification for one observed change, or nil
// when the change is silent for this viewer. prev is nil on the initial
// snapshot of a fresh subscription (never a notification), next is nil when
// the trip was cancelled.
func ForTransition(prev, next *trip.Status, role user.Role, t *trip.Trip) *Notification {
	if prev == nil {
		return nil
	}

	key := transitionKey{prev: *prev, next: statusCancelled, role: role}
	if next != nil {
		if *next == *prev {
			return nil
		}
		key.next = *next
	}

	r, ok := rules[key]
	if !ok {
		return nil
	}

	body := r.body
	if r.bodyFor != nil {
		body = r.bodyFor(t)
	}

	channel := ChannelRider
	if role.IsDriver() {
		channel = ChannelDriver
	}

	return &Notification{
		Channel:  channel,
		ID:       r.id,
		Title:    r.title,
		Body:     body,
		Severity: r.severity,
	}
}

// Dispatcher observes a session and forwards its trip changes to a sink.
type Dispatcher struct {
	sink    Sink
	logger  *logger.Logger
	metrics *observability.Metrics
}

// NewDispatcher builds a session observer over the given sink. metrics may
// be nil in tests.
func NewDispatcher(sink Sink, log *logger.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{sink: sink, logger: log, metrics: metrics}
}

var _ session.Observer = (*Dispatcher)(nil)

// OnSessionUpdate renders and delivers at most one notification per event.
func (dispatcher *Dispatcher) OnSessionUpdate(ev session.Event) {
	n := ForTransition(ev.PrevStatus, ev.Status, ev.Role, ev.Trip)
	if n == nil {
		return
	}

	ctx := context.Background()
	if err := dispatcher.sink.Notify(ctx, ev.UserID, *n); err != nil {
		dispatcher.logger.Error(ctx, "notification_delivery_failed", "Could not deliver notification", err, map[string]any{
			"user_id": ev.UserID,
			"channel": n.Channel,
			"id":      n.ID,
		})
		return
	}

	if dispatcher.metrics != nil {
		dispatcher.metrics.NotificationsTotal.WithLabelValues(n.Channel).Inc()
	}
	dispatcher.logger.Info(ctx, "notification_sent", "Notification dispatched", map[string]any{
		"user_id": ev.UserID,
		"channel": n.Channel,
		"id":      n.ID,
		"title":   n.Title,
	})
}
