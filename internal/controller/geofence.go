package controller

import (
	"context"
	"sync"

	"tripsync/internal/domain/geo"
	"tripsync/internal/domain/trip"
	"tripsync/internal/general/logger"
	"tripsync/internal/session"
)

// Monitor watches a session's location samples and fires the two automatic
// transitions: the driver reaching the pickup point (DRIVER_PICKING_UP ->
// DRIVER_ARRIVED) and the rider reaching the destination (EN_ROUTE ->
// COMPLETED). A latch makes each crossing fire exactly once: it re-arms only
// when the position leaves the fence or the trip status changes, so a stream
// of samples inside the fence produces a single transition.
type Monitor struct {
	controller  *Controller
	toleranceKM float64
	logger      *logger.Logger

	mu       sync.Mutex
	firedFor trip.Status // status whose fence already fired; "" = armed
}

// NewMonitor builds a geofence monitor for the controller's session. A
// non-positive tolerance falls back to the default.
func NewMonitor(controller *Controller, toleranceKM float64, log *logger.Logger) *Monitor {
	if toleranceKM <= 0 {
		toleranceKM = geo.DefaultGeofenceToleranceKM
	}
	return &Monitor{
		controller:  controller,
		toleranceKM: toleranceKM,
		logger:      log,
	}
}

var _ session.Observer = (*Monitor)(nil)

// HandleLocationSample records the new position and evaluates the geofence
// for the session's live trip, if any.
func (monitor *Monitor) HandleLocationSample(ctx context.Context, loc geo.UserLocation) error {
	if err := monitor.controller.UpdateUserLocation(ctx, loc); err != nil {
		return err
	}
	monitor.evaluate(ctx, loc)
	return nil
}

// OnSessionUpdate re-arms the latch on every status change, and for a driver
// entering DRIVER_PICKING_UP immediately re-checks the fence against the last
// known position: the driver may already be standing at the rider's location.
func (monitor *Monitor) OnSessionUpdate(ev session.Event) {
	monitor.mu.Lock()
	monitor.firedFor = ""
	monitor.mu.Unlock()

	if ev.Cancelled || ev.Status == nil {
		return
	}

	u := monitor.controller.Session().SessionUser()
	if u == nil || u.CurrentLocation == nil {
		return
	}
	if u.Role.IsDriver() && *ev.Status == trip.StatusDriverPickingUp {
		monitor.evaluate(context.Background(), *u.CurrentLocation)
	}
}

// evaluate checks the fence relevant to the session's role and trip status.
func (monitor *Monitor) evaluate(ctx context.Context, loc geo.UserLocation) {
	u := monitor.controller.Session().SessionUser()
	t := monitor.controller.Session().SessionTrip()
	if u == nil || t == nil {
		return
	}

	var anchor *geo.UserLocation
	var fire func(context.Context) error

	switch {
	case u.Role.IsDriver() && t.Status == trip.StatusDriverPickingUp:
		anchor = &t.StartLocation
		fire = monitor.controller.HandleNotifyRiderForPickup
	case u.Role.IsRider() && t.Status == trip.StatusEnRoute && t.EndLocation != nil:
		anchor = t.EndLocation
		fire = monitor.controller.CompleteTrip
	default:
		return
	}

	inside := geo.WithinGeofence(loc, *anchor, monitor.toleranceKM)

	monitor.mu.Lock()
	if !inside {
		// left the fence: re-arm so the next entry fires again
		if monitor.firedFor == t.Status {
			monitor.firedFor = ""
		}
		monitor.mu.Unlock()
		return
	}
	if monitor.firedFor == t.Status {
		monitor.mu.Unlock()
		return
	}
	monitor.firedFor = t.Status
	monitor.mu.Unlock()

	ctx = monitor.logger.WithTripID(ctx, t.RiderID)
	if err := fire(ctx); err != nil {
		// the write did not land; re-arm so a later sample can retry
		monitor.mu.Lock()
		if monitor.firedFor == t.Status {
			monitor.firedFor = ""
		}
		monitor.mu.Unlock()
		monitor.logger.Error(ctx, "geofence_transition_failed", "Geofence-triggered transition failed", err, map[string]any{
			"status": t.Status,
		})
		return
	}

	monitor.logger.Info(ctx, "geofence_triggered", "Geofence crossing advanced the trip", map[string]any{
		"status":       t.Status,
		"tolerance_km": monitor.toleranceKM,
	})
}
