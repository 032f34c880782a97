// Package controller drives the trip lifecycle on behalf of one client
// session: explicit rider/driver actions, the geofence monitor's automatic
// transitions, and the queries backing the driver's trip lists. Writes go to
// the shared document store; state flows back through the session's push
// subscription.
package controller

import (
	"context"
	"errors"
	"fmt"

	"tripsync/internal/domain/geo"
	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
	"tripsync/internal/general/logger"
	"tripsync/internal/observability"
	"tripsync/internal/session"
	"tripsync/internal/store"
)

var (
	// ErrNotAuthenticated reports an operation without a session user.
	ErrNotAuthenticated = errors.New("controller: not authenticated")
	// ErrForbiddenRole reports an operation invoked by the wrong role.
	ErrForbiddenRole = errors.New("controller: operation not allowed for role")
	// ErrNoActiveTrip reports a lifecycle action with no live trip in session.
	ErrNoActiveTrip = errors.New("controller: no active trip")
	// ErrTripActive reports a trip request while a live trip already exists.
	ErrTripActive = errors.New("controller: an active trip already exists")
	// ErrTripClaimed reports a driver accept that lost the claim race.
	ErrTripClaimed = errors.New("controller: trip already claimed by another driver")
)

// FareCharger creates a payment token when a trip completes. Settlement is
// out of scope; the engine only records the token handshake.
type FareCharger interface {
	CreateFareToken(ctx context.Context, tripID string, amount float64) (string, error)
}

// searchRadiusKM bounds the pending-trip search around a driver.
const searchRadiusKM = 25.0

// Controller executes trip operations for one client session.
type Controller struct {
	store    store.Store
	session  *session.Model
	pending  *store.PendingTripIndex // may be nil (no geo index configured)
	payments FareCharger             // may be nil (payments disabled)
	metrics  *observability.Metrics  // may be nil in tests
	logger   *logger.Logger
}

// New wires a controller over the session it serves.
func New(st store.Store, model *session.Model, pending *store.PendingTripIndex, payments FareCharger, metrics *observability.Metrics, log *logger.Logger) *Controller {
	return &Controller{
		store:    st,
		session:  model,
		pending:  pending,
		payments: payments,
		metrics:  metrics,
		logger:   log,
	}
}

// Session exposes the model this controller operates on.
func (controller *Controller) Session() *session.Model {
	return controller.session
}

// CreateTrip publishes a rider's trip request and subscribes the session to
// it. The document is keyed by the rider's id, so a rider can only ever have
// one live trip; a non-terminal existing trip blocks the request.
func (controller *Controller) CreateTrip(ctx context.Context, start geo.UserLocation, end *geo.UserLocation, fareOffering float64) (*trip.Trip, error) {
	rider, err := controller.requireRole(user.RoleRider)
	if err != nil {
		return nil, err
	}

	var existing trip.Trip
	err = controller.store.Get(ctx, store.Trips, rider.ID, &existing)
	if err == nil && !existing.Status.Terminal() {
		return nil, ErrTripActive
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, controller.storeErr("get", err)
	}

	t, err := trip.NewTrip(rider.ID, rider.Username, start, end, fareOffering)
	if err != nil {
		return nil, err
	}

	if err := controller.store.Create(ctx, store.Trips, t.RiderID, t); err != nil {
		return nil, controller.storeErr("create", err)
	}

	if controller.pending != nil {
		if err := controller.pending.Add(ctx, t.RiderID, start.Lat, start.Lng); err != nil {
			controller.logger.Error(ctx, "pending_index_add_failed", "Could not index pending trip", err, map[string]any{"trip_id": t.RiderID})
		}
	}

	if err := controller.session.RegisterTripSubscription(t.RiderID); err != nil {
		return nil, err
	}
	controller.session.SetSessionTrip(t)

	controller.logger.Info(controller.logger.WithTripID(ctx, t.RiderID), "trip_created", "Trip request published", map[string]any{
		"fare_offering": t.FareOffering,
	})
	return t, nil
}

// RaiseFareOffering bumps the rider's offer on a still-pending trip. Offers
// only ever go up; a decrease fails before touching the store.
func (controller *Controller) RaiseFareOffering(ctx context.Context, fare float64) (*trip.Trip, error) {
	rider, err := controller.requireRole(user.RoleRider)
	if err != nil {
		return nil, err
	}

	current := controller.session.SessionTrip()
	if current == nil {
		return nil, ErrNoActiveTrip
	}
	if err := current.RaiseFareOffering(fare); err != nil {
		return nil, err
	}

	err = controller.store.UpdateIf(ctx, store.Trips, rider.ID,
		map[string]any{"fareOffering": fare},
		map[string]any{"status": trip.StatusPending})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, trip.ErrInvalidTransition
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveTrip
		}
		return nil, controller.storeErr("update_if", err)
	}

	controller.session.SetSessionTrip(current)
	return current, nil
}

// HandleDriverTripSelect claims a pending trip for the session driver. The
// claim is a conditional write on the trip still being PENDING: of several
// concurrent drivers exactly one wins, the rest get ErrTripClaimed.
func (controller *Controller) HandleDriverTripSelect(ctx context.Context, riderID string) (*trip.Trip, error) {
	driver, err := controller.requireRole(user.RoleDriver)
	if err != nil {
		return nil, err
	}

	err = controller.store.UpdateIf(ctx, store.Trips, riderID,
		map[string]any{"status": trip.StatusDriverAccept, "driverID": driver.ID},
		map[string]any{"status": trip.StatusPending})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrTripClaimed
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveTrip
		}
		return nil, controller.storeErr("update_if", err)
	}
	controller.countTransition(trip.StatusPending, trip.StatusDriverAccept)

	if controller.pending != nil {
		if err := controller.pending.Remove(ctx, riderID); err != nil {
			controller.logger.Error(ctx, "pending_index_remove_failed", "Could not unindex claimed trip", err, map[string]any{"trip_id": riderID})
		}
	}

	var claimed trip.Trip
	if err := controller.store.Get(ctx, store.Trips, riderID, &claimed); err != nil {
		return nil, controller.storeErr("get", err)
	}

	if err := controller.session.RegisterTripSubscription(riderID); err != nil {
		return nil, err
	}
	controller.session.SetSessionTrip(&claimed)

	controller.logger.Info(controller.logger.WithTripID(ctx, riderID), "trip_claimed", "Driver accepted trip request", map[string]any{
		"driver_id": driver.ID,
	})
	return &claimed, nil
}

// HandleNotifyDriverForPickup is the rider confirming the accepting driver:
// DRIVER_ACCEPT -> DRIVER_PICKING_UP.
func (controller *Controller) HandleNotifyDriverForPickup(ctx context.Context) error {
	if _, err := controller.requireRole(user.RoleRider); err != nil {
		return err
	}
	return controller.advance(ctx, trip.StatusDriverAccept, trip.StatusDriverPickingUp)
}

// HandleNotifyRiderForPickup marks the driver as arrived at the pickup
// point: DRIVER_PICKING_UP -> DRIVER_ARRIVED. Normally fired by the geofence
// monitor, but callable explicitly.
func (controller *Controller) HandleNotifyRiderForPickup(ctx context.Context) error {
	if _, err := controller.requireRole(user.RoleDriver); err != nil {
		return err
	}
	return controller.advance(ctx, trip.StatusDriverPickingUp, trip.StatusDriverArrived)
}

// BeginTrip is the rider starting the ride: DRIVER_ARRIVED -> EN_ROUTE.
// Never geofence-triggered; only an explicit action starts the ride.
func (controller *Controller) BeginTrip(ctx context.Context) error {
	if _, err := controller.requireRole(user.RoleRider); err != nil {
		return err
	}
	return controller.advance(ctx, trip.StatusDriverArrived, trip.StatusEnRoute)
}

// CompleteTrip finishes the ride: EN_ROUTE -> COMPLETED. Fired by the
// geofence monitor on destination arrival or explicitly. The payment token
// handshake is best effort and never blocks completion.
func (controller *Controller) CompleteTrip(ctx context.Context) error {
	u := controller.session.SessionUser()
	if u == nil {
		return ErrNotAuthenticated
	}

	current := controller.session.SessionTrip()
	if current == nil {
		return ErrNoActiveTrip
	}

	if err := controller.advance(ctx, trip.StatusEnRoute, trip.StatusCompleted); err != nil {
		return err
	}

	if controller.payments != nil {
		if _, err := controller.payments.CreateFareToken(ctx, current.RiderID, current.FareOffering); err != nil {
			controller.logger.Error(ctx, "fare_token_failed", "Could not create fare token", err, map[string]any{
				"trip_id": current.RiderID,
				"amount":  current.FareOffering,
			})
		}
	}
	return nil
}

// DeleteRiderCurrentTrip cancels the live trip by removing its document.
// Subscribers observe the absence; there is no explicit cancelled status.
func (controller *Controller) DeleteRiderCurrentTrip(ctx context.Context) error {
	u := controller.session.SessionUser()
	if u == nil {
		return ErrNotAuthenticated
	}

	current := controller.session.SessionTrip()
	if current == nil {
		return ErrNoActiveTrip
	}

	if err := controller.store.Delete(ctx, store.Trips, current.RiderID); err != nil {
		return controller.storeErr("delete", err)
	}

	if controller.pending != nil {
		if err := controller.pending.Remove(ctx, current.RiderID); err != nil {
			controller.logger.Error(ctx, "pending_index_remove_failed", "Could not unindex cancelled trip", err, map[string]any{"trip_id": current.RiderID})
		}
	}

	controller.logger.Info(controller.logger.WithTripID(ctx, current.RiderID), "trip_cancelled", "Trip document deleted", nil)
	return nil
}

// UpdateUserLocation merges the session user's new position into their
// account document and refreshes the session cache.
func (controller *Controller) UpdateUserLocation(ctx context.Context, loc geo.UserLocation) error {
	u := controller.session.SessionUser()
	if u == nil {
		return ErrNotAuthenticated
	}
	if err := loc.Validate(); err != nil {
		return err
	}

	col := store.Riders
	if u.Role.IsDriver() {
		col = store.Drivers
	}
	err := controller.store.Update(ctx, col, u.ID, map[string]any{"currentLocation": loc})
	if err != nil {
		return controller.storeErr("update", err)
	}

	updated := *u
	updated.CurrentLocation = &loc
	controller.session.SetSessionUser(&updated)
	return nil
}

// GetTripsForUser returns the open trip requests a driver can take, closest
// first when the geo index is available, and caches them on the session.
func (controller *Controller) GetTripsForUser(ctx context.Context) ([]trip.Trip, error) {
	driver, err := controller.requireRole(user.RoleDriver)
	if err != nil {
		return nil, err
	}

	var trips []trip.Trip
	if controller.pending != nil && driver.CurrentLocation != nil {
		ids, err := controller.pending.Nearby(ctx, driver.CurrentLocation.Lat, driver.CurrentLocation.Lng, searchRadiusKM, 50)
		if err != nil {
			return nil, fmt.Errorf("search nearby trips: %w", err)
		}
		for _, id := range ids {
			var t trip.Trip
			if err := controller.store.Get(ctx, store.Trips, id, &t); err != nil {
				continue // index may lag behind the store
			}
			if t.Status == trip.StatusPending {
				trips = append(trips, t)
			}
		}
	} else {
		snaps, err := controller.store.List(ctx, store.Trips)
		if err != nil {
			return nil, controller.storeErr("list", err)
		}
		for _, snap := range snaps {
			var t trip.Trip
			if err := snap.Decode(&t); err != nil {
				continue
			}
			if t.Status == trip.StatusPending {
				trips = append(trips, t)
			}
		}
	}

	controller.session.SetTripList(trips)
	return trips, nil
}

// GetPendingTripsForDriver returns the trips this driver has accepted that
// still await the rider's pickup confirmation, and caches them.
func (controller *Controller) GetPendingTripsForDriver(ctx context.Context) ([]trip.Trip, error) {
	driver, err := controller.requireRole(user.RoleDriver)
	if err != nil {
		return nil, err
	}

	snaps, err := controller.store.List(ctx, store.Trips)
	if err != nil {
		return nil, controller.storeErr("list", err)
	}

	var accepted []trip.Trip
	for _, snap := range snaps {
		var t trip.Trip
		if err := snap.Decode(&t); err != nil {
			continue
		}
		if t.DriverID == driver.ID && t.Status == trip.StatusDriverAccept {
			accepted = append(accepted, t)
		}
	}

	controller.session.SetAcceptedTrips(accepted)
	return accepted, nil
}

// UpdateDriverRating applies one thumbs up/down to a driver, clamped to the
// rating bounds.
func (controller *Controller) UpdateDriverRating(ctx context.Context, driverID string, thumbsUp bool) error {
	if _, err := controller.requireRole(user.RoleRider); err != nil {
		return err
	}

	var driver user.User
	if err := controller.store.Get(ctx, store.Drivers, driverID, &driver); err != nil {
		return controller.storeErr("get", err)
	}

	driver.ApplyThumb(thumbsUp)
	err := controller.store.Update(ctx, store.Drivers, driverID, map[string]any{"rating": driver.Rating})
	if err != nil {
		return controller.storeErr("update", err)
	}

	controller.logger.Info(ctx, "driver_rated", "Driver rating adjusted", map[string]any{
		"driver_id": driverID,
		"thumbs_up": thumbsUp,
		"rating":    driver.Rating,
	})
	return nil
}

// LoadSessionTrip rehydrates the session's live trip after sign-in or
// restart: the rider's own document, or for drivers a scan for the trip they
// are currently serving.
func (controller *Controller) LoadSessionTrip(ctx context.Context) (*trip.Trip, error) {
	u := controller.session.SessionUser()
	if u == nil {
		return nil, ErrNotAuthenticated
	}

	var live *trip.Trip
	if u.Role.IsRider() {
		var t trip.Trip
		err := controller.store.Get(ctx, store.Trips, u.ID, &t)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, controller.storeErr("get", err)
		}
		if err == nil && !t.Status.Terminal() {
			live = &t
		}
	} else {
		snaps, err := controller.store.List(ctx, store.Trips)
		if err != nil {
			return nil, controller.storeErr("list", err)
		}
		for _, snap := range snaps {
			var t trip.Trip
			if err := snap.Decode(&t); err != nil {
				continue
			}
			if t.DriverID == u.ID && !t.Status.Terminal() {
				live = &t
				break
			}
		}
	}

	if live == nil {
		return nil, nil
	}

	if err := controller.session.RegisterTripSubscription(live.RiderID); err != nil {
		return nil, err
	}
	controller.session.SetSessionTrip(live)
	return live, nil
}

// advance moves the live trip from one status to its immediate successor.
// The cached state fails fast without touching the store; the conditional
// write then guards against a concurrent or stale transition.
func (controller *Controller) advance(ctx context.Context, from, to trip.Status) error {
	current := controller.session.SessionTrip()
	if current == nil {
		return ErrNoActiveTrip
	}
	if current.Status != from {
		return trip.ErrInvalidTransition
	}
	if !from.CanAdvanceTo(to) {
		return trip.ErrInvalidTransition
	}

	err := controller.store.UpdateIf(ctx, store.Trips, current.RiderID,
		map[string]any{"status": to},
		map[string]any{"status": from})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return trip.ErrInvalidTransition
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoActiveTrip
		}
		return controller.storeErr("update_if", err)
	}
	controller.countTransition(from, to)

	controller.logger.Info(controller.logger.WithTripID(ctx, current.RiderID), "trip_advanced", "Trip status transition applied", map[string]any{
		"from": from,
		"to":   to,
	})
	return nil
}

// requireRole resolves the session user and checks their role.
func (controller *Controller) requireRole(role user.Role) (*user.User, error) {
	u := controller.session.SessionUser()
	if u == nil {
		return nil, ErrNotAuthenticated
	}
	if u.Role != role {
		return nil, ErrForbiddenRole
	}
	return u, nil
}

func (controller *Controller) countTransition(from, to trip.Status) {
	if controller.metrics != nil {
		controller.metrics.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	}
}

func (controller *Controller) storeErr(op string, err error) error {
	if controller.metrics != nil {
		controller.metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
	return err
}
