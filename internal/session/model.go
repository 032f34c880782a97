// Package session holds the per-client view of the trip engine: the signed-in
// user, the live trip, the driver's candidate lists, and the observers that
// react to pushed trip changes. All state lives behind one mutex; the model
// is the single exclusive-access boundary between the push pipeline and the
// request handlers.
package session

import (
	"context"
	"fmt"
	"sync"

	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
	"tripsync/internal/general/logger"
	"tripsync/internal/store"
)

// Model caches the session user and trip and republishes trip changes to
// registered observers. One Model exists per connected client session.
type Model struct {
	store  store.Store
	logger *logger.Logger

	mu            sync.Mutex
	sessionUser   *user.User
	sessionTrip   *trip.Trip
	tripList      []trip.Trip
	acceptedTrips []trip.Trip
	observers     map[int]Observer
	nextObserver  int
	tripSub       store.Handle
}

// NewModel creates an empty session over the given store.
func NewModel(st store.Store, log *logger.Logger) *Model {
	return &Model{
		store:     st,
		logger:    log,
		observers: make(map[int]Observer),
	}
}

// SetSessionUser caches the signed-in user.
func (model *Model) SetSessionUser(u *user.User) {
	model.mu.Lock()
	model.sessionUser = u
	model.mu.Unlock()
}

// SessionUser returns the cached signed-in user, or nil.
func (model *Model) SessionUser() *user.User {
	model.mu.Lock()
	defer model.mu.Unlock()
	return model.sessionUser
}

// SetSessionTrip caches the live trip directly, bypassing the subscription.
// Used when the caller just wrote the trip and already has its state.
func (model *Model) SetSessionTrip(t *trip.Trip) {
	model.mu.Lock()
	model.sessionTrip = t
	model.mu.Unlock()
}

// SessionTrip returns a copy of the cached live trip, or nil.
func (model *Model) SessionTrip() *trip.Trip {
	model.mu.Lock()
	defer model.mu.Unlock()
	if model.sessionTrip == nil {
		return nil
	}
	cp := *model.sessionTrip
	return &cp
}

// SetTripList replaces the driver's list of open trip requests.
func (model *Model) SetTripList(trips []trip.Trip) {
	model.mu.Lock()
	model.tripList = trips
	model.mu.Unlock()
}

// TripList returns the driver's cached list of open trip requests.
func (model *Model) TripList() []trip.Trip {
	model.mu.Lock()
	defer model.mu.Unlock()
	out := make([]trip.Trip, len(model.tripList))
	copy(out, model.tripList)
	return out
}

// SetAcceptedTrips replaces the driver's list of trips they have accepted.
func (model *Model) SetAcceptedTrips(trips []trip.Trip) {
	model.mu.Lock()
	model.acceptedTrips = trips
	model.mu.Unlock()
}

// AcceptedTrips returns the driver's cached accepted-trip list.
func (model *Model) AcceptedTrips() []trip.Trip {
	model.mu.Lock()
	defer model.mu.Unlock()
	out := make([]trip.Trip, len(model.acceptedTrips))
	copy(out, model.acceptedTrips)
	return out
}

// AddObserver registers an observer and returns its handle for removal.
func (model *Model) AddObserver(obs Observer) int {
	model.mu.Lock()
	defer model.mu.Unlock()
	id := model.nextObserver
	model.nextObserver++
	model.observers[id] = obs
	return id
}

// RemoveObserver unregisters an observer. Unknown handles are ignored.
func (model *Model) RemoveObserver(id int) {
	model.mu.Lock()
	delete(model.observers, id)
	model.mu.Unlock()
}

// RegisterTripSubscription subscribes the session to the rider's trip
// document. The session holds at most one live trip subscription: a prior
// handle is released before the new one is registered, so snapshots of an
// old trip can never land in the new registration.
func (model *Model) RegisterTripSubscription(riderID string) error {
	model.mu.Lock()
	prior := model.tripSub
	model.tripSub = nil
	model.mu.Unlock()

	if prior != nil {
		prior.Release()
	}

	sub, err := model.store.Subscribe(store.Trips, riderID, model.HandleTripStatusChange)
	if err != nil {
		return fmt.Errorf("subscribe trip %s: %w", riderID, err)
	}

	model.mu.Lock()
	model.tripSub = sub
	model.mu.Unlock()
	return nil
}

// ReleaseTripSubscription drops the live trip subscription, if any.
func (model *Model) ReleaseTripSubscription() {
	model.mu.Lock()
	sub := model.tripSub
	model.tripSub = nil
	model.mu.Unlock()

	if sub != nil {
		sub.Release()
	}
}

// HandleTripStatusChange is the subscription callback: decode, compare with
// the cached trip, update the cache, and notify observers exactly once per
// actual change. Duplicate snapshots carrying the same status refresh the
// cache silently.
func (model *Model) HandleTripStatusChange(snap store.Snapshot, err error) {
	ctx := context.Background()
	if err != nil {
		model.logger.Error(ctx, "trip_snapshot_failed", "Trip subscription delivered an error", err, map[string]any{
			"doc_id": snap.DocID,
		})
		return
	}

	var ev Event
	var notify bool

	model.mu.Lock()
	if model.sessionUser != nil {
		ev.UserID = model.sessionUser.ID
		ev.Role = model.sessionUser.Role
	}
	prev := model.sessionTrip

	if !snap.Exists {
		// document absence is the cancellation signal, but only a session that
		// had the trip cached observed a change
		if prev != nil {
			prevStatus := prev.Status
			ev.PrevStatus = &prevStatus
			ev.Cancelled = true
			model.sessionTrip = nil
			notify = true
		}
	} else {
		var next trip.Trip
		if derr := snap.Decode(&next); derr != nil {
			model.mu.Unlock()
			model.logger.Error(ctx, "trip_snapshot_decode_failed", "Could not decode trip snapshot", derr, map[string]any{
				"doc_id": snap.DocID,
			})
			return
		}

		if prev != nil {
			prevStatus := prev.Status
			ev.PrevStatus = &prevStatus
		}
		nextStatus := next.Status
		ev.Status = &nextStatus
		ev.Trip = &next
		model.sessionTrip = &next

		notify = prev == nil || prev.Status != next.Status
	}

	observers := make([]Observer, 0, len(model.observers))
	for _, obs := range model.observers {
		observers = append(observers, obs)
	}
	model.mu.Unlock()

	if !notify {
		return
	}

	// notify outside the lock so observers may call back into the model
	for _, obs := range observers {
		obs.OnSessionUpdate(ev)
	}
}

// Clear resets the session on sign-out: the trip subscription is released
// first so no callback can observe a half-cleared session, then all cached
// state and observers are dropped.
func (model *Model) Clear() {
	model.ReleaseTripSubscription()

	model.mu.Lock()
	model.sessionUser = nil
	model.sessionTrip = nil
	model.tripList = nil
	model.acceptedTrips = nil
	model.observers = make(map[int]Observer)
	model.mu.Unlock()
}
