package session

import (
	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
)

// Event describes one observed change of the session's trip. PrevStatus is
// the status the session had cached before the change (nil when no trip was
// cached), Status the new one (nil when the trip disappeared). Cancelled is
// set when a cached trip's document stopped existing. UserID and Role
// identify whose session observed the change.
type Event struct {
	UserID     string
	Role       user.Role
	PrevStatus *trip.Status
	Status     *trip.Status
	Cancelled  bool
	Trip       *trip.Trip // new state; nil on cancellation
}

// Observer receives session trip events. Callbacks arrive serialized, one at
// a time, and must not block for long: they run on the store's dispatch
// goroutine.
type Observer interface {
	OnSessionUpdate(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (fn ObserverFunc) OnSessionUpdate(ev Event) { fn(ev) }
