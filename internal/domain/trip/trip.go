package trip

import (
	"errors"
	"strings"

	"tripsync/internal/domain/geo"
)

// Trip is the shared record representing one ride transaction. It is keyed in
// the document store by the rider's identity id, so a rider has at most one
// live trip at a time. The field tags define the document schema.
type Trip struct {
	RiderID       string            `json:"riderID"`
	DriverID      string            `json:"driverID,omitempty"` // empty until a driver accepts
	RiderUserName string            `json:"riderUserName"`
	StartLocation geo.UserLocation  `json:"startLocation"`
	EndLocation   *geo.UserLocation `json:"endLocation,omitempty"` // nil until destination confirmed
	FareOffering  float64           `json:"fareOffering"`
	Status        Status            `json:"status"`
}

var (
	ErrRiderRequired     = errors.New("rider id is required")
	ErrNegativeFare      = errors.New("fare offering must be non-negative")
	ErrFareDecrease      = errors.New("fare offering can never decrease")
	ErrInvalidTransition = errors.New("invalid trip status transition")
	ErrDriverRequired    = errors.New("driver id is required")
	ErrAlreadyAccepted   = errors.New("trip already has a driver")
)

// NewTrip creates a trip request in PENDING state with no driver assigned.
func NewTrip(riderID, riderUserName string, start geo.UserLocation, end *geo.UserLocation, fareOffering float64) (*Trip, error) {
	t := &Trip{
		RiderID:       strings.TrimSpace(riderID),
		RiderUserName: strings.TrimSpace(riderUserName),
		StartLocation: start,
		EndLocation:   end,
		FareOffering:  fareOffering,
		Status:        StatusPending,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks invariants of the Trip entity.
func (t *Trip) Validate() error {
	if t.RiderID == "" {
		return ErrRiderRequired
	}
	if t.FareOffering < 0 {
		return ErrNegativeFare
	}
	if err := t.StartLocation.Validate(); err != nil {
		return err
	}
	if t.EndLocation != nil {
		if err := t.EndLocation.Validate(); err != nil {
			return err
		}
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// Advance moves the trip to the next lifecycle stage. It fails with
// ErrInvalidTransition unless `to` is the immediate successor of the current
// status, so stale or duplicate callers cannot skip or repeat stages.
func (t *Trip) Advance(to Status) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	if !t.Status.CanAdvanceTo(to) {
		return ErrInvalidTransition
	}
	t.Status = to
	return nil
}

// AssignDriver records the accepting driver and moves PENDING -> DRIVER_ACCEPT.
func (t *Trip) AssignDriver(driverID string) error {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return ErrDriverRequired
	}
	if t.DriverID != "" {
		return ErrAlreadyAccepted
	}
	if err := t.Advance(StatusDriverAccept); err != nil {
		return err
	}
	t.DriverID = driverID
	return nil
}

// RaiseFareOffering increases the rider's offer. Offers only ever go up.
func (t *Trip) RaiseFareOffering(fare float64) error {
	if fare < t.FareOffering {
		return ErrFareDecrease
	}
	t.FareOffering = fare
	return nil
}
