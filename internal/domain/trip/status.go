package trip

import (
	"errors"
	"strings"
)

// Status is a trip lifecycle stage. Cancellation is not a status value: a
// cancelled trip is signalled by the trip document no longer existing.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusDriverAccept    Status = "DRIVER_ACCEPT"
	StatusDriverPickingUp Status = "DRIVER_PICKING_UP"
	StatusDriverArrived   Status = "DRIVER_ARRIVED"
	StatusEnRoute         Status = "EN_ROUTE"
	StatusCompleted       Status = "COMPLETED"
)

var ErrInvalidStatus = errors.New("invalid trip status")

// order is the forward progression of the lifecycle.
var order = []Status{
	StatusPending,
	StatusDriverAccept,
	StatusDriverPickingUp,
	StatusDriverArrived,
	StatusEnRoute,
	StatusCompleted,
}

// ParseStatus normalizes (uppercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed status constants.
func (status Status) Valid() bool {
	return status.rank() >= 0
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// Next returns the immediate successor in the lifecycle ordering, or false if
// status is terminal or unknown.
func (status Status) Next() (Status, bool) {
	r := status.rank()
	if r < 0 || r+1 >= len(order) {
		return "", false
	}
	return order[r+1], true
}

// CanAdvanceTo reports whether next is the immediate successor of status.
// The lifecycle only ever moves one step forward; skipping ahead or moving
// backward is never legal.
func (status Status) CanAdvanceTo(next Status) bool {
	succ, ok := status.Next()
	return ok && succ == next
}

// Terminal indicates the trip has reached its final status.
func (status Status) Terminal() bool {
	return status == StatusCompleted
}

func (status Status) rank() int {
	for i, s := range order {
		if s == status {
			return i
		}
	}
	return -1
}
