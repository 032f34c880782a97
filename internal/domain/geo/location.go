package geo

import (
	"errors"
	"math"
	"strings"
)

// DefaultGeofenceToleranceKM is the proximity threshold for automatic trip
// transitions. 40 meters is the average house perimeter width in North America.
const DefaultGeofenceToleranceKM = 0.040

// Fare estimator parameters, in the same currency unit as Trip.FareOffering.
const (
	baseFare  = 3.00
	farePerKM = 1.50
)

var (
	ErrLatitudeRange  = errors.New("latitude must be between -90 and 90")
	ErrLongitudeRange = errors.New("longitude must be between -180 and 180")
	ErrAddressSet     = errors.New("address is already resolved")
)

// UserLocation is a point on the map, optionally carrying a resolved
// human-readable address. Coordinates are degrees; distances are kilometers.
type UserLocation struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// NewUserLocation constructs a validated location without an address.
func NewUserLocation(lat, lng float64) (UserLocation, error) {
	loc := UserLocation{Lat: lat, Lng: lng}
	if err := loc.Validate(); err != nil {
		return UserLocation{}, err
	}
	return loc, nil
}

// Validate checks the coordinate range invariants.
func (loc UserLocation) Validate() error {
	if loc.Lat < -90 || loc.Lat > 90 {
		return ErrLatitudeRange
	}
	if loc.Lng < -180 || loc.Lng > 180 {
		return ErrLongitudeRange
	}
	return nil
}

// ResolveAddress attaches a human-readable address. A location is immutable
// once its address is resolved, so resolving twice is an error.
func (loc *UserLocation) ResolveAddress(address string) error {
	if strings.TrimSpace(loc.Address) != "" {
		return ErrAddressSet
	}
	loc.Address = strings.TrimSpace(address)
	return nil
}

// DistanceTo returns the great-circle (haversine) distance in kilometers.
// It is symmetric and returns 0 only for coincident points.
func (loc UserLocation) DistanceTo(other UserLocation) float64 {
	const earthRadiusKM = 6371.0

	la1 := loc.Lat * math.Pi / 180
	la2 := other.Lat * math.Pi / 180
	dLat := (other.Lat - loc.Lat) * math.Pi / 180
	dLng := (other.Lng - loc.Lng) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

// WithinGeofence reports whether a and b are at most toleranceKM apart.
// A negative tolerance never matches.
func WithinGeofence(a, b UserLocation, toleranceKM float64) bool {
	if toleranceKM < 0 {
		return false
	}
	return a.DistanceTo(b) <= toleranceKM
}

// FareEstimate returns the suggested minimum fare for a trip between start
// and end: a flat base plus a per-kilometer rate. Monotonic non-decreasing in
// distance; coincident points yield the base fare.
func FareEstimate(start, end UserLocation) float64 {
	return baseFare + farePerKM*start.DistanceTo(end)
}
