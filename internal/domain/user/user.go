package user

import (
	"errors"
	"net/mail"
	"strings"

	"tripsync/internal/domain/geo"
)

// Rating bounds for drivers. Thumbs from riders nudge the score inside them.
const (
	MinRating  = 0
	MaxRating  = 100
	ratingStep = 1
)

// User is one account document in the Riders or Drivers collection. Both
// variants share the identity/account/location capability set; Rating is
// meaningful for drivers only.
type User struct {
	ID              string            `json:"id"`
	Username        string            `json:"username"`
	Email           string            `json:"email"`
	Role            Role              `json:"role"`
	CurrentLocation *geo.UserLocation `json:"currentLocation,omitempty"`
	Rating          float64           `json:"rating,omitempty"`
	PasswordHash    string            `json:"passwordHash,omitempty"`
}

var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrUsernameRequired  = errors.New("username is required")
	ErrEmptyPasswordHash = errors.New("password hash cannot be empty")
)

// NewUser constructs a validated account record. Caller provides the identity
// id and an already-hashed password.
func NewUser(id, username, email string, role Role, passwordHash string) (*User, error) {
	u := &User{
		ID:           strings.TrimSpace(id),
		Username:     strings.TrimSpace(username),
		Email:        strings.TrimSpace(email),
		Role:         role,
		PasswordHash: strings.TrimSpace(passwordHash),
	}
	if role.IsDriver() {
		// new drivers start in the middle of the scale
		u.Rating = (MinRating + MaxRating) / 2
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// Validate checks invariants of the User entity.
func (u *User) Validate() error {
	if u.Username == "" {
		return ErrUsernameRequired
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return ErrInvalidEmail
	}
	if !u.Role.Valid() {
		return ErrInvalidRole
	}
	if u.PasswordHash == "" {
		return ErrEmptyPasswordHash
	}
	return nil
}

// SetCurrentLocation replaces the user's last known position.
func (u *User) SetCurrentLocation(loc geo.UserLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	u.CurrentLocation = &loc
	return nil
}

// ApplyThumb adjusts a driver's rating by one step, clamped to the bounds.
func (u *User) ApplyThumb(up bool) {
	if up {
		u.Rating += ratingStep
	} else {
		u.Rating -= ratingStep
	}
	if u.Rating > MaxRating {
		u.Rating = MaxRating
	}
	if u.Rating < MinRating {
		u.Rating = MinRating
	}
}
