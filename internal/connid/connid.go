package connid

import (
	"errors"

	"github.com/google/uuid"
)

var errInvalid = errors.New("invalid client id")

// New mints a fresh client id for an accepted connection.
func New() string {
	return uuid.NewString()
}

// NewCorrelation mints a server-side correlation id for RPC frames that
// arrived without one.
func NewCorrelation() string {
	return uuid.NewString()
}

// Validate rejects ids that are empty or not UUID-shaped.
func Validate(id string) error {
	if id == "" {
		return errInvalid
	}
	if _, err := uuid.Parse(id); err != nil {
		return errInvalid
	}
	return nil
}
