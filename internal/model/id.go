package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a session identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewCorrelationID generates a random UUIDv4 that links a published task to
// its eventual result.
func NewCorrelationID() string {
	return uuid.NewString()
}
