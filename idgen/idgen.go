// Package idgen provides the pluggable task-id source used by the
// dispatcher. The manager never lets a caller supply an id; it always
// mints a fresh one at submission time.
package idgen

import "github.com/google/uuid"

// Generator mints unique opaque identifiers.
type Generator interface {
	NewID() string
}

// UUIDGenerator is the default Generator, backed by google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
