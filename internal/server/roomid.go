package server

import (
	"fmt"

	nanoid "github.com/jaevor/go-nanoid"
)

// NewRoomIDGenerator returns a generator of URL-safe room identifiers drawn
// from a cryptographically secure source.
func NewRoomIDGenerator(length int) (func() string, error) {
	gen, err := nanoid.Standard(length)
	if err != nil {
		return nil, fmt.Errorf("room id generator: %w", err)
	}
	return gen, nil
}
