package adapter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. Version 7 IDs sort by creation time, which
// keeps the default ID order close to insertion order.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// Now returns the current time in UTC truncated to microseconds, the
// resolution every backend can store without loss.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
