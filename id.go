package chatsg

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for session ids, tool invocation ids, and memory turn ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
