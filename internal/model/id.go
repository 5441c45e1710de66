package model

import "github.com/google/uuid"

// NewID generates a new UUIDv7 string. UUIDv7 is time-sortable and
// collision-free process-wide, which is what vm_id and trace_id both need
// (spec.md §3, §6). Falls back to a random UUIDv4 in the (practically
// unreachable) case the v7 generator errors.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
