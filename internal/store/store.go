// Package store persists the Session audit trail (SPEC_FULL.md §7):
// spec.md's Session itself is created-per-request and discarded once a
// task finishes, but every deployment needs a record of what ran. Modeled
// on the teacher's internal/store package, with Session replacing
// Workload as the persisted entity.
package store

import (
	"context"
	"errors"

	"github.com/neurovisor/control-plane/internal/model"
)

// ErrNotFound is returned when a session is not found.
var ErrNotFound = errors.New("session not found")

// Stats holds aggregate execution statistics across all recorded sessions.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgIterations float64        `json:"avg_iterations"`
	AvgToolCalls  float64        `json:"avg_tool_calls"`
}

// Store defines the persistence operations for sessions.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, traceID string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)
	UpdateSession(ctx context.Context, s *model.Session) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
