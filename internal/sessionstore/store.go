// Package sessionstore persists call sessions and their history with
// status-guarded (compare-and-swap) updates.
package sessionstore

import (
	"context"
	"time"

	"call-coordinator/internal/calls"
)

// Store is the durable source of truth for call session status.
type Store interface {
	// Create inserts s in status initiated. It fails with calls.ErrConflict
	// when the conversation already has a non-terminal session.
	Create(ctx context.Context, s calls.Session) (calls.Session, error)

	Get(ctx context.Context, id string) (calls.Session, error)

	// Transition moves session id to next only if its stored status is one
	// of expected. A lost guard returns the current session with applied=false
	// and a nil error. Every applied transition writes a history row.
	Transition(ctx context.Context, id string, expected []calls.Status, next calls.Status, patch calls.Metadata, now time.Time) (calls.Session, bool, error)

	// GetActive returns the most recent non-terminal session of the
	// conversation in which participantID takes part.
	GetActive(ctx context.Context, conversationID, participantID string) (calls.Session, bool, error)

	ListHistory(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error)
}
