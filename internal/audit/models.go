package audit

import "time"

// Event is an immutable, append-only record of one call control request.
//
// Invariants:
// - Events are never updated or deleted.
// - Rejected and superseded requests are recorded too; CallHistory only
//   carries applied transitions.
// - actor and ip capture are best-effort; do not block call control on audit failures.
type Event struct {
	ID             string    `json:"id" db:"id"`
	Type           EventType `json:"type" db:"type"`
	SessionID      string    `json:"session_id,omitempty" db:"session_id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	ActorID        string    `json:"actor_id" db:"actor_id"`
	Action         string    `json:"action" db:"action"`
	Outcome        Outcome   `json:"outcome" db:"outcome"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	Message   string    `json:"message,omitempty" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallControl EventType = "call_control"
)

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeForbidden  Outcome = "forbidden"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeConflict   Outcome = "conflict"
	OutcomeFailed     Outcome = "failed"
)
