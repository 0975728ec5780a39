package calls

import (
	"time"
)

// Session is a two-party call attached to an external conversation.
//
// Invariant: at most one Session per ConversationID is in a non-terminal
// status at any time. Status changes are guarded by the stored status.
type Session struct {
	ID             string   `json:"id" db:"id"`
	ConversationID string   `json:"conversation_id" db:"conversation_id"`
	CallerID       string   `json:"caller_id" db:"caller_id"`
	CalleeID       string   `json:"callee_id" db:"callee_id"`
	CallType       CallType `json:"call_type" db:"call_type"`
	Status         Status   `json:"status" db:"status"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is set once, when the session reaches a terminal status.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	// Metadata is additive; keys are never removed by a transition.
	Metadata Metadata `json:"metadata" db:"metadata"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusDeclined  Status = "declined"
	StatusEnded     Status = "ended"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusInitiated, StatusRinging, StatusConnected}

func (s Status) IsTerminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusConnected, StatusDeclined, StatusEnded:
		return true
	default:
		return false
	}
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Metadata is an open provenance bag (who accepted, who ended, when).
type Metadata map[string]any

// Merge returns a copy of m with patch applied on top.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := make(Metadata, len(m)+len(patch))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (s Session) HasParticipant(id string) bool {
	return id != "" && (id == s.CallerID || id == s.CalleeID)
}

// Other returns the counterpart of participantID, or "" if it is not a participant.
func (s Session) Other(participantID string) string {
	switch participantID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	default:
		return ""
	}
}

// HistoryEntry is the snapshot written alongside every status change.
// Rows are keyed by (SessionID, Status); rewriting a key replaces it.
type HistoryEntry struct {
	SessionID       string     `json:"session_id" db:"session_id"`
	ConversationID  string     `json:"conversation_id" db:"conversation_id"`
	CallerID        string     `json:"caller_id" db:"caller_id"`
	CalleeID        string     `json:"callee_id" db:"callee_id"`
	CallType        CallType   `json:"call_type" db:"call_type"`
	Status          Status     `json:"status" db:"status"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`
	Metadata        Metadata   `json:"metadata" db:"metadata"`
	RecordedAt      time.Time  `json:"recorded_at" db:"recorded_at"`
}

// Snapshot captures s as a history row.
func (s Session) Snapshot(recordedAt time.Time) HistoryEntry {
	return HistoryEntry{
		SessionID:       s.ID,
		ConversationID:  s.ConversationID,
		CallerID:        s.CallerID,
		CalleeID:        s.CalleeID,
		CallType:        s.CallType,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		Metadata:        s.Metadata.Merge(nil),
		RecordedAt:      recordedAt,
	}
}

// HistoryFilter narrows history listings. Zero values match everything.
type HistoryFilter struct {
	ParticipantID  string
	ConversationID string
	CallType       CallType
	Status         Status
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Normalize clamps paging values.
func (f HistoryFilter) Normalize() HistoryFilter {
	out := f
	if out.Limit <= 0 {
		out.Limit = DefaultHistoryLimit
	}
	if out.Limit > MaxHistoryLimit {
		out.Limit = MaxHistoryLimit
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	return out
}

// Matches reports whether e passes every set field of f (paging ignored).
func (f HistoryFilter) Matches(e HistoryEntry) bool {
	if f.ParticipantID != "" && e.CallerID != f.ParticipantID && e.CalleeID != f.ParticipantID {
		return false
	}
	if f.ConversationID != "" && e.ConversationID != f.ConversationID {
		return false
	}
	if f.CallType != "" && e.CallType != f.CallType {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.StartedAt.Before(f.To) {
		return false
	}
	return true
}
