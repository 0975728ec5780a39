package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs call control requests for internal review.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ConversationID == "" || e.ActorID == "" || e.Action == "" || e.Outcome == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		e.Type = EventTypeCallControl
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogControl records the outcome of one control request.
func (s *Service) LogControl(ctx context.Context, conversationID, sessionID, actorID, action string, outcome Outcome, message string) error {
	return s.Append(ctx, Event{
		Type:           EventTypeCallControl,
		ConversationID: conversationID,
		SessionID:      sessionID,
		ActorID:        actorID,
		Action:         action,
		Outcome:        outcome,
		Message:        message,
	})
}
