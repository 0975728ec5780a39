// Package control validates and applies call control actions: a guarded
// transition in the session store followed by a best-effort notification to
// the affected participant.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/conversations"
	"call-coordinator/internal/relay"
	"call-coordinator/internal/sessionstore"
	"call-coordinator/pkg/logger"
)

const abandonTimeout = 5 * time.Second

// Notifier delivers control-plane notifications; failures are its problem.
type Notifier interface {
	Notify(ctx context.Context, channel string, msg relay.Message)
}

type Request struct {
	ConversationID string         `json:"conversationId"`
	SessionID      string         `json:"sessionId,omitempty"`
	Action         calls.Action   `json:"action"`
	CallType       calls.CallType `json:"callType,omitempty"`
	Metadata       calls.Metadata `json:"metadata,omitempty"`
}

// Result reports the session after the request. Applied is false when a
// concurrent transition already moved the session; callers treat that as
// already handled.
type Result struct {
	Session   calls.Session `json:"session"`
	Action    calls.Action  `json:"action"`
	Timestamp time.Time     `json:"timestamp"`
	Applied   bool          `json:"applied"`
}

type Service struct {
	store    sessionstore.Store
	dir      conversations.Directory
	notifier Notifier
	audit    *audit.Service
	log      *slog.Logger
	clock    func() time.Time
}

type Option func(*Service)

func WithAudit(a *audit.Service) Option { return func(s *Service) { s.audit = a } }
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.clock = fn } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(store sessionstore.Store, dir conversations.Directory, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		dir:      dir,
		notifier: notifier,
		log:      slog.Default(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle dispatches one control action requested by requesterID.
func (s *Service) Handle(ctx context.Context, requesterID string, req Request) (Result, error) {
	if requesterID == "" || req.ConversationID == "" {
		return Result{}, fmt.Errorf("%w: conversationId required", calls.ErrInvalidArgument)
	}
	rule, err := calls.RuleFor(req.Action)
	if err != nil {
		return Result{}, err
	}
	if req.CallType != "" && !req.CallType.Valid() {
		return Result{}, fmt.Errorf("%w: callType %q", calls.ErrInvalidArgument, req.CallType)
	}

	conv, err := s.conversation(ctx, requesterID, req.ConversationID)
	if err != nil {
		s.record(ctx, req, "", requesterID, err)
		return Result{}, err
	}

	session, err := s.resolve(ctx, requesterID, conv, req)
	if err != nil {
		s.record(ctx, req, req.SessionID, requesterID, err)
		return Result{}, err
	}
	if !rule.Permits(session, requesterID) {
		err := fmt.Errorf("%w: %s not permitted for %s", calls.ErrForbidden, req.Action, requesterID)
		s.record(ctx, req, session.ID, requesterID, err)
		return Result{}, err
	}

	now := s.clock().UTC()
	patch := calls.StampMetadata(req.Action, requesterID, now, req.Metadata)
	updated, applied, err := s.store.Transition(ctx, session.ID, rule.Expected, rule.Next, patch, now)
	if err != nil {
		if req.SessionID == "" && req.Action == calls.ActionStartCall {
			s.abandon(ctx, session.ID, now)
		}
		s.record(ctx, req, session.ID, requesterID, err)
		return Result{}, err
	}

	l := s.logger(ctx).With("session_id", updated.ID, "action", req.Action, "requester_id", requesterID)
	if applied {
		l.Info("call transition applied", "status", updated.Status)
		s.notify(ctx, rule, updated, requesterID)
		s.recordOutcome(ctx, req, updated.ID, requesterID, audit.OutcomeApplied, "")
	} else {
		l.Info("call transition superseded", "current_status", updated.Status)
		s.recordOutcome(ctx, req, updated.ID, requesterID, audit.OutcomeSuperseded, "status was "+string(updated.Status))
	}

	return Result{Session: updated, Action: req.Action, Timestamp: now, Applied: applied}, nil
}

// abandon ends a session this request created but could not ring, so it
// does not hold the conversation's single active slot.
func (s *Service) abandon(ctx context.Context, sessionID string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	patch := calls.Metadata{"ended_reason": "start_failed"}
	if _, _, err := s.store.Transition(ctx, sessionID, []calls.Status{calls.StatusInitiated}, calls.StatusEnded, patch, now); err != nil {
		s.logger(ctx).Error("abandon initiated session", "session_id", sessionID, "error", err)
	}
}

// resolve finds the session the request targets. start_call without a
// session id creates one with the requester as caller.
func (s *Service) resolve(ctx context.Context, requesterID string, conv conversations.Conversation, req Request) (calls.Session, error) {
	if req.SessionID != "" {
		session, err := s.store.Get(ctx, req.SessionID)
		if err != nil {
			return calls.Session{}, err
		}
		if session.ConversationID != conv.ID {
			return calls.Session{}, calls.ErrNotFound
		}
		return session, nil
	}

	if req.Action == calls.ActionStartCall {
		callType := req.CallType
		if callType == "" {
			callType = calls.CallTypeVideo
		}
		return s.store.Create(ctx, calls.Session{
			ConversationID: conv.ID,
			CallerID:       requesterID,
			CalleeID:       conv.Other(requesterID),
			CallType:       callType,
			Metadata:       calls.Metadata{"initiated_by": requesterID},
		})
	}

	session, ok, err := s.store.GetActive(ctx, conv.ID, requesterID)
	if err != nil {
		return calls.Session{}, err
	}
	if !ok {
		return calls.Session{}, calls.ErrNotFound
	}
	return session, nil
}

// GetActive returns the caller-visible non-terminal session, if any.
func (s *Service) GetActive(ctx context.Context, requesterID, conversationID string) (calls.Session, bool, error) {
	if requesterID == "" || conversationID == "" {
		return calls.Session{}, false, fmt.Errorf("%w: conversationId required", calls.ErrInvalidArgument)
	}
	if _, err := s.conversation(ctx, requesterID, conversationID); err != nil {
		return calls.Session{}, false, err
	}
	return s.store.GetActive(ctx, conversationID, requesterID)
}

// AuthorizeChannel lets a participant use its own participant channel and
// the conversation channels it belongs to.
func (s *Service) AuthorizeChannel(ctx context.Context, participantID, channel string) error {
	ref, err := relay.ParseChannel(channel)
	if err != nil {
		return err
	}
	if ref.IsParticipant() {
		if ref.ID != participantID {
			return relay.ErrForbiddenChannel
		}
		return nil
	}
	if _, err := s.conversation(ctx, participantID, ref.ID); err != nil {
		if errors.Is(err, calls.ErrForbidden) || errors.Is(err, calls.ErrNotFound) {
			return relay.ErrForbiddenChannel
		}
		return err
	}
	return nil
}

func (s *Service) conversation(ctx context.Context, requesterID, conversationID string) (conversations.Conversation, error) {
	conv, err := s.dir.Get(ctx, conversationID)
	if errors.Is(err, conversations.ErrNotFound) {
		return conversations.Conversation{}, fmt.Errorf("%w: conversation %s", calls.ErrNotFound, conversationID)
	}
	if err != nil {
		return conversations.Conversation{}, err
	}
	if !conv.HasParticipant(requesterID) {
		return conversations.Conversation{}, fmt.Errorf("%w: not a participant", calls.ErrForbidden)
	}
	return conv, nil
}

func (s *Service) notify(ctx context.Context, rule calls.Rule, session calls.Session, requesterID string) {
	if s.notifier == nil {
		return
	}
	target := rule.Target(session, requesterID)
	if target == "" {
		return
	}
	s.notifier.Notify(ctx, relay.ParticipantChannel(target), relay.Message{
		Type:           relay.MessageType(rule.Event),
		From:           requesterID,
		SessionID:      session.ID,
		ConversationID: session.ConversationID,
		CallType:       string(session.CallType),
	})
}

func (s *Service) record(ctx context.Context, req Request, sessionID, actorID string, cause error) {
	outcome := audit.OutcomeFailed
	switch {
	case errors.Is(cause, calls.ErrForbidden):
		outcome = audit.OutcomeForbidden
	case errors.Is(cause, calls.ErrNotFound):
		outcome = audit.OutcomeNotFound
	case errors.Is(cause, calls.ErrConflict):
		outcome = audit.OutcomeConflict
	}
	s.recordOutcome(ctx, req, sessionID, actorID, outcome, cause.Error())
}

func (s *Service) recordOutcome(ctx context.Context, req Request, sessionID, actorID string, outcome audit.Outcome, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogControl(ctx, req.ConversationID, sessionID, actorID, string(req.Action), outcome, msg); err != nil {
		s.logger(ctx).Warn("audit append failed", "error", err)
	}
}

func (s *Service) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l
	}
	return s.log
}
