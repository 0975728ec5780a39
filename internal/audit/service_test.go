package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresIdentifiers(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Action: "accept", Outcome: OutcomeApplied}); err == nil {
		t.Fatalf("expected error without conversation and actor")
	}
	if err := svc.Append(context.Background(), Event{ConversationID: "c1", ActorID: "bob"}); err == nil {
		t.Fatalf("expected error without action and outcome")
	}
}

func TestService_LogControlCapturesClientIP(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	ctx := WithClientIP(context.Background(), "1.2.3.4")
	if err := svc.LogControl(ctx, "c1", "s1", "bob", "accept", OutcomeSuperseded, "status was ended"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeCallControl || evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected defaults filled: %+v", evs[0])
	}
}

func TestService_NilServiceIsNotConfigured(t *testing.T) {
	var svc *Service
	if err := svc.LogControl(context.Background(), "c1", "", "bob", "reject", OutcomeForbidden, ""); err == nil {
		t.Fatalf("expected not configured error")
	}
}
