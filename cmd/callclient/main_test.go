package main

import (
	"context"
	"testing"
	"time"

	"call-coordinator/internal/calls"
)

func TestSignalURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/v1/signal",
		"https://calls.example/":  "wss://calls.example/v1/signal",
		"ws://already.example:81": "ws://already.example:81/v1/signal",
	}
	for in, want := range cases {
		if got := signalURL(in); got != want {
			t.Fatalf("signalURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	ok := options{token: "t", selfID: "alice", conversationID: "c1", role: "caller", callType: "audio", grace: time.Second}
	if err := ok.validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	missing := ok
	missing.token, missing.selfID = "", ""
	if err := missing.validate(); err == nil {
		t.Fatalf("expected missing flags error")
	}

	badRole := ok
	badRole.role = "observer"
	if err := badRole.validate(); err == nil {
		t.Fatalf("expected invalid role error")
	}

	badType := ok
	badType.callType = "screen"
	if err := badType.validate(); err == nil {
		t.Fatalf("expected invalid call type error")
	}
}

type stubActive struct {
	session *calls.Session
}

func (s stubActive) Active(ctx context.Context, conversationID string) (*calls.Session, error) {
	return s.session, nil
}

type countingOfferer struct{ calls int }

func (o *countingOfferer) Call() error {
	o.calls++
	return nil
}

func TestOfferIfAlreadyAccepted(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		session *calls.Session
		offered bool
	}{
		{"accepted before subscribe", &calls.Session{ID: "s1", Status: calls.StatusConnected}, true},
		{"still ringing", &calls.Session{ID: "s1", Status: calls.StatusRinging}, false},
		{"other session", &calls.Session{ID: "s2", Status: calls.StatusConnected}, false},
		{"no session", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := &countingOfferer{}
			offered, err := offerIfAlreadyAccepted(ctx, stubActive{session: tc.session}, o, "c1", "s1")
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if offered != tc.offered || (o.calls == 1) != tc.offered {
				t.Fatalf("expected offered=%v, got %v with %d calls", tc.offered, offered, o.calls)
			}
		})
	}
}
