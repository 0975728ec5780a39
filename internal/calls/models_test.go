package calls

import (
	"errors"
	"testing"
	"time"
)

func TestStatus_Terminal(t *testing.T) {
	for _, s := range ActiveStatuses {
		if s.IsTerminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
	if !StatusDeclined.IsTerminal() || !StatusEnded.IsTerminal() {
		t.Fatalf("expected declined and ended to be terminal")
	}
	if Status("bogus").Valid() {
		t.Fatalf("expected bogus status invalid")
	}
}

func TestRuleFor_UnknownAction(t *testing.T) {
	if _, err := RuleFor("hold"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRules_ActorsAndTargets(t *testing.T) {
	s := Session{CallerID: "alice", CalleeID: "bob"}

	start, _ := RuleFor(ActionStartCall)
	if !start.Permits(s, "alice") || start.Permits(s, "bob") {
		t.Fatalf("start_call must be caller-only")
	}
	if start.Target(s, "alice") != "bob" {
		t.Fatalf("ringing goes to callee")
	}

	accept, _ := RuleFor(ActionAccept)
	if accept.Permits(s, "alice") || !accept.Permits(s, "bob") {
		t.Fatalf("accept must be callee-only")
	}
	if accept.Target(s, "bob") != "alice" {
		t.Fatalf("accepted goes to caller")
	}

	end, _ := RuleFor(ActionEndCall)
	if !end.Permits(s, "alice") || !end.Permits(s, "bob") || end.Permits(s, "mallory") {
		t.Fatalf("end_call allowed for both participants only")
	}
	if end.Target(s, "bob") != "alice" || end.Target(s, "alice") != "bob" {
		t.Fatalf("ended goes to the other participant")
	}
	if end.Allows(StatusEnded) || !end.Allows(StatusInitiated) {
		t.Fatalf("end_call guards on non-terminal statuses")
	}
}

func TestAdvance_DurationFromConnectedAt(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	s := Session{ID: "s1", Status: StatusRinging, StartedAt: start, Metadata: Metadata{"start_call_by": "alice"}}

	s = Advance(s, StatusConnected, Metadata{"accept_by": "bob"}, start.Add(10*time.Second))
	if s.ConnectedAt == nil || !s.ConnectedAt.Equal(start.Add(10*time.Second)) {
		t.Fatalf("expected connected_at stamped")
	}

	s = Advance(s, StatusEnded, Metadata{"end_call_by": "alice"}, start.Add(75*time.Second))
	if s.EndedAt == nil {
		t.Fatalf("expected ended_at stamped")
	}
	if s.DurationSeconds != 65 {
		t.Fatalf("expected 65s duration, got %d", s.DurationSeconds)
	}
	for _, k := range []string{"start_call_by", "accept_by", "end_call_by"} {
		if _, ok := s.Metadata[k]; !ok {
			t.Fatalf("expected metadata key %s to be retained", k)
		}
	}
}

func TestAdvance_DeclinedHasZeroDuration(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	s := Advance(Session{Status: StatusRinging, StartedAt: start}, StatusDeclined, nil, start.Add(time.Minute))
	if s.DurationSeconds != 0 || s.EndedAt == nil {
		t.Fatalf("unexpected declined session: %+v", s)
	}
}

func TestHistoryFilter_NormalizeAndMatch(t *testing.T) {
	f := HistoryFilter{Limit: 1000, Offset: -1}.Normalize()
	if f.Limit != MaxHistoryLimit || f.Offset != 0 {
		t.Fatalf("unexpected normalized filter: %+v", f)
	}
	if (HistoryFilter{}).Normalize().Limit != DefaultHistoryLimit {
		t.Fatalf("expected default limit")
	}

	now := time.Unix(1700000000, 0).UTC()
	e := HistoryEntry{CallerID: "alice", CalleeID: "bob", CallType: CallTypeVideo, Status: StatusEnded, StartedAt: now}
	if !(HistoryFilter{ParticipantID: "bob"}).Matches(e) {
		t.Fatalf("expected callee match")
	}
	if (HistoryFilter{ParticipantID: "carol"}).Matches(e) {
		t.Fatalf("expected non-participant mismatch")
	}
	if (HistoryFilter{From: now.Add(time.Second)}).Matches(e) {
		t.Fatalf("expected range mismatch")
	}
	if (HistoryFilter{CallType: CallTypeAudio}).Matches(e) {
		t.Fatalf("expected call type mismatch")
	}
}

func TestStampMetadata(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	m := StampMetadata(ActionAccept, "bob", at, Metadata{"device": "web"})
	if m["accept_by"] != "bob" || m["device"] != "web" || m["accept_at"] == "" {
		t.Fatalf("unexpected stamp: %v", m)
	}
}
