package reporting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"call-coordinator/internal/calls"
)

func entry(id string, status calls.Status, callType calls.CallType, caller, callee string, started time.Time, connected bool, dur int) calls.HistoryEntry {
	e := calls.HistoryEntry{
		SessionID:       id,
		ConversationID:  "conv",
		CallerID:        caller,
		CalleeID:        callee,
		CallType:        callType,
		Status:          status,
		StartedAt:       started,
		DurationSeconds: dur,
		RecordedAt:      started.Add(time.Minute),
	}
	if connected {
		at := started.Add(5 * time.Second)
		e.ConnectedAt = &at
	}
	return e
}

func TestReporting_SummaryAggregatesTerminalRows(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	repo.Add(
		entry("s1", calls.StatusRinging, calls.CallTypeVideo, "a", "b", now, false, 0),
		entry("s1", calls.StatusConnected, calls.CallTypeVideo, "a", "b", now, true, 0),
		entry("s1", calls.StatusEnded, calls.CallTypeVideo, "a", "b", now, true, 30),
		entry("s2", calls.StatusEnded, calls.CallTypeAudio, "b", "a", now, true, 90),
		entry("s3", calls.StatusDeclined, calls.CallTypeVideo, "a", "c", now, false, 0),
		entry("s4", calls.StatusEnded, calls.CallTypeAudio, "a", "b", now, false, 0),
		entry("s5", calls.StatusEnded, calls.CallTypeAudio, "c", "d", now, true, 500),
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		ParticipantID: "a",
		Range:         TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 4 {
		t.Fatalf("expected 4 terminal calls, got %d", out.TotalCalls)
	}
	if out.VideoCalls != 2 || out.AudioCalls != 2 {
		t.Fatalf("unexpected type split video=%d audio=%d", out.VideoCalls, out.AudioCalls)
	}
	if out.CompletedCalls != 2 || out.DeclinedCalls != 1 {
		t.Fatalf("unexpected outcome split completed=%d declined=%d", out.CompletedCalls, out.DeclinedCalls)
	}
	if out.TotalDurationSeconds != 120 || out.AverageDurationSeconds != 60 {
		t.Fatalf("unexpected durations total=%d avg=%d", out.TotalDurationSeconds, out.AverageDurationSeconds)
	}
}

func TestReporting_SummaryAcrossParticipantsPages(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	for i := 0; i < calls.MaxHistoryLimit+25; i++ {
		repo.Add(entry(fmt.Sprintf("s%d", i), calls.StatusEnded, calls.CallTypeAudio, "x", "y", now, true, 10))
	}
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != calls.MaxHistoryLimit+25 {
		t.Fatalf("expected every row counted, got %d", out.TotalCalls)
	}
	if out.AverageDurationSeconds != 10 {
		t.Fatalf("expected avg 10, got %d", out.AverageDurationSeconds)
	}
}

func TestReporting_SummaryRejectsBadRange(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	now := time.Now()
	_, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: now, To: now}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestReporting_HistoryScopedToParticipant(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	repo.Add(
		entry("s1", calls.StatusEnded, calls.CallTypeVideo, "a", "b", now, true, 30),
		entry("s2", calls.StatusEnded, calls.CallTypeVideo, "c", "d", now.Add(time.Minute), true, 30),
		entry("s3", calls.StatusDeclined, calls.CallTypeAudio, "b", "a", now.Add(2*time.Minute), false, 0),
	)
	svc := NewService(repo)

	if _, err := svc.History(context.Background(), calls.HistoryFilter{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest without participant, got %v", err)
	}

	rows, err := svc.History(context.Background(), calls.HistoryFilter{ParticipantID: "a"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].SessionID != "s3" {
		t.Fatalf("expected newest first, got %s", rows[0].SessionID)
	}

	rows, err = svc.History(context.Background(), calls.HistoryFilter{ParticipantID: "a", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(rows) != 1 || rows[0].SessionID != "s1" {
		t.Fatalf("unexpected page %+v", rows)
	}
}
