package sessionstore

import (
	"strings"
	"testing"
	"time"

	"call-coordinator/internal/calls"
)

func TestBuildHistoryQuery_NoFilters(t *testing.T) {
	q, args := buildHistoryQuery(calls.HistoryFilter{}.Normalize())
	if strings.Contains(q, "WHERE") {
		t.Fatalf("expected no WHERE clause, got %s", q)
	}
	if len(args) != 2 || args[0] != calls.DefaultHistoryLimit || args[1] != 0 {
		t.Fatalf("unexpected paging args: %v", args)
	}
}

func TestBuildHistoryQuery_AllFilters(t *testing.T) {
	from := time.Unix(1700000000, 0).UTC()
	q, args := buildHistoryQuery(calls.HistoryFilter{
		ParticipantID:  "alice",
		ConversationID: "c1",
		CallType:       calls.CallTypeAudio,
		Status:         calls.StatusEnded,
		From:           from,
		To:             from.Add(time.Hour),
		Limit:          5,
		Offset:         10,
	})

	for _, frag := range []string{
		"(caller_id = $1 OR callee_id = $1)",
		"conversation_id = $2",
		"call_type = $3",
		"status = $4",
		"started_at >= $5",
		"started_at < $6",
		"LIMIT $7 OFFSET $8",
	} {
		if !strings.Contains(q, frag) {
			t.Fatalf("expected %q in query:\n%s", frag, q)
		}
	}
	if len(args) != 8 || args[0] != "alice" || args[6] != 5 || args[7] != 10 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestMetadataCodec(t *testing.T) {
	b, err := encodeMetadata(nil)
	if err != nil || string(b) != "{}" {
		t.Fatalf("expected empty object, got %s (%v)", b, err)
	}
	m, err := decodeMetadata([]byte(`{"accept_by":"bob"}`))
	if err != nil || m["accept_by"] != "bob" {
		t.Fatalf("unexpected decode: %v (%v)", m, err)
	}
	if _, err := decodeMetadata([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
