package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"call-coordinator/internal/calls"

	"github.com/google/uuid"
)

type historyKey struct {
	sessionID string
	status    calls.Status
}

// MemoryStore is an in-memory Store for tests and local runs.
// A single mutex makes every guarded transition atomic.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]calls.Session
	history  map[historyKey]calls.HistoryEntry
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]calls.Session{},
		history:  map[historyKey]calls.HistoryEntry{},
		clock:    time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s calls.Session) (calls.Session, error) {
	if err := validateNew(s); err != nil {
		return calls.Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.ConversationID == s.ConversationID && !existing.Status.IsTerminal() {
			return existing, calls.ErrConflict
		}
	}

	s = prepareNew(s, m.clock().UTC())
	if _, dup := m.sessions[s.ID]; dup {
		return calls.Session{}, calls.ErrConflict
	}
	m.sessions[s.ID] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.Session{}, calls.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, expected []calls.Status, next calls.Status, patch calls.Metadata, now time.Time) (calls.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return calls.Session{}, false, calls.ErrNotFound
	}
	if !calls.StatusIn(cur.Status, expected) {
		return cloneSession(cur), false, nil
	}

	updated := calls.Advance(cur, next, patch, now.UTC())
	m.sessions[id] = updated
	m.history[historyKey{sessionID: id, status: next}] = updated.Snapshot(now.UTC())
	return cloneSession(updated), true, nil
}

func (m *MemoryStore) GetActive(ctx context.Context, conversationID, participantID string) (calls.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best  calls.Session
		found bool
	)
	for _, s := range m.sessions {
		if s.ConversationID != conversationID || s.Status.IsTerminal() || !s.HasParticipant(participantID) {
			continue
		}
		if !found || s.StartedAt.After(best.StartedAt) {
			best, found = s, true
		}
	}
	if !found {
		return calls.Session{}, false, nil
	}
	return cloneSession(best), true, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error) {
	f = f.Normalize()
	m.mu.Lock()
	rows := make([]calls.HistoryEntry, 0, len(m.history))
	for _, e := range m.history {
		if f.Matches(e) {
			rows = append(rows, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].RecordedAt.Equal(rows[j].RecordedAt) {
			return rows[i].RecordedAt.After(rows[j].RecordedAt)
		}
		if rows[i].SessionID != rows[j].SessionID {
			return rows[i].SessionID < rows[j].SessionID
		}
		return statusRank(rows[i].Status) > statusRank(rows[j].Status)
	})

	if f.Offset >= len(rows) {
		return []calls.HistoryEntry{}, nil
	}
	rows = rows[f.Offset:]
	if len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows, nil
}

// SessionHistory returns the history rows of one session in lifecycle order.
func (m *MemoryStore) SessionHistory(sessionID string) []calls.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.HistoryEntry
	for k, e := range m.history {
		if k.sessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return statusRank(out[i].Status) < statusRank(out[j].Status) })
	return out
}

func statusRank(s calls.Status) int {
	switch s {
	case calls.StatusInitiated:
		return 0
	case calls.StatusRinging:
		return 1
	case calls.StatusConnected:
		return 2
	default:
		return 3
	}
}

func validateNew(s calls.Session) error {
	if s.ConversationID == "" || s.CallerID == "" || s.CalleeID == "" {
		return calls.ErrInvalidArgument
	}
	if s.CallerID == s.CalleeID {
		return calls.ErrInvalidArgument
	}
	if !s.CallType.Valid() {
		return calls.ErrInvalidArgument
	}
	return nil
}

func prepareNew(s calls.Session, now time.Time) calls.Session {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = calls.StatusInitiated
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.ConnectedAt = nil
	s.EndedAt = nil
	s.DurationSeconds = 0
	s.Metadata = s.Metadata.Merge(nil)
	s.UpdatedAt = now
	return s
}

func cloneSession(s calls.Session) calls.Session {
	s.Metadata = s.Metadata.Merge(nil)
	return s
}
