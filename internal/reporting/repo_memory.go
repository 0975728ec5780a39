package reporting

import (
	"context"
	"sort"
	"sync"

	"call-coordinator/internal/calls"
)

// MemoryRepo is a simple in-memory history source for tests and early development.
type MemoryRepo struct {
	mu      sync.Mutex
	Entries []calls.HistoryEntry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Add(entries ...calls.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Entries = append(r.Entries, entries...)
}

func (r *MemoryRepo) ListHistory(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error) {
	f = f.Normalize()
	r.mu.Lock()
	out := make([]calls.HistoryEntry, 0)
	for _, e := range r.Entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if f.Offset >= len(out) {
		return []calls.HistoryEntry{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
