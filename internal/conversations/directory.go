package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("conversations: not found")

// Conversation is the external thread a call attaches to.
type Conversation struct {
	ID                  string `json:"id" db:"id"`
	FirstParticipantID  string `json:"first_participant_id" db:"first_participant_id"`
	SecondParticipantID string `json:"second_participant_id" db:"second_participant_id"`
}

func (c Conversation) HasParticipant(id string) bool {
	return id != "" && (id == c.FirstParticipantID || id == c.SecondParticipantID)
}

// Other returns the counterpart of participantID, or "" if it is not a participant.
func (c Conversation) Other(participantID string) string {
	switch participantID {
	case c.FirstParticipantID:
		return c.SecondParticipantID
	case c.SecondParticipantID:
		return c.FirstParticipantID
	default:
		return ""
	}
}

// Directory looks up conversations by id.
type Directory interface {
	Get(ctx context.Context, id string) (Conversation, error)
}

// MemoryDirectory is an in-memory Directory for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	items map[string]Conversation
}

func NewMemoryDirectory(items ...Conversation) *MemoryDirectory {
	d := &MemoryDirectory{items: make(map[string]Conversation, len(items))}
	for _, c := range items {
		d.items[c.ID] = c
	}
	return d
}

func (d *MemoryDirectory) Put(c Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[c.ID] = c
}

func (d *MemoryDirectory) Get(ctx context.Context, id string) (Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.items[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// PostgresDirectory reads the conversations table owned by the messaging app.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Get(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := d.db.QueryRowContext(ctx, `
SELECT id, first_participant_id, second_participant_id
FROM conversations
WHERE id = $1
`, id).Scan(&c.ID, &c.FirstParticipantID, &c.SecondParticipantID)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}
