package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends events to call_audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS call_audit_events (
  id              TEXT PRIMARY KEY,
  type            TEXT NOT NULL,
  session_id      TEXT,
  conversation_id TEXT NOT NULL,
  actor_id        TEXT NOT NULL,
  action          TEXT NOT NULL,
  outcome         TEXT NOT NULL,
  ip_address      TEXT,
  message         TEXT,
  created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_audit_events_session_idx ON call_audit_events (session_id);
`

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (
  id, type, session_id, conversation_id, actor_id, action, outcome, ip_address, message, created_at
) VALUES (
  $1,$2,NULLIF($3,''),$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.SessionID,
		e.ConversationID,
		e.ActorID,
		e.Action,
		string(e.Outcome),
		e.IPAddress,
		e.Message,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
