package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/pkg/utils"
)

const activeSessionConstraint = "call_sessions_one_active"

// PostgresStore implements Store on database/sql with the pgx driver.
//
// Guarded transitions lock the session row (SELECT ... FOR UPDATE) and
// re-check the status in the UPDATE predicate. The partial unique index
// call_sessions_one_active enforces one non-terminal session per conversation.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
  id               TEXT PRIMARY KEY,
  conversation_id  TEXT NOT NULL,
  caller_id        TEXT NOT NULL,
  callee_id        TEXT NOT NULL,
  call_type        TEXT NOT NULL CHECK (call_type IN ('audio','video')),
  status           TEXT NOT NULL CHECK (status IN ('initiated','ringing','connected','declined','ended')),
  started_at       TIMESTAMPTZ NOT NULL,
  connected_at     TIMESTAMPTZ,
  ended_at         TIMESTAMPTZ,
  duration_seconds INT NOT NULL DEFAULT 0,
  metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
  updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_one_active
  ON call_sessions (conversation_id)
  WHERE status IN ('initiated','ringing','connected');

CREATE INDEX IF NOT EXISTS call_sessions_caller_idx ON call_sessions (caller_id, started_at DESC);
CREATE INDEX IF NOT EXISTS call_sessions_callee_idx ON call_sessions (callee_id, started_at DESC);

CREATE TABLE IF NOT EXISTS call_history (
  session_id       TEXT NOT NULL REFERENCES call_sessions (id),
  status           TEXT NOT NULL,
  conversation_id  TEXT NOT NULL,
  caller_id        TEXT NOT NULL,
  callee_id        TEXT NOT NULL,
  call_type        TEXT NOT NULL,
  started_at       TIMESTAMPTZ NOT NULL,
  connected_at     TIMESTAMPTZ,
  ended_at         TIMESTAMPTZ,
  duration_seconds INT NOT NULL DEFAULT 0,
  metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
  recorded_at      TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (session_id, status)
);

CREATE INDEX IF NOT EXISTS call_history_recorded_idx ON call_history (recorded_at DESC);
`

// EnsureSchema creates the call tables if they do not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure call schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, s calls.Session) (calls.Session, error) {
	if err := validateNew(s); err != nil {
		return calls.Session{}, err
	}
	s = prepareNew(s, p.clock().UTC())

	meta, err := encodeMetadata(s.Metadata)
	if err != nil {
		return calls.Session{}, err
	}

	const q = `
INSERT INTO call_sessions (
  id, conversation_id, caller_id, callee_id, call_type, status,
  started_at, connected_at, ended_at, duration_seconds, metadata, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,NULL,NULL,0,$8,$9
)
`
	_, err = p.db.ExecContext(ctx, q,
		s.ID,
		s.ConversationID,
		s.CallerID,
		s.CalleeID,
		string(s.CallType),
		string(s.Status),
		s.StartedAt,
		meta,
		s.UpdatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err, activeSessionConstraint) {
			return calls.Session{}, calls.ErrConflict
		}
		return calls.Session{}, fmt.Errorf("insert call session: %w", err)
	}
	return s, nil
}

const sessionColumns = `id, conversation_id, caller_id, callee_id, call_type, status,
  started_at, connected_at, ended_at, duration_seconds, metadata, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (calls.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Session{}, calls.ErrNotFound
	}
	if err != nil {
		return calls.Session{}, fmt.Errorf("get call session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, expected []calls.Status, next calls.Status, patch calls.Metadata, now time.Time) (calls.Session, bool, error) {
	var (
		out     calls.Session
		applied bool
	)
	now = now.UTC()

	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Serialize concurrent transitions on the same session.
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1 FOR UPDATE`, id)
		cur, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return calls.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock call session: %w", err)
		}
		if !calls.StatusIn(cur.Status, expected) {
			out = cur
			return nil
		}

		updated := calls.Advance(cur, next, patch, now)
		meta, err := encodeMetadata(updated.Metadata)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
UPDATE call_sessions
SET status = $2, connected_at = $3, ended_at = $4, duration_seconds = $5, metadata = $6, updated_at = $7
WHERE id = $1 AND status = ANY($8)
`,
			id,
			string(updated.Status),
			nullTime(updated.ConnectedAt),
			nullTime(updated.EndedAt),
			updated.DurationSeconds,
			meta,
			updated.UpdatedAt,
			statusStrings(expected),
		)
		if err != nil {
			return fmt.Errorf("update call session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			out = cur
			return nil
		}

		if err := upsertHistory(ctx, tx, updated.Snapshot(now)); err != nil {
			return err
		}
		out, applied = updated, true
		return nil
	})
	if err != nil {
		return calls.Session{}, false, err
	}
	return out, applied, nil
}

func upsertHistory(ctx context.Context, tx *sql.Tx, e calls.HistoryEntry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO call_history (
  session_id, status, conversation_id, caller_id, callee_id, call_type,
  started_at, connected_at, ended_at, duration_seconds, metadata, recorded_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (session_id, status)
DO UPDATE SET connected_at = EXCLUDED.connected_at,
              ended_at = EXCLUDED.ended_at,
              duration_seconds = EXCLUDED.duration_seconds,
              metadata = EXCLUDED.metadata,
              recorded_at = EXCLUDED.recorded_at
`
	_, err = tx.ExecContext(ctx, q,
		e.SessionID,
		string(e.Status),
		e.ConversationID,
		e.CallerID,
		e.CalleeID,
		string(e.CallType),
		e.StartedAt,
		nullTime(e.ConnectedAt),
		nullTime(e.EndedAt),
		e.DurationSeconds,
		meta,
		e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert call history: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetActive(ctx context.Context, conversationID, participantID string) (calls.Session, bool, error) {
	row := p.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM call_sessions
WHERE conversation_id = $1
  AND (caller_id = $2 OR callee_id = $2)
  AND status IN ('initiated','ringing','connected')
ORDER BY started_at DESC
LIMIT 1
`, conversationID, participantID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Session{}, false, nil
	}
	if err != nil {
		return calls.Session{}, false, fmt.Errorf("get active call session: %w", err)
	}
	return s, true, nil
}

func (p *PostgresStore) ListHistory(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error) {
	q, args := buildHistoryQuery(f.Normalize())
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	defer rows.Close()

	out := make([]calls.HistoryEntry, 0)
	for rows.Next() {
		var (
			e           calls.HistoryEntry
			callType    string
			status      string
			connectedAt sql.NullTime
			endedAt     sql.NullTime
			meta        []byte
		)
		if err := rows.Scan(
			&e.SessionID,
			&status,
			&e.ConversationID,
			&e.CallerID,
			&e.CalleeID,
			&callType,
			&e.StartedAt,
			&connectedAt,
			&endedAt,
			&e.DurationSeconds,
			&meta,
			&e.RecordedAt,
		); err != nil {
			return nil, err
		}
		e.CallType = calls.CallType(callType)
		e.Status = calls.Status(status)
		e.ConnectedAt = timePtr(connectedAt)
		e.EndedAt = timePtr(endedAt)
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildHistoryQuery(f calls.HistoryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ParticipantID != "" {
		p := arg(f.ParticipantID)
		where = append(where, "(caller_id = "+p+" OR callee_id = "+p+")")
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = "+arg(f.ConversationID))
	}
	if f.CallType != "" {
		where = append(where, "call_type = "+arg(string(f.CallType)))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if !f.From.IsZero() {
		where = append(where, "started_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "started_at < "+arg(f.To))
	}

	var b strings.Builder
	b.WriteString(`SELECT session_id, status, conversation_id, caller_id, callee_id, call_type,
  started_at, connected_at, ended_at, duration_seconds, metadata, recorded_at
FROM call_history`)
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\nORDER BY recorded_at DESC, session_id")
	b.WriteString("\nLIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset))
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (calls.Session, error) {
	var (
		s           calls.Session
		callType    string
		status      string
		connectedAt sql.NullTime
		endedAt     sql.NullTime
		meta        []byte
	)
	if err := row.Scan(
		&s.ID,
		&s.ConversationID,
		&s.CallerID,
		&s.CalleeID,
		&callType,
		&status,
		&s.StartedAt,
		&connectedAt,
		&endedAt,
		&s.DurationSeconds,
		&meta,
		&s.UpdatedAt,
	); err != nil {
		return calls.Session{}, err
	}
	s.CallType = calls.CallType(callType)
	s.Status = calls.Status(status)
	s.ConnectedAt = timePtr(connectedAt)
	s.EndedAt = timePtr(endedAt)
	md, err := decodeMetadata(meta)
	if err != nil {
		return calls.Session{}, err
	}
	s.Metadata = md
	return s, nil
}

func encodeMetadata(m calls.Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (calls.Metadata, error) {
	m := calls.Metadata{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func statusStrings(in []calls.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
