package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 25 || c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	base := &pgconn.PgError{Code: "23505", ConstraintName: "call_sessions_one_active"}
	wrapped := fmt.Errorf("insert session: %w", base)

	if !IsUniqueViolation(wrapped, "") {
		t.Fatalf("expected wrapped unique violation to match")
	}
	if !IsUniqueViolation(wrapped, "call_sessions_one_active") {
		t.Fatalf("expected constraint match")
	}
	if IsUniqueViolation(wrapped, "other") {
		t.Fatalf("expected constraint mismatch")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}, "") {
		t.Fatalf("expected foreign key violation not to match")
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Fatalf("expected plain error not to match")
	}
}
