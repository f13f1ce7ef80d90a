package infra

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS admission_events (
    kind VARCHAR(32) NOT NULL,
    event_key VARCHAR(512) NOT NULL,
    identifier VARCHAR(255) NOT NULL,
    value BIGINT NOT NULL DEFAULT 0,
    allowed BOOLEAN NOT NULL DEFAULT FALSE,
    reason VARCHAR(128) NOT NULL DEFAULT '',
    method VARCHAR(16) NOT NULL DEFAULT '',
    path VARCHAR(1024) NOT NULL DEFAULT '',
    at_ms BIGINT NOT NULL
)`

const createEventsIndexSQL = `CREATE INDEX IF NOT EXISTS idx_admission_events_identifier ON admission_events(identifier)`

// SQLEventSink grava cada evento como uma linha em admission_events.
// Dialetos suportados: "sqlite", "postgres", "mysql"; o driver é registrado por quem
// abre o *sql.DB.
type SQLEventSink struct {
	db      *sql.DB
	dialect string
	insert  string
}

func NewSQLEventSink(ctx context.Context, db *sql.DB, dialect string) (*SQLEventSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	insert := `INSERT INTO admission_events (kind, event_key, identifier, value, allowed, reason, method, path, at_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	switch dialect {
	case "sqlite", "mysql":
	case "postgres":
		insert = `INSERT INTO admission_events (kind, event_key, identifier, value, allowed, reason, method, path, at_ms) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLEventSink{db: db, dialect: dialect, insert: insert}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLEventSink) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createEventsTableSQL); err != nil {
		return fmt.Errorf("failed to create admission_events table: %w", err)
	}
	// MySQL não aceita IF NOT EXISTS em CREATE INDEX.
	if s.dialect != "mysql" {
		if _, err := s.db.ExecContext(ctx, createEventsIndexSQL); err != nil {
			return fmt.Errorf("failed to create admission_events index: %w", err)
		}
	}
	return nil
}

func (s *SQLEventSink) Record(ctx context.Context, ev domain.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		string(ev.Kind), ev.Key, ev.Identifier, ev.Value, ev.Allowed,
		ev.Reason, ev.Method, ev.Path, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// CountByIdentifier conta os eventos de um tipo para um identificador.
func (s *SQLEventSink) CountByIdentifier(ctx context.Context, kind domain.EventKind, identifier string) (int64, error) {
	query := `SELECT COUNT(*) FROM admission_events WHERE kind = ? AND identifier = ?`
	if s.dialect == "postgres" {
		query = `SELECT COUNT(*) FROM admission_events WHERE kind = $1 AND identifier = $2`
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, string(kind), identifier).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
