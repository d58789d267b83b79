package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// DefaultTable holds one row per dispatched action
const DefaultTable = "mitigation_actions"

// writeTimeout bounds a single insert
const writeTimeout = 5 * time.Second

// Sink records dispatched actions
type Sink interface {
	Record(ctx context.Context, record types.ActionRecord) error
	Close() error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSink writes action records to PostgreSQL
type PostgresSink struct {
	db     *sql.DB
	exec   execer
	table  string
	hostID string
	logger *slog.Logger
}

// NewPostgresSink opens dsn, checks the connection and creates the table if needed
func NewPostgresSink(ctx context.Context, dsn, hostID string, logger *slog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresSink{
		db:     db,
		exec:   db,
		table:  DefaultTable,
		hostID: hostID,
		logger: logger,
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             UUID PRIMARY KEY,
			host_id        TEXT NOT NULL,
			event_id       TEXT NOT NULL,
			kind           TEXT NOT NULL,
			source         TEXT NOT NULL,
			classification TEXT NOT NULL,
			action         TEXT NOT NULL,
			cost           DOUBLE PRECISION NOT NULL,
			outcome        TEXT NOT NULL,
			error          TEXT,
			created_at     TIMESTAMPTZ NOT NULL
		)`, pq.QuoteIdentifier(s.table))

	if _, err := s.exec.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// Record inserts one action record. Duplicate ids are ignored.
func (s *PostgresSink) Record(ctx context.Context, record types.ActionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, host_id, event_id, kind, source, classification, action, cost, outcome, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, pq.QuoteIdentifier(s.table))

	var errText sql.NullString
	if record.Error != "" {
		errText = sql.NullString{String: record.Error, Valid: true}
	}

	_, err := s.exec.ExecContext(ctx, query,
		record.ID,
		s.hostID,
		record.EventID,
		string(record.Kind),
		record.Source,
		string(record.Classification),
		string(record.Action),
		record.Cost,
		string(record.Outcome),
		errText,
		record.Timestamp.UTC(),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("failed to insert action record (%s): %w", pqErr.Code.Name(), err)
		}
		return fmt.Errorf("failed to insert action record: %w", err)
	}

	s.logger.Debug("Action audited", "record_id", record.ID, "action", record.Action)
	return nil
}

// Close closes the database connection
func (s *PostgresSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Discard drops every record. It is used when no audit DSN is configured.
type Discard struct{}

// Record does nothing
func (Discard) Record(context.Context, types.ActionRecord) error { return nil }

// Close does nothing
func (Discard) Close() error { return nil }
