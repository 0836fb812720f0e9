// Package store implements the durable backends for the Selene ledgers:
// an embedded SQLite store carrying both the append-only event ledger
// and the idempotency ledger in one database (one atomic commit unit),
// and a Postgres event store for shared deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/reason"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists events and idempotency records in one SQLite
// database. It implements ledger.Store and idempotency.Store, plus the
// transactional CommitDecision the dispatcher uses so an idempotency key
// is never recorded without its ledger row or vice versa.
type SQLiteStore struct {
	db           *sql.DB
	mode         idempotency.WaitMode
	pollInterval time.Duration
}

// OpenSQLite opens (and migrates) a SQLite kernel store at path.
// Use ":memory:" for tests.
func OpenSQLite(path string, mode idempotency.WaitMode) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite locks the whole database per writer; a single connection
	// avoids spurious SQLITE_BUSY under concurrent dispatch.
	db.SetMaxOpenConns(1)
	if mode == "" {
		mode = idempotency.WaitModeWait
	}
	s := &SQLiteStore{db: db, mode: mode, pollInterval: 25 * time.Millisecond}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS selene_events (
		event_id        TEXT PRIMARY KEY,
		seq             INTEGER NOT NULL,
		tenant_id       TEXT NOT NULL,
		correlation_id  TEXT NOT NULL,
		turn_id         TEXT NOT NULL,
		session_id      TEXT NOT NULL DEFAULT '',
		engine_id       TEXT NOT NULL,
		capability_id   TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		reason_code     TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		entity_id       TEXT NOT NULL DEFAULT '',
		payload         JSON,
		payload_hash    TEXT NOT NULL,
		prev_hash       TEXT NOT NULL,
		entry_hash      TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		UNIQUE (tenant_id, engine_id, seq)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_selene_events_idem
		ON selene_events (tenant_id, engine_id, idempotency_key)
		WHERE idempotency_key != '';
	CREATE INDEX IF NOT EXISTS idx_selene_events_correlation
		ON selene_events (tenant_id, correlation_id);
	CREATE TABLE IF NOT EXISTS selene_idempotency (
		tenant_id    TEXT NOT NULL,
		engine_id    TEXT NOT NULL,
		idem_key     TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		status       TEXT NOT NULL,
		token        TEXT NOT NULL,
		event_id     TEXT NOT NULL DEFAULT '',
		reason_code  TEXT NOT NULL DEFAULT '',
		result       JSON,
		created_at   TEXT NOT NULL,
		committed_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, engine_id, idem_key)
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

// Append implements ledger.Store.
func (s *SQLiteStore) Append(ctx context.Context, ev *ledger.Event) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := appendInTx(ctx, tx, ev)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

func appendInTx(ctx context.Context, tx *sql.Tx, ev *ledger.Event) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("store: nil event")
	}
	if ev.TenantID == "" || ev.EngineID == "" {
		return "", fmt.Errorf("%w: tenant_id and engine_id are required", ledger.ErrInvalidScope)
	}

	eventID := ev.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM selene_events WHERE event_id = ?`, eventID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("store: event id lookup: %w", err)
	}
	if exists > 0 {
		return "", fmt.Errorf("%w: event %s already exists", ledger.ErrAppendOnlyViolation, eventID)
	}
	if ev.IdempotencyKey != "" {
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM selene_events
			 WHERE tenant_id = ? AND engine_id = ? AND idempotency_key = ?`,
			ev.TenantID, ev.EngineID, ev.IdempotencyKey).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("store: idempotency lookup: %w", err)
		}
		if exists > 0 {
			return "", fmt.Errorf("%w: idempotency key %s already recorded for %s/%s",
				ledger.ErrAppendOnlyViolation, ev.IdempotencyKey, ev.TenantID, ev.EngineID)
		}
	}

	var seq uint64
	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM selene_events
		 WHERE tenant_id = ? AND engine_id = ? ORDER BY seq DESC LIMIT 1`,
		ev.TenantID, ev.EngineID).Scan(&seq, &prevHash)
	if err == sql.ErrNoRows {
		seq, prevHash = 0, "genesis"
	} else if err != nil {
		return "", fmt.Errorf("store: partition head lookup: %w", err)
	}

	sealed := *ev
	sealed.EventID = eventID
	sealed.CreatedAt = createdAt
	if err := ledger.Seal(&sealed, seq+1, prevHash); err != nil {
		return "", err
	}

	payloadJSON, err := json.Marshal(sealed.Payload)
	if err != nil {
		return "", fmt.Errorf("store: encode payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO selene_events (
			event_id, seq, tenant_id, correlation_id, turn_id, session_id,
			engine_id, capability_id, event_type, reason_code,
			idempotency_key, entity_id, payload, payload_hash,
			prev_hash, entry_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sealed.EventID, sealed.Sequence, sealed.TenantID, sealed.CorrelationID,
		sealed.TurnID, sealed.SessionID, sealed.EngineID, sealed.CapabilityID,
		sealed.EventType, string(sealed.ReasonCode), sealed.IdempotencyKey,
		sealed.EntityID, string(payloadJSON), sealed.PayloadHash,
		sealed.PrevHash, sealed.EntryHash,
		sealed.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %v", ledger.ErrAppendOnlyViolation, err)
		}
		return "", fmt.Errorf("store: insert event: %w", err)
	}
	return sealed.EventID, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const eventColumns = `event_id, seq, tenant_id, correlation_id, turn_id, session_id,
	engine_id, capability_id, event_type, reason_code, idempotency_key,
	entity_id, payload, payload_hash, prev_hash, entry_hash, created_at`

// ReadByCorrelation implements ledger.Store.
func (s *SQLiteStore) ReadByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*ledger.Event, error) {
	if tenantID == "" || correlationID == "" {
		return nil, fmt.Errorf("%w: tenant_id and correlation_id are required", ledger.ErrInvalidScope)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM selene_events
		 WHERE tenant_id = ? AND correlation_id = ?
		 ORDER BY created_at, seq`, tenantID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: read by correlation: %w", err)
	}
	return scanEvents(rows)
}

// ReadByScope implements ledger.Store.
func (s *SQLiteStore) ReadByScope(ctx context.Context, filter ledger.ScopeFilter) ([]*ledger.Event, error) {
	if filter.TenantID == "" || filter.EngineID == "" {
		return nil, fmt.Errorf("%w: tenant_id and engine_id are required", ledger.ErrInvalidScope)
	}
	query := `SELECT ` + eventColumns + ` FROM selene_events
		WHERE tenant_id = ? AND engine_id = ?`
	args := []any{filter.TenantID, filter.EngineID}
	if filter.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, filter.CorrelationID)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read by scope: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*ledger.Event, error) {
	defer func() { _ = rows.Close() }()
	out := make([]*ledger.Event, 0)
	for rows.Next() {
		var (
			ev          ledger.Event
			reasonCode  string
			payloadJSON sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&ev.EventID, &ev.Sequence, &ev.TenantID, &ev.CorrelationID,
			&ev.TurnID, &ev.SessionID, &ev.EngineID, &ev.CapabilityID, &ev.EventType,
			&reasonCode, &ev.IdempotencyKey, &ev.EntityID, &payloadJSON,
			&ev.PayloadHash, &ev.PrevHash, &ev.EntryHash, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.ReasonCode = reason.Code(reasonCode)
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("store: decode payload: %w", err)
			}
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
