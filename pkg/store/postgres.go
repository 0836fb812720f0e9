package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/reason"
)

// PostgresStore implements ledger.Store and idempotency.Store on
// PostgreSQL. Append-only and single-writer guarantees come from the
// unique constraints; conditional inserts run inside transactions.
type PostgresStore struct {
	db           *sql.DB
	mode         idempotency.WaitMode
	pollInterval time.Duration
}

func NewPostgresStore(db *sql.DB, mode idempotency.WaitMode) *PostgresStore {
	if mode == "" {
		mode = idempotency.WaitModeWait
	}
	return &PostgresStore{db: db, mode: mode, pollInterval: 25 * time.Millisecond}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS selene_events (
	event_id        TEXT PRIMARY KEY,
	seq             BIGINT NOT NULL,
	tenant_id       TEXT NOT NULL,
	correlation_id  TEXT NOT NULL,
	turn_id         TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	engine_id       TEXT NOT NULL,
	capability_id   TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	reason_code     TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	entity_id       TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	payload_hash    TEXT NOT NULL,
	prev_hash       TEXT NOT NULL,
	entry_hash      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, engine_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_selene_events_idem
	ON selene_events (tenant_id, engine_id, idempotency_key)
	WHERE idempotency_key != '';

CREATE INDEX IF NOT EXISTS idx_selene_events_corr
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
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	committed_at TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, engine_id, idem_key)
);
`

// Init creates the schema. Call once at startup.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

// Append implements ledger.Store.
func (s *PostgresStore) Append(ctx context.Context, ev *ledger.Event) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	eventID, err := s.appendInTx(ctx, tx, ev)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return eventID, nil
}

func (s *PostgresStore) appendInTx(ctx context.Context, tx *sql.Tx, ev *ledger.Event) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("store: nil event")
	}
	eventID := ev.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	var seq uint64
	var head string
	err := tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM selene_events
		 WHERE tenant_id = $1 AND engine_id = $2
		 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		ev.TenantID, ev.EngineID).Scan(&seq, &head)
	if err == sql.ErrNoRows {
		seq, head = 0, "genesis"
	} else if err != nil {
		return "", fmt.Errorf("store: partition head: %w", err)
	}

	stored := *ev
	stored.EventID = eventID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if err := ledger.Seal(&stored, seq+1, head); err != nil {
		return "", err
	}

	payloadJSON, err := json.Marshal(stored.Payload)
	if err != nil {
		return "", fmt.Errorf("store: encode payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO selene_events (
			event_id, seq, tenant_id, correlation_id, turn_id, session_id,
			engine_id, capability_id, event_type, reason_code,
			idempotency_key, entity_id, payload, payload_hash,
			prev_hash, entry_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		stored.EventID, stored.Sequence, stored.TenantID, stored.CorrelationID,
		stored.TurnID, stored.SessionID, stored.EngineID, stored.CapabilityID,
		stored.EventType, string(stored.ReasonCode), stored.IdempotencyKey,
		stored.EntityID, payloadJSON, stored.PayloadHash,
		stored.PrevHash, stored.EntryHash, stored.CreatedAt.UTC())
	if err != nil {
		if isPgUniqueViolation(err) {
			return "", ledger.ErrAppendOnlyViolation
		}
		return "", fmt.Errorf("store: insert event: %w", err)
	}
	return stored.EventID, nil
}

func isPgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// ReadByCorrelation implements ledger.Store.
func (s *PostgresStore) ReadByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*ledger.Event, error) {
	if tenantID == "" || correlationID == "" {
		return nil, ledger.ErrInvalidScope
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM selene_events
		 WHERE tenant_id = $1 AND correlation_id = $2
		 ORDER BY created_at, seq`,
		tenantID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: read correlation: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

// ReadByScope implements ledger.Store.
func (s *PostgresStore) ReadByScope(ctx context.Context, filter ledger.ScopeFilter) ([]*ledger.Event, error) {
	if filter.TenantID == "" {
		return nil, ledger.ErrInvalidScope
	}
	where := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	add := func(clause, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", clause, len(args)))
	}
	add("engine_id", filter.EngineID)
	add("correlation_id", filter.CorrelationID)
	add("entity_id", filter.EntityID)
	add("event_type", filter.EventType)

	query := `SELECT ` + eventColumns + ` FROM selene_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY engine_id, seq`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read scope: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func scanPgEvents(rows *sql.Rows) ([]*ledger.Event, error) {
	var events []*ledger.Event
	for rows.Next() {
		var (
			ev          ledger.Event
			reasonCode  string
			payloadJSON []byte
			createdAt   time.Time
		)
		err := rows.Scan(
			&ev.EventID, &ev.Sequence, &ev.TenantID, &ev.CorrelationID,
			&ev.TurnID, &ev.SessionID, &ev.EngineID, &ev.CapabilityID,
			&ev.EventType, &reasonCode, &ev.IdempotencyKey, &ev.EntityID,
			&payloadJSON, &ev.PayloadHash, &ev.PrevHash, &ev.EntryHash,
			&createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("store: decode payload: %w", err)
			}
		}
		ev.ReasonCode = reason.Code(reasonCode)
		ev.CreatedAt = createdAt.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// GetOrReserve implements idempotency.Store.
func (s *PostgresStore) GetOrReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*idempotency.Resolution, error) {
	if tenantID == "" || engineID == "" || key == "" || payloadHash == "" {
		return nil, fmt.Errorf("store: tenant, engine, key and payload hash are required")
	}
	for {
		res, inFlight, err := s.tryReserve(ctx, tenantID, engineID, key, payloadHash)
		if err != nil {
			return nil, err
		}
		if !inFlight {
			return res, nil
		}
		if s.mode == idempotency.WaitModeFailFast {
			return &idempotency.Resolution{Outcome: idempotency.OutcomeInFlight}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *PostgresStore) tryReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*idempotency.Resolution, bool, error) {
	token := uuid.New().String()
	outcome, err := s.db.ExecContext(ctx,
		`INSERT INTO selene_idempotency
		 (tenant_id, engine_id, idem_key, payload_hash, status, token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (tenant_id, engine_id, idem_key) DO NOTHING`,
		tenantID, engineID, key, payloadHash, idemStatusInFlight, token)
	if err != nil {
		return nil, false, fmt.Errorf("store: reserve: %w", err)
	}
	inserted, err := outcome.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("store: reserve: %w", err)
	}
	if inserted == 1 {
		return &idempotency.Resolution{
			Outcome: idempotency.OutcomeFresh,
			Reservation: &idempotency.Reservation{
				TenantID:    tenantID,
				EngineID:    engineID,
				Key:         key,
				PayloadHash: payloadHash,
				Token:       token,
			},
		}, false, nil
	}

	var (
		status      string
		storedHash  string
		eventID     string
		reasonCode  string
		resultJSON  sql.NullString
		committedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT status, payload_hash, event_id, reason_code, result, committed_at
		 FROM selene_idempotency
		 WHERE tenant_id = $1 AND engine_id = $2 AND idem_key = $3`,
		tenantID, engineID, key).Scan(&status, &storedHash, &eventID, &reasonCode, &resultJSON, &committedAt)
	if err == sql.ErrNoRows {
		// Released between insert attempt and read; retry.
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: idempotency lookup: %w", err)
	}
	if status == idemStatusInFlight {
		return nil, true, nil
	}
	if storedHash != payloadHash {
		return &idempotency.Resolution{Outcome: idempotency.OutcomeConflict}, false, nil
	}

	var result map[string]any
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, false, fmt.Errorf("store: decode result: %w", err)
		}
	}
	record := &idempotency.Record{
		TenantID:    tenantID,
		EngineID:    engineID,
		Key:         key,
		PayloadHash: storedHash,
		EventID:     eventID,
		ReasonCode:  reason.Code(reasonCode),
		Result:      result,
	}
	if committedAt.Valid {
		record.CommittedAt = committedAt.Time.UTC()
	}
	return &idempotency.Resolution{Outcome: idempotency.OutcomeReplay, Record: record}, false, nil
}

// Commit implements idempotency.Store.
func (s *PostgresStore) Commit(ctx context.Context, res *idempotency.Reservation, eventID string, code reason.Code, result map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.commitReservationInTx(ctx, tx, res, eventID, code, result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) commitReservationInTx(ctx context.Context, tx *sql.Tx, res *idempotency.Reservation, eventID string, code reason.Code, result map[string]any) error {
	if res == nil {
		return fmt.Errorf("store: nil reservation")
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	outcome, err := tx.ExecContext(ctx,
		`UPDATE selene_idempotency
		 SET status = $1, event_id = $2, reason_code = $3, result = $4, committed_at = NOW()
		 WHERE tenant_id = $5 AND engine_id = $6 AND idem_key = $7
		   AND token = $8 AND status = $9`,
		idemStatusCommitted, eventID, string(code), string(resultJSON),
		res.TenantID, res.EngineID, res.Key, res.Token, idemStatusInFlight)
	if err != nil {
		return fmt.Errorf("store: commit reservation: %w", err)
	}
	affected, err := outcome.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: commit reservation: %w", err)
	}
	if affected == 0 {
		return idempotency.ErrStaleReservation
	}
	return nil
}

// Release implements idempotency.Store.
func (s *PostgresStore) Release(ctx context.Context, res *idempotency.Reservation) error {
	if res == nil {
		return fmt.Errorf("store: nil reservation")
	}
	outcome, err := s.db.ExecContext(ctx,
		`DELETE FROM selene_idempotency
		 WHERE tenant_id = $1 AND engine_id = $2 AND idem_key = $3
		   AND token = $4 AND status = $5`,
		res.TenantID, res.EngineID, res.Key, res.Token, idemStatusInFlight)
	if err != nil {
		return fmt.Errorf("store: release reservation: %w", err)
	}
	affected, err := outcome.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: release reservation: %w", err)
	}
	if affected == 0 {
		return idempotency.ErrStaleReservation
	}
	return nil
}

// CommitDecision appends the event and finalizes the reservation in one
// transaction.
func (s *PostgresStore) CommitDecision(ctx context.Context, ev *ledger.Event, res *idempotency.Reservation, code reason.Code, result map[string]any) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	eventID, err := s.appendInTx(ctx, tx, ev)
	if err != nil {
		return "", err
	}
	if res != nil {
		if err := s.commitReservationInTx(ctx, tx, res, eventID, code, result); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit decision: %w", err)
	}
	return eventID, nil
}
