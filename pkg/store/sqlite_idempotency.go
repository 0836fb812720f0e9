package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/reason"
)

const (
	idemStatusInFlight  = "IN_FLIGHT"
	idemStatusCommitted = "COMMITTED"
)

// GetOrReserve implements idempotency.Store with a transactional
// conditional insert. In WAIT mode an in-flight key is polled until the
// holder resolves or the context is done.
func (s *SQLiteStore) GetOrReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*idempotency.Resolution, error) {
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

func (s *SQLiteStore) tryReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*idempotency.Resolution, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status      string
		storedHash  string
		eventID     string
		reasonCode  string
		resultJSON  sql.NullString
		committedAt string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, payload_hash, event_id, reason_code, result, committed_at
		 FROM selene_idempotency
		 WHERE tenant_id = ? AND engine_id = ? AND idem_key = ?`,
		tenantID, engineID, key).Scan(&status, &storedHash, &eventID, &reasonCode, &resultJSON, &committedAt)

	switch {
	case err == sql.ErrNoRows:
		token := uuid.New().String()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO selene_idempotency
			 (tenant_id, engine_id, idem_key, payload_hash, status, token, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tenantID, engineID, key, payloadHash, idemStatusInFlight, token,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			if isUniqueViolation(err) {
				// Lost the race; re-evaluate.
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("store: reserve: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("store: commit reserve: %w", err)
		}
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

	case err != nil:
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
	return &idempotency.Resolution{
		Outcome: idempotency.OutcomeReplay,
		Record: &idempotency.Record{
			TenantID:    tenantID,
			EngineID:    engineID,
			Key:         key,
			PayloadHash: storedHash,
			EventID:     eventID,
			ReasonCode:  reason.Code(reasonCode),
			Result:      result,
			CommittedAt: parseTime(committedAt),
		},
	}, false, nil
}

// Commit implements idempotency.Store for results that carry no ledger
// row of their own. Dispatch uses CommitDecision for write capabilities.
func (s *SQLiteStore) Commit(ctx context.Context, res *idempotency.Reservation, eventID string, code reason.Code, result map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := commitReservationInTx(ctx, tx, res, eventID, code, result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func commitReservationInTx(ctx context.Context, tx *sql.Tx, res *idempotency.Reservation, eventID string, code reason.Code, result map[string]any) error {
	if res == nil {
		return fmt.Errorf("store: nil reservation")
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	outcome, err := tx.ExecContext(ctx,
		`UPDATE selene_idempotency
		 SET status = ?, event_id = ?, reason_code = ?, result = ?, committed_at = ?
		 WHERE tenant_id = ? AND engine_id = ? AND idem_key = ?
		   AND token = ? AND status = ?`,
		idemStatusCommitted, eventID, string(code), string(resultJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
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
func (s *SQLiteStore) Release(ctx context.Context, res *idempotency.Reservation) error {
	if res == nil {
		return fmt.Errorf("store: nil reservation")
	}
	outcome, err := s.db.ExecContext(ctx,
		`DELETE FROM selene_idempotency
		 WHERE tenant_id = ? AND engine_id = ? AND idem_key = ?
		   AND token = ? AND status = ?`,
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

// CommitDecision appends the ledger row and finalizes the idempotency
// reservation in one transaction. Both succeed or both fail — there is
// no state where a key is recorded without its row, or vice versa.
func (s *SQLiteStore) CommitDecision(ctx context.Context, ev *ledger.Event, res *idempotency.Reservation, code reason.Code, result map[string]any) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	eventID, err := appendInTx(ctx, tx, ev)
	if err != nil {
		return "", err
	}
	if res != nil {
		if err := commitReservationInTx(ctx, tx, res, eventID, code, result); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit decision: %w", err)
	}
	return eventID, nil
}
