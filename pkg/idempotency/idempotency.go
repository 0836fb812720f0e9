// Package idempotency implements the keyed commit-or-replay ledger.
//
// The serialization primitive is a conditional insert: the first caller
// to reserve a (tenant, engine, key) wins and executes; every later
// caller with the same key observes either a replay of the committed
// result, a conflict (same key, different payload), or the in-flight
// reservation. Records are first-writer-wins and never mutated after
// commit.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/selene-os/selene/core/pkg/reason"
)

var (
	// ErrConflict is returned when a key is reused with a different
	// canonical payload hash. The kernel never silently picks a version.
	ErrConflict = errors.New("idempotency: key reused with conflicting payload")
	// ErrInFlight is returned in FAIL_FAST mode when a duplicate call
	// arrives while the first reservation has not committed yet.
	ErrInFlight = errors.New("idempotency: reservation in flight")
	// ErrStaleReservation is returned when committing or releasing a
	// reservation that is no longer held.
	ErrStaleReservation = errors.New("idempotency: stale reservation")
)

// Outcome classifies a GetOrReserve resolution.
type Outcome int

const (
	// OutcomeFresh: no prior record; the caller holds the reservation and
	// must Commit or Release it.
	OutcomeFresh Outcome = iota
	// OutcomeReplay: identical key and payload hash were committed
	// before; the stored result is returned verbatim.
	OutcomeReplay
	// OutcomeConflict: identical key, different payload hash.
	OutcomeConflict
	// OutcomeInFlight: another caller holds the reservation (FAIL_FAST
	// mode only — WAIT mode blocks instead).
	OutcomeInFlight
)

// WaitMode controls what a duplicate caller does while the first
// reservation is still in flight.
type WaitMode string

const (
	// WaitModeWait blocks the duplicate until the first caller commits or
	// releases, then resolves as Replay or Fresh. This is the default:
	// the duplicate gets the same answer it would have gotten by arriving
	// a moment later.
	WaitModeWait WaitMode = "WAIT"
	// WaitModeFailFast returns OutcomeInFlight immediately.
	WaitModeFailFast WaitMode = "FAIL_FAST"
)

// Record is one committed idempotency entry.
type Record struct {
	TenantID    string         `json:"tenant_id"`
	EngineID    string         `json:"engine_id"`
	Key         string         `json:"key"`
	PayloadHash string         `json:"payload_hash"`
	EventID     string         `json:"event_id"`
	ReasonCode  reason.Code    `json:"reason_code"`
	Result      map[string]any `json:"result,omitempty"`
	CommittedAt time.Time      `json:"committed_at"`
}

// Reservation is a held (uncommitted) claim on a key. The token fences
// against stale holders committing after a timeout release.
type Reservation struct {
	TenantID    string
	EngineID    string
	Key         string
	PayloadHash string
	Token       string
}

// Resolution is the outcome of GetOrReserve.
type Resolution struct {
	Outcome     Outcome
	Record      *Record      // set on OutcomeReplay
	Reservation *Reservation // set on OutcomeFresh
}

// Store is the idempotency ledger contract.
type Store interface {
	// GetOrReserve resolves a key: Fresh (reservation held), Replay,
	// Conflict, or InFlight. In WAIT mode it blocks on in-flight keys
	// until the context is done.
	GetOrReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*Resolution, error)
	// Commit finalizes a held reservation with the executed result.
	Commit(ctx context.Context, res *Reservation, eventID string, code reason.Code, result map[string]any) error
	// Release rolls back a held reservation (crash/timeout path) so a
	// later retry is not blocked.
	Release(ctx context.Context, res *Reservation) error
}
