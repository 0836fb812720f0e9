// Package ledger — the Selene append-only event ledger.
//
// The ledger is the system of record every write-capable engine commits
// to and the governance gate reads from. Rows are never updated or
// deleted; each (tenant_id, engine_id) partition is hash-chained so
// integrity can be audited after the fact. The append-only invariant is
// enforced inside the ledger itself, never trusted to callers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/selene-os/selene/core/pkg/reason"
)

var (
	// ErrAppendOnlyViolation is returned when an append would overwrite
	// an existing event id or reuse a (tenant, engine, idempotency_key).
	ErrAppendOnlyViolation = errors.New("ledger: append-only violation")
	// ErrInvalidScope is returned for malformed scope keys on reads.
	ErrInvalidScope = errors.New("ledger: invalid scope key")
)

// Event is one immutable ledger row.
type Event struct {
	EventID        string         `json:"event_id"`
	Sequence       uint64         `json:"sequence"` // monotonic within (tenant, engine)
	TenantID       string         `json:"tenant_id"`
	CorrelationID  string         `json:"correlation_id"`
	TurnID         string         `json:"turn_id"`
	SessionID      string         `json:"session_id,omitempty"`
	EngineID       string         `json:"engine_id"`
	CapabilityID   string         `json:"capability_id"`
	EventType      string         `json:"event_type"`
	ReasonCode     reason.Code    `json:"reason_code"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"` // lifecycle rows only
	Payload        map[string]any `json:"payload,omitempty"`
	PayloadHash    string         `json:"payload_hash"`
	PrevHash       string         `json:"prev_hash"`
	EntryHash      string         `json:"entry_hash"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScopeFilter selects events by partition and optional narrower keys.
type ScopeFilter struct {
	TenantID string
	EngineID string
	// Optional narrowing.
	CorrelationID string
	EntityID      string
	EventType     string
	Limit         int
}

func (f ScopeFilter) validate() error {
	if f.TenantID == "" || f.EngineID == "" {
		return fmt.Errorf("%w: tenant_id and engine_id are required", ErrInvalidScope)
	}
	return nil
}

// Store is the append-only event store contract. Read operations return
// empty slices on empty results; they fail only on malformed scope keys.
type Store interface {
	// Append persists one event and returns its event id. It fails with
	// ErrAppendOnlyViolation if the event id or the
	// (tenant, engine, idempotency_key) pair already exists.
	Append(ctx context.Context, ev *Event) (string, error)
	// ReadByCorrelation returns all events for a correlation in append order.
	ReadByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*Event, error)
	// ReadByScope returns partition events matching the filter in append order.
	ReadByScope(ctx context.Context, filter ScopeFilter) ([]*Event, error)
}

func partitionKey(tenantID, engineID string) string {
	return tenantID + "\x00" + engineID
}

func idemKey(tenantID, engineID, key string) string {
	return tenantID + "\x00" + engineID + "\x00" + key
}

func matches(f ScopeFilter, ev *Event) bool {
	if ev.TenantID != f.TenantID || ev.EngineID != f.EngineID {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if f.EntityID != "" && ev.EntityID != f.EntityID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	return true
}
