// Package envelope defines the invocation envelope — the single input
// shape shared by every Selene capability call — and its fail-closed
// structural validation.
//
// The envelope is immutable after construction: the dispatcher never
// mutates caller-supplied data, it only derives a timestamp and a
// generated event id downstream.
package envelope

import (
	"fmt"
	"time"

	"github.com/selene-os/selene/core/pkg/canonhash"
)

// Envelope is one capability invocation.
type Envelope struct {
	TenantID       string         `json:"tenant_id"`
	CorrelationID  string         `json:"correlation_id"`
	TurnID         string         `json:"turn_id"`
	SessionID      string         `json:"session_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	ReceivedAt     time.Time      `json:"received_at,omitempty"`
}

// Clone returns a deep copy so downstream stages can never alias
// caller-owned maps.
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	return &out
}

// PayloadHash returns the canonical hash of the capability payload.
// This hash is the replay-equality token recorded with an idempotency
// reservation: same key + same hash is a replay, same key + different
// hash is a conflict.
func (e *Envelope) PayloadHash() (string, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	h, err := canonhash.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("envelope: payload hash: %w", err)
	}
	return h, nil
}
