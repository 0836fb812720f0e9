package ledger

import (
	"fmt"

	"github.com/selene-os/selene/core/pkg/canonhash"
)

const genesisHash = "genesis"

// entryHash computes the chained hash of an event. The hash covers the
// partition sequence, identity and payload hash plus the previous entry
// hash, so any mutation of an existing row breaks the chain.
func entryHash(ev *Event) (string, error) {
	hashable := struct {
		Sequence       uint64 `json:"sequence"`
		TenantID       string `json:"tenant_id"`
		CorrelationID  string `json:"correlation_id"`
		TurnID         string `json:"turn_id"`
		EngineID       string `json:"engine_id"`
		CapabilityID   string `json:"capability_id"`
		EventType      string `json:"event_type"`
		ReasonCode     string `json:"reason_code"`
		IdempotencyKey string `json:"idempotency_key"`
		EntityID       string `json:"entity_id"`
		PayloadHash    string `json:"payload_hash"`
		PrevHash       string `json:"prev_hash"`
	}{
		Sequence:       ev.Sequence,
		TenantID:       ev.TenantID,
		CorrelationID:  ev.CorrelationID,
		TurnID:         ev.TurnID,
		EngineID:       ev.EngineID,
		CapabilityID:   ev.CapabilityID,
		EventType:      ev.EventType,
		ReasonCode:     string(ev.ReasonCode),
		IdempotencyKey: ev.IdempotencyKey,
		EntityID:       ev.EntityID,
		PayloadHash:    ev.PayloadHash,
		PrevHash:       ev.PrevHash,
	}
	h, err := canonhash.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("ledger: entry hash: %w", err)
	}
	return h, nil
}

// Seal fills in sequence, chain hashes and payload hash for an event
// about to be appended at position seq with predecessor prev.
func Seal(ev *Event, seq uint64, prev string) error {
	if ev.PayloadHash == "" {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		h, err := canonhash.Hash(payload)
		if err != nil {
			return err
		}
		ev.PayloadHash = h
	}
	ev.Sequence = seq
	ev.PrevHash = prev
	h, err := entryHash(ev)
	if err != nil {
		return err
	}
	ev.EntryHash = h
	return nil
}

// VerifyChain walks one partition's events in order and checks the hash
// chain. Events must be the full partition history in append order.
func VerifyChain(events []*Event) error {
	prev := genesisHash
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("ledger: chain broken at entry %d: prev_hash %s, expected %s",
				i, ev.PrevHash, prev)
		}
		computed, err := entryHash(ev)
		if err != nil {
			return err
		}
		if computed != ev.EntryHash {
			return fmt.Errorf("ledger: hash mismatch at entry %d", i)
		}
		prev = ev.EntryHash
	}
	return nil
}
