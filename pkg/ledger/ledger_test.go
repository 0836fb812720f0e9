package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selene-os/selene/core/pkg/reason"
)

func testEvent(key string) *Event {
	return &Event{
		TenantID:       "t1",
		CorrelationID:  "c1",
		TurnID:         "turn-1",
		EngineID:       "SEL.AUDIT",
		CapabilityID:   "SEL.AUDIT.ROW_COMMIT",
		EventType:      "AUDIT_ROW_COMMITTED",
		ReasonCode:     reason.CodeOK,
		IdempotencyKey: key,
		Payload:        map[string]any{"reason_code": "OK"},
	}
}

func TestAppendAndRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.Append(ctx, testEvent("k1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rows, err := s.ReadByCorrelation(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].EventID)
	assert.Equal(t, uint64(1), rows[0].Sequence)
	assert.NotEmpty(t, rows[0].EntryHash)
	assert.False(t, rows[0].CreatedAt.IsZero())
}

func TestAppendRejectsDuplicateEventID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ev := testEvent("")
	ev.EventID = "fixed-id"
	_, err := s.Append(ctx, ev)
	require.NoError(t, err)

	dup := testEvent("")
	dup.EventID = "fixed-id"
	_, err = s.Append(ctx, dup)
	assert.ErrorIs(t, err, ErrAppendOnlyViolation)
}

func TestAppendRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("k1"))
	require.NoError(t, err)

	before, err := s.ReadByScope(ctx, ScopeFilter{TenantID: "t1", EngineID: "SEL.AUDIT"})
	require.NoError(t, err)

	_, err = s.Append(ctx, testEvent("k1"))
	assert.ErrorIs(t, err, ErrAppendOnlyViolation)

	after, err := s.ReadByScope(ctx, ScopeFilter{TenantID: "t1", EngineID: "SEL.AUDIT"})
	require.NoError(t, err)
	assert.Equal(t, before, after, "ledger content must be unchanged after a failed append")
}

func TestDuplicateKeyAllowedAcrossEngines(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("k1"))
	require.NoError(t, err)

	other := testEvent("k1")
	other.EngineID = "SEL.SESSION"
	_, err = s.Append(ctx, other)
	assert.NoError(t, err, "idempotency keys are scoped per (tenant, engine)")
}

func TestReadEmptyScopeReturnsEmpty(t *testing.T) {
	s := NewMemoryStore()
	rows, err := s.ReadByScope(context.Background(), ScopeFilter{TenantID: "t1", EngineID: "SEL.AUDIT"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReadMalformedScopeFails(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ReadByScope(context.Background(), ScopeFilter{TenantID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = s.ReadByCorrelation(context.Background(), "", "c1")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestChainVerify(t *testing.T) {
	s := NewMemoryStore().WithClock(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := testEvent("")
		ev.Payload = map[string]any{"i": i}
		_, err := s.Append(ctx, ev)
		require.NoError(t, err)
	}
	require.NoError(t, s.Verify("t1", "SEL.AUDIT"))

	rows, _ := s.ReadByScope(ctx, ScopeFilter{TenantID: "t1", EngineID: "SEL.AUDIT"})
	rows[2].PayloadHash = "sha256:tampered"
	assert.Error(t, VerifyChain(rows), "tampered history must fail verification")
}

func TestPartitionSequencesIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent(""))
	require.NoError(t, err)

	other := testEvent("")
	other.TenantID = "t2"
	_, err = s.Append(ctx, other)
	require.NoError(t, err)

	rows, _ := s.ReadByScope(ctx, ScopeFilter{TenantID: "t2", EngineID: "SEL.AUDIT"})
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].Sequence, "sequences are per partition")
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Append(ctx, testEvent(""))
	require.NoError(t, err)

	rows, _ := s.ReadByCorrelation(ctx, "t1", "c1")
	rows[0].Payload["reason_code"] = "MUTATED"

	again, _ := s.ReadByCorrelation(ctx, "t1", "c1")
	assert.Equal(t, "OK", again[0].Payload["reason_code"], "stored rows must be immutable")
}
