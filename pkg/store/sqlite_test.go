package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/reason"
)

func openTestStore(t *testing.T, mode idempotency.WaitMode) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:", mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(idemKey string) *ledger.Event {
	return &ledger.Event{
		TenantID:       "tenant-a",
		CorrelationID:  "corr-1",
		TurnID:         "turn-1",
		EngineID:       "SEL.AUDIT",
		CapabilityID:   "SEL.AUDIT.ROW_COMMIT",
		EventType:      "audit.row.committed",
		ReasonCode:     reason.CodeOK,
		IdempotencyKey: idemKey,
		Payload:        map[string]any{"row": "r-1"},
	}
}

func TestSQLiteAppendChainsPartition(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	id1, err := s.Append(ctx, testEvent("k-1"))
	require.NoError(t, err)
	id2, err := s.Append(ctx, testEvent("k-2"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	events, err := s.ReadByScope(ctx, ledger.ScopeFilter{
		TenantID: "tenant-a",
		EngineID: "SEL.AUDIT",
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, "genesis", events[0].PrevHash)
	assert.Equal(t, events[0].EntryHash, events[1].PrevHash)
	require.NoError(t, ledger.VerifyChain(events))
}

func TestSQLiteAppendRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("same-key"))
	require.NoError(t, err)

	_, err = s.Append(ctx, testEvent("same-key"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrAppendOnlyViolation))

	events, err := s.ReadByScope(ctx, ledger.ScopeFilter{TenantID: "tenant-a", EngineID: "SEL.AUDIT"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLiteAppendRejectsDuplicateEventID(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	ev := testEvent("")
	ev.EventID = "fixed-id"
	_, err := s.Append(ctx, ev)
	require.NoError(t, err)

	again := testEvent("")
	again.EventID = "fixed-id"
	_, err = s.Append(ctx, again)
	assert.True(t, errors.Is(err, ledger.ErrAppendOnlyViolation))
}

func TestSQLitePartitionsAreIndependent(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	evA := testEvent("shared-key")
	_, err := s.Append(ctx, evA)
	require.NoError(t, err)

	evB := testEvent("shared-key")
	evB.EngineID = "SEL.REMIND"
	evB.CapabilityID = "SEL.REMIND.WORKORDER_COMMIT"
	_, err = s.Append(ctx, evB)
	require.NoError(t, err)

	remind, err := s.ReadByScope(ctx, ledger.ScopeFilter{TenantID: "tenant-a", EngineID: "SEL.REMIND"})
	require.NoError(t, err)
	require.Len(t, remind, 1)
	assert.Equal(t, uint64(1), remind[0].Sequence)
	assert.Equal(t, "genesis", remind[0].PrevHash)
}

func TestSQLiteReadByCorrelation(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	_, err := s.Append(ctx, testEvent("k-1"))
	require.NoError(t, err)
	other := testEvent("k-2")
	other.CorrelationID = "corr-other"
	_, err = s.Append(ctx, other)
	require.NoError(t, err)

	events, err := s.ReadByCorrelation(ctx, "tenant-a", "corr-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "corr-1", events[0].CorrelationID)

	_, err = s.ReadByCorrelation(ctx, "", "corr-1")
	assert.True(t, errors.Is(err, ledger.ErrInvalidScope))
}

func TestSQLiteReserveCommitReplay(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	res, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeFresh, res.Outcome)
	require.NotNil(t, res.Reservation)
	assert.NotEmpty(t, res.Reservation.Token)

	ev := testEvent("key-1")
	ev.PayloadHash = "sha256:aa"
	eventID, err := s.CommitDecision(ctx, ev, res.Reservation, reason.CodeOK,
		map[string]any{"row": "r-1"})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	replay, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeReplay, replay.Outcome)
	require.NotNil(t, replay.Record)
	assert.Equal(t, eventID, replay.Record.EventID)
	assert.Equal(t, reason.CodeOK, replay.Record.ReasonCode)
	assert.Equal(t, "r-1", replay.Record.Result["row"])

	// The replay produced no additional ledger row.
	events, err := s.ReadByScope(ctx, ledger.ScopeFilter{TenantID: "tenant-a", EngineID: "SEL.AUDIT"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLiteReserveConflictOnDifferentPayload(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	res, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	ev := testEvent("key-1")
	ev.PayloadHash = "sha256:aa"
	_, err = s.CommitDecision(ctx, ev, res.Reservation, reason.CodeOK, nil)
	require.NoError(t, err)

	conflict, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:bb")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeConflict, conflict.Outcome)
}

func TestSQLiteFailFastReturnsInFlight(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeFailFast)
	ctx := context.Background()

	first, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeFresh, first.Outcome)

	second, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeInFlight, second.Outcome)
}

func TestSQLiteWaitBlocksUntilCommit(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	first, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeFresh, first.Outcome)

	done := make(chan *idempotency.Resolution, 1)
	go func() {
		res, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
		if err != nil {
			done <- nil
			return
		}
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("waiter resolved before the holder committed")
	case <-time.After(60 * time.Millisecond):
	}

	ev := testEvent("key-1")
	ev.PayloadHash = "sha256:aa"
	_, err = s.CommitDecision(ctx, ev, first.Reservation, reason.CodeOK, nil)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, idempotency.OutcomeReplay, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not resolve after commit")
	}
}

func TestSQLiteWaitHonorsContextDeadline(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeWait)
	ctx := context.Background()

	_, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = s.GetOrReserve(short, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSQLiteReleaseFreesTheKey(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeFailFast)
	ctx := context.Background()

	first, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, first.Reservation))

	again, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeFresh, again.Outcome)
}

func TestSQLiteStaleTokenRejected(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeFailFast)
	ctx := context.Background()

	first, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-1", "sha256:aa")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, first.Reservation))

	// A holder whose reservation was released must not be able to commit.
	err = s.Commit(ctx, first.Reservation, "ev-1", reason.CodeOK, nil)
	assert.True(t, errors.Is(err, idempotency.ErrStaleReservation))
	err = s.Release(ctx, first.Reservation)
	assert.True(t, errors.Is(err, idempotency.ErrStaleReservation))
}

func TestSQLiteCommitDecisionIsAtomic(t *testing.T) {
	s := openTestStore(t, idempotency.WaitModeFailFast)
	ctx := context.Background()

	// Seed a ledger row so a later append can collide on event_id.
	_, err := s.Append(ctx, testEvent("key-1"))
	require.NoError(t, err)

	res2, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-2", "sha256:aa")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeFresh, res2.Outcome)

	dup := testEvent("key-2")
	dup.EventID = mustFirstEventID(t, s)
	_, err = s.CommitDecision(ctx, dup, res2.Reservation, reason.CodeOK, nil)
	require.Error(t, err)

	// The failed decision must leave the reservation in flight: the key
	// is neither committed nor replayable.
	inflight, err := s.GetOrReserve(ctx, "tenant-a", "SEL.AUDIT", "key-2", "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeInFlight, inflight.Outcome)
}

func mustFirstEventID(t *testing.T, s *SQLiteStore) string {
	t.Helper()
	events, err := s.ReadByScope(context.Background(), ledger.ScopeFilter{
		TenantID: "tenant-a",
		EngineID: "SEL.AUDIT",
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[0].EventID
}
