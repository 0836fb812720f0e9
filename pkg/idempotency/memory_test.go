package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selene-os/selene/core/pkg/reason"
)

func TestFreshThenReplay(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	res, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, err)
	require.Equal(t, OutcomeFresh, res.Outcome)
	require.NotNil(t, res.Reservation)

	err = s.Commit(ctx, res.Reservation, "e1", reason.CodeOK, map[string]any{"event_id": "e1"})
	require.NoError(t, err)

	again, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, again.Outcome)
	assert.Equal(t, "e1", again.Record.EventID)
	assert.Equal(t, reason.CodeOK, again.Record.ReasonCode)
}

func TestConflictOnDifferentPayload(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	res, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, s.Commit(ctx, res.Reservation, "e1", reason.CodeOK, nil))

	conflict, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:bbb")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, conflict.Outcome)
}

func TestReleaseUnblocksRetry(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	res, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, s.Release(ctx, res.Reservation))

	retry, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFresh, retry.Outcome, "released key must be reservable again")
}

func TestStaleReservationRejected(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	res, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, s.Release(ctx, res.Reservation))

	err := s.Commit(ctx, res.Reservation, "e1", reason.CodeOK, nil)
	assert.ErrorIs(t, err, ErrStaleReservation)
	err = s.Release(ctx, res.Reservation)
	assert.ErrorIs(t, err, ErrStaleReservation)
}

func TestFailFastDuplicate(t *testing.T) {
	s := NewMemoryStore(WaitModeFailFast)
	ctx := context.Background()

	first, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.Equal(t, OutcomeFresh, first.Outcome)

	dup, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, dup.Outcome)

	// After the first commits, the duplicate resolves as a replay.
	require.NoError(t, s.Commit(ctx, first.Reservation, "e1", reason.CodeOK, nil))
	dup2, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, dup2.Outcome)
}

func TestWaitModeDuplicateBlocksUntilCommit(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	first, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.Equal(t, OutcomeFresh, first.Outcome)

	resolved := make(chan *Resolution, 1)
	go func() {
		dup, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
		if err == nil {
			resolved <- dup
		}
	}()

	select {
	case <-resolved:
		t.Fatal("duplicate must block while reservation is in flight")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Commit(ctx, first.Reservation, "e1", reason.CodeOK, nil))

	select {
	case dup := <-resolved:
		assert.Equal(t, OutcomeReplay, dup.Outcome)
		assert.Equal(t, "e1", dup.Record.EventID)
	case <-time.After(time.Second):
		t.Fatal("duplicate did not resolve after commit")
	}
}

func TestWaitModeRespectsContext(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	first, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.Equal(t, OutcomeFresh, first.Outcome)

	timed, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := s.GetOrReserve(timed, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentReservationsExactlyOneWins(t *testing.T) {
	s := NewMemoryStore(WaitModeFailFast)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
			if err != nil {
				return
			}
			if res.Outcome == OutcomeFresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh, "exactly one concurrent caller wins the reservation")
}

func TestKeysScopedPerEngine(t *testing.T) {
	s := NewMemoryStore(WaitModeWait)
	ctx := context.Background()

	a, _ := s.GetOrReserve(ctx, "t1", "SEL.AUDIT", "k1", "sha256:aaa")
	require.Equal(t, OutcomeFresh, a.Outcome)
	b, _ := s.GetOrReserve(ctx, "t1", "SEL.SESSION", "k1", "sha256:aaa")
	assert.Equal(t, OutcomeFresh, b.Outcome, "same key under a different engine is independent")
}
