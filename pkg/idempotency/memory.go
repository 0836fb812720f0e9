package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selene-os/selene/core/pkg/reason"
)

type entryStatus int

const (
	statusInFlight entryStatus = iota
	statusCommitted
)

type entry struct {
	status      entryStatus
	payloadHash string
	token       string
	record      *Record
	done        chan struct{} // closed on commit or release
}

// MemoryStore is the in-process idempotency ledger. The conditional
// insert happens under one mutex; WAIT-mode duplicates block on the
// reservation's done channel and re-resolve.
type MemoryStore struct {
	mu      sync.Mutex
	mode    WaitMode
	entries map[string]*entry
	clock   func() time.Time
}

// NewMemoryStore creates a store with the given wait mode.
func NewMemoryStore(mode WaitMode) *MemoryStore {
	if mode == "" {
		mode = WaitModeWait
	}
	return &MemoryStore{
		mode:    mode,
		entries: make(map[string]*entry),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func recordKey(tenantID, engineID, key string) string {
	return tenantID + "\x00" + engineID + "\x00" + key
}

// GetOrReserve implements Store.
func (s *MemoryStore) GetOrReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*Resolution, error) {
	if tenantID == "" || engineID == "" || key == "" || payloadHash == "" {
		return nil, fmt.Errorf("idempotency: tenant, engine, key and payload hash are required")
	}
	rk := recordKey(tenantID, engineID, key)

	for {
		s.mu.Lock()
		e, exists := s.entries[rk]
		if !exists {
			res := &Reservation{
				TenantID:    tenantID,
				EngineID:    engineID,
				Key:         key,
				PayloadHash: payloadHash,
				Token:       uuid.New().String(),
			}
			s.entries[rk] = &entry{
				status:      statusInFlight,
				payloadHash: payloadHash,
				token:       res.Token,
				done:        make(chan struct{}),
			}
			s.mu.Unlock()
			return &Resolution{Outcome: OutcomeFresh, Reservation: res}, nil
		}

		if e.status == statusCommitted {
			defer s.mu.Unlock()
			if e.payloadHash != payloadHash {
				return &Resolution{Outcome: OutcomeConflict}, nil
			}
			return &Resolution{Outcome: OutcomeReplay, Record: copyRecord(e.record)}, nil
		}

		// In flight.
		if s.mode == WaitModeFailFast {
			s.mu.Unlock()
			return &Resolution{Outcome: OutcomeInFlight}, nil
		}
		done := e.done
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			// Reservation resolved; re-evaluate from scratch.
		}
	}
}

// Commit implements Store.
func (s *MemoryStore) Commit(ctx context.Context, res *Reservation, eventID string, code reason.Code, result map[string]any) error {
	if res == nil {
		return fmt.Errorf("idempotency: nil reservation")
	}
	rk := recordKey(res.TenantID, res.EngineID, res.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[rk]
	if !exists || e.status != statusInFlight || e.token != res.Token {
		return ErrStaleReservation
	}
	e.status = statusCommitted
	e.record = &Record{
		TenantID:    res.TenantID,
		EngineID:    res.EngineID,
		Key:         res.Key,
		PayloadHash: res.PayloadHash,
		EventID:     eventID,
		ReasonCode:  code,
		Result:      result,
		CommittedAt: s.clock(),
	}
	close(e.done)
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return fmt.Errorf("idempotency: nil reservation")
	}
	rk := recordKey(res.TenantID, res.EngineID, res.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[rk]
	if !exists || e.status != statusInFlight || e.token != res.Token {
		return ErrStaleReservation
	}
	delete(s.entries, rk)
	close(e.done)
	return nil
}

func copyRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Result != nil {
		out.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			out.Result[k] = v
		}
	}
	return &out
}
