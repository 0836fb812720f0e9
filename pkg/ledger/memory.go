package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type partition struct {
	events []*Event
	head   string
	seq    uint64
}

// MemoryStore is the in-process event store. Partitions are hash-chained
// per (tenant, engine); a global append order is kept for correlation
// reads across engines.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	order      []*Event
	byEventID  map[string]*Event
	byIdemKey  map[string]*Event
	clock      func() time.Time
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]*partition),
		byEventID:  make(map[string]*Event),
		byIdemKey:  make(map[string]*Event),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Append implements Store. The uniqueness checks run before any state is
// touched, so a failed append leaves the ledger byte-identical.
func (s *MemoryStore) Append(ctx context.Context, ev *Event) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("ledger: nil event")
	}
	if ev.TenantID == "" || ev.EngineID == "" {
		return "", fmt.Errorf("%w: tenant_id and engine_id are required", ErrInvalidScope)
	}

	stored := copyEvent(ev)
	if stored.EventID == "" {
		stored.EventID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEventID[stored.EventID]; exists {
		return "", fmt.Errorf("%w: event %s already exists", ErrAppendOnlyViolation, stored.EventID)
	}
	if stored.IdempotencyKey != "" {
		ik := idemKey(stored.TenantID, stored.EngineID, stored.IdempotencyKey)
		if _, exists := s.byIdemKey[ik]; exists {
			return "", fmt.Errorf("%w: idempotency key %s already recorded for %s/%s",
				ErrAppendOnlyViolation, stored.IdempotencyKey, stored.TenantID, stored.EngineID)
		}
	}

	pk := partitionKey(stored.TenantID, stored.EngineID)
	part, ok := s.partitions[pk]
	if !ok {
		part = &partition{head: genesisHash}
		s.partitions[pk] = part
	}

	if err := Seal(stored, part.seq+1, part.head); err != nil {
		return "", err
	}

	part.events = append(part.events, stored)
	part.seq = stored.Sequence
	part.head = stored.EntryHash
	s.order = append(s.order, stored)
	s.byEventID[stored.EventID] = stored
	if stored.IdempotencyKey != "" {
		s.byIdemKey[idemKey(stored.TenantID, stored.EngineID, stored.IdempotencyKey)] = stored
	}

	return stored.EventID, nil
}

// ReadByCorrelation implements Store.
func (s *MemoryStore) ReadByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*Event, error) {
	if tenantID == "" || correlationID == "" {
		return nil, fmt.Errorf("%w: tenant_id and correlation_id are required", ErrInvalidScope)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Event, 0)
	for _, ev := range s.order {
		if ev.TenantID == tenantID && ev.CorrelationID == correlationID {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

// ReadByScope implements Store.
func (s *MemoryStore) ReadByScope(ctx context.Context, filter ScopeFilter) ([]*Event, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	part := s.partitions[partitionKey(filter.TenantID, filter.EngineID)]
	if part == nil {
		return []*Event{}, nil
	}
	out := make([]*Event, 0)
	for _, ev := range part.events {
		if matches(filter, ev) {
			out = append(out, copyEvent(ev))
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// Verify checks the hash chain of one (tenant, engine) partition.
func (s *MemoryStore) Verify(tenantID, engineID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part := s.partitions[partitionKey(tenantID, engineID)]
	if part == nil {
		return nil
	}
	return VerifyChain(part.events)
}

// Size returns the total number of events across partitions.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func copyEvent(ev *Event) *Event {
	out := *ev
	if ev.Payload != nil {
		out.Payload = make(map[string]any, len(ev.Payload))
		for k, v := range ev.Payload {
			out.Payload[k] = v
		}
	}
	return &out
}
