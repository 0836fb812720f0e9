package lifecycle

import (
	"context"
	"sync"

	"github.com/selene-os/selene/core/pkg/ledger"
)

// Projector serves current-state projections on top of the event
// ledger. Records are cached per entity; the cache is only ever a
// replica of the fold and Rebuild discards it.
type Projector struct {
	store    ledger.Store
	machines map[string]*Machine

	mu    sync.RWMutex
	cache map[string]*Record
}

func NewProjector(store ledger.Store, machines map[string]*Machine) *Projector {
	if machines == nil {
		machines = Machines()
	}
	return &Projector{
		store:    store,
		machines: machines,
		cache:    make(map[string]*Record),
	}
}

// MachineFor returns the state machine owned by an engine.
func (p *Projector) MachineFor(engineID string) (*Machine, error) {
	m, ok := p.machines[engineID]
	if !ok {
		return nil, ErrNoMachine
	}
	return m, nil
}

func cacheKey(tenantID, engineID, entityID string) string {
	return tenantID + "\x00" + engineID + "\x00" + entityID
}

// Current returns the entity's projection, replaying its history on a
// cache miss. A nil record with nil error means the entity has no
// history.
func (p *Projector) Current(ctx context.Context, tenantID, engineID, entityID string) (*Record, error) {
	m, err := p.MachineFor(engineID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(tenantID, engineID, entityID)
	p.mu.RLock()
	rec, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		copied := *rec
		return &copied, nil
	}

	events, err := p.store.ReadByScope(ctx, ledger.ScopeFilter{
		TenantID: tenantID,
		EngineID: engineID,
		EntityID: entityID,
	})
	if err != nil {
		return nil, err
	}
	rec, err = m.Replay(tenantID, entityID, events)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		p.mu.Lock()
		p.cache[key] = rec
		p.mu.Unlock()
		copied := *rec
		return &copied, nil
	}
	return nil, nil
}

// Advance applies a committed transition event to the cached
// projection. The ledger row is already durable when this is called;
// on any mismatch the cache entry is dropped so the next read replays.
func (p *Projector) Advance(ev *ledger.Event) {
	m, ok := p.machines[ev.EngineID]
	if !ok || ev.EntityID == "" {
		return
	}
	to, err := transitionTarget(ev)
	if err != nil {
		return
	}
	key := cacheKey(ev.TenantID, ev.EngineID, ev.EntityID)

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, cached := p.cache[key]
	switch {
	case !cached:
		if to == m.Initial {
			p.cache[key] = &Record{
				TenantID:    ev.TenantID,
				EngineID:    ev.EngineID,
				EntityID:    ev.EntityID,
				State:       to,
				Version:     1,
				LastEventID: ev.EventID,
				UpdatedAt:   ev.CreatedAt,
			}
		}
	case m.CanTransition(rec.State, to):
		rec.State = to
		rec.Version++
		rec.LastEventID = ev.EventID
		rec.UpdatedAt = ev.CreatedAt
	default:
		delete(p.cache, key)
	}
}

// Rebuild drops every cached projection. Reads replay from the ledger
// afterwards.
func (p *Projector) Rebuild() {
	p.mu.Lock()
	p.cache = make(map[string]*Record)
	p.mu.Unlock()
}
