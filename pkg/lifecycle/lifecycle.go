// Package lifecycle models the versioned state owned by lifecycle
// engines (sessions, positions, voice enrollment, reminder work orders).
// State lives only in the append-only event history; the Record
// projection is a cache rebuilt by a pure fold and is always
// re-derivable by replay.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/selene-os/selene/core/pkg/ledger"
)

var (
	// ErrInvalidTransition is returned when a requested move is not in
	// the owning machine's transition table.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrCorruptHistory is returned when a replayed event stream
	// contains a transition the machine could never have accepted.
	ErrCorruptHistory = errors.New("lifecycle: corrupt history")
	// ErrNoMachine is returned for engines that own no lifecycle state.
	ErrNoMachine = errors.New("lifecycle: engine owns no lifecycle state")
)

// State is one node of an engine's state machine.
type State string

// Machine is the closed transition table for one lifecycle-owning
// engine. Only moves present in the table are accepted; everything else
// is refused, including moves back to an earlier state unless the table
// lists them explicitly.
type Machine struct {
	EngineID    string
	Initial     State
	transitions map[State]map[State]bool
}

// NewMachine builds a machine from (from, to) pairs.
func NewMachine(engineID string, initial State, moves [][2]State) *Machine {
	table := make(map[State]map[State]bool)
	for _, mv := range moves {
		if table[mv[0]] == nil {
			table[mv[0]] = make(map[State]bool)
		}
		table[mv[0]][mv[1]] = true
	}
	return &Machine{EngineID: engineID, Initial: initial, transitions: table}
}

// CanTransition reports whether from → to is a legal move.
func (m *Machine) CanTransition(from, to State) bool {
	return m.transitions[from][to]
}

// States returns every state the machine mentions.
func (m *Machine) States() []State {
	seen := map[State]bool{m.Initial: true}
	for from, tos := range m.transitions {
		seen[from] = true
		for to := range tos {
			seen[to] = true
		}
	}
	out := make([]State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// Record is the current-state projection of one entity.
type Record struct {
	TenantID    string    `json:"tenant_id"`
	EngineID    string    `json:"engine_id"`
	EntityID    string    `json:"entity_id"`
	State       State     `json:"state"`
	Version     uint64    `json:"version"`
	LastEventID string    `json:"last_event_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// transitionTarget extracts the destination state a lifecycle event
// records. Lifecycle events carry it in the payload under "to_state".
func transitionTarget(ev *ledger.Event) (State, error) {
	raw, ok := ev.Payload["to_state"]
	if !ok {
		return "", fmt.Errorf("%w: event %s has no to_state", ErrCorruptHistory, ev.EventID)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: event %s to_state is not a state", ErrCorruptHistory, ev.EventID)
	}
	return State(s), nil
}

// Replay folds an entity's ordered event history from empty state into
// its current projection. The fold is pure: the same history always
// yields the same Record, and events for other entities in the slice
// are ignored, so interleaving with unrelated entities cannot change
// the result.
func (m *Machine) Replay(tenantID, entityID string, events []*ledger.Event) (*Record, error) {
	var rec *Record
	for _, ev := range events {
		if ev.TenantID != tenantID || ev.EngineID != m.EngineID || ev.EntityID != entityID {
			continue
		}
		to, err := transitionTarget(ev)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			if to != m.Initial {
				return nil, fmt.Errorf("%w: entity %s history starts at %s, not %s",
					ErrCorruptHistory, entityID, to, m.Initial)
			}
			rec = &Record{
				TenantID: tenantID,
				EngineID: m.EngineID,
				EntityID: entityID,
				State:    to,
			}
		} else {
			if !m.CanTransition(rec.State, to) {
				return nil, fmt.Errorf("%w: entity %s has recorded move %s → %s",
					ErrCorruptHistory, entityID, rec.State, to)
			}
			rec.State = to
		}
		rec.Version++
		rec.LastEventID = ev.EventID
		rec.UpdatedAt = ev.CreatedAt
	}
	return rec, nil
}

// Propose validates a requested transition against the entity's current
// projection. A nil current record means the entity does not exist yet
// and only the machine's initial state may be proposed.
func (m *Machine) Propose(current *Record, to State) error {
	if current == nil {
		if to != m.Initial {
			return fmt.Errorf("%w: new entity must start at %s, got %s",
				ErrInvalidTransition, m.Initial, to)
		}
		return nil
	}
	if !m.CanTransition(current.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.State, to)
	}
	return nil
}
