//go:build property
// +build property

package lifecycle_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/lifecycle"
	"github.com/selene-os/selene/core/pkg/reason"
)

// walkEvents turns a random walk of transition choices into a legal
// event history for one entity by always picking among the moves the
// machine allows.
func walkEvents(m *lifecycle.Machine, entityID string, choices []int) []*ledger.Event {
	targets := func(from lifecycle.State) []lifecycle.State {
		var out []lifecycle.State
		for _, s := range m.States() {
			if m.CanTransition(from, s) {
				out = append(out, s)
			}
		}
		return out
	}

	now := time.Now().UTC()
	events := []*ledger.Event{{
		EventID:    entityID + "-0",
		TenantID:   "tenant-a",
		EngineID:   m.EngineID,
		EntityID:   entityID,
		EventType:  "lifecycle.transition",
		ReasonCode: reason.CodeOK,
		Payload:    map[string]any{"to_state": string(m.Initial)},
		CreatedAt:  now,
	}}
	cur := m.Initial
	for i, c := range choices {
		next := targets(cur)
		if len(next) == 0 {
			break
		}
		to := next[c%len(next)]
		events = append(events, &ledger.Event{
			EventID:    fmt.Sprintf("%s-%d", entityID, i+1),
			TenantID:   "tenant-a",
			EngineID:   m.EngineID,
			EntityID:   entityID,
			EventType:  "lifecycle.transition",
			ReasonCode: reason.CodeOK,
			Payload:    map[string]any{"to_state": string(to)},
			CreatedAt:  now.Add(time.Duration(i+1) * time.Second),
		})
		cur = to
	}
	return events
}

// TestProjectionDeterminism verifies that replaying a legal history
// always yields the same projection, with and without interleaved
// events of an unrelated entity.
func TestProjectionDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	machines := []*lifecycle.Machine{
		lifecycle.SessionMachine(),
		lifecycle.VoiceMachine(),
		lifecycle.RemindMachine(),
		lifecycle.PositionMachine(),
	}

	properties.Property("replay is deterministic and interleaving-invariant", prop.ForAll(
		func(machineIdx int, choicesA, choicesB []int) bool {
			m := machines[machineIdx%len(machines)]
			a := walkEvents(m, "entity-a", choicesA)
			b := walkEvents(m, "entity-b", choicesB)

			// Interleave a and b preserving each entity's own order.
			var mixed []*ledger.Event
			for i := 0; i < len(a) || i < len(b); i++ {
				if i < len(a) {
					mixed = append(mixed, a[i])
				}
				if i < len(b) {
					mixed = append(mixed, b[i])
				}
			}

			alone, err1 := m.Replay("tenant-a", "entity-a", a)
			interleaved, err2 := m.Replay("tenant-a", "entity-a", mixed)
			again, err3 := m.Replay("tenant-a", "entity-a", a)
			if err1 != nil || err2 != nil || err3 != nil {
				return false
			}
			if alone == nil || interleaved == nil || again == nil {
				return false
			}
			return alone.State == interleaved.State &&
				alone.Version == interleaved.Version &&
				alone.LastEventID == interleaved.LastEventID &&
				alone.State == again.State &&
				alone.Version == again.Version
		},
		gen.IntRange(0, 3),
		gen.SliceOf(gen.IntRange(0, 7)),
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.TestingRun(t)
}
