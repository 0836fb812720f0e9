package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/reason"
)

func transitionEvent(engineID, entityID, toState string, at time.Time) *ledger.Event {
	return &ledger.Event{
		TenantID:      "tenant-a",
		CorrelationID: "corr-1",
		EngineID:      engineID,
		CapabilityID:  engineID + ".TRANSITION_COMMIT",
		EventType:     "lifecycle.transition",
		ReasonCode:    reason.CodeOK,
		EntityID:      entityID,
		Payload:       map[string]any{"to_state": toState},
		CreatedAt:     at,
	}
}

func appendAll(t *testing.T, store *ledger.MemoryStore, events ...*ledger.Event) {
	t.Helper()
	for _, ev := range events {
		if _, err := store.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestSessionMachineTransitions(t *testing.T) {
	m := SessionMachine()
	legal := [][2]State{
		{SessionOpen, SessionActive},
		{SessionActive, SessionSuspended},
		{SessionSuspended, SessionActive},
		{SessionSuspended, SessionClosed},
	}
	for _, mv := range legal {
		if !m.CanTransition(mv[0], mv[1]) {
			t.Errorf("expected %s -> %s to be legal", mv[0], mv[1])
		}
	}
	illegal := [][2]State{
		{SessionClosed, SessionActive},
		{SessionClosed, SessionOpen},
		{SessionActive, SessionOpen},
	}
	for _, mv := range illegal {
		if m.CanTransition(mv[0], mv[1]) {
			t.Errorf("expected %s -> %s to be refused", mv[0], mv[1])
		}
	}
}

func TestProposeNewEntityMustStartAtInitial(t *testing.T) {
	m := RemindMachine()
	if err := m.Propose(nil, RemindScheduled); err != nil {
		t.Fatalf("initial state refused: %v", err)
	}
	err := m.Propose(nil, RemindFired)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestProposeForwardOnly(t *testing.T) {
	m := VoiceMachine()
	cur := &Record{State: VoiceRevoked}
	if err := m.Propose(cur, VoiceEnrolled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("revoked profile must not re-enroll, got %v", err)
	}
}

func TestReplayFoldsHistory(t *testing.T) {
	m := SessionMachine()
	now := time.Now().UTC()
	events := []*ledger.Event{
		transitionEvent("SEL.SESSION", "sess-1", "OPEN", now),
		transitionEvent("SEL.SESSION", "sess-1", "ACTIVE", now.Add(time.Second)),
		transitionEvent("SEL.SESSION", "sess-1", "SUSPENDED", now.Add(2*time.Second)),
	}
	for i, ev := range events {
		ev.EventID = string(rune('a' + i))
	}
	rec, err := m.Replay("tenant-a", "sess-1", events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rec.State != SessionSuspended {
		t.Errorf("state = %s, want SUSPENDED", rec.State)
	}
	if rec.Version != 3 {
		t.Errorf("version = %d, want 3", rec.Version)
	}
	if rec.LastEventID != "c" {
		t.Errorf("last event id = %s, want c", rec.LastEventID)
	}
}

func TestReplayIgnoresUnrelatedEntities(t *testing.T) {
	m := PositionMachine()
	now := time.Now().UTC()
	interleaved := []*ledger.Event{
		transitionEvent("SEL.POSITION", "pos-1", "OPEN", now),
		transitionEvent("SEL.POSITION", "pos-2", "OPEN", now),
		transitionEvent("SEL.POSITION", "pos-2", "CLOSED", now),
		transitionEvent("SEL.POSITION", "pos-1", "REDUCED", now),
		transitionEvent("SEL.POSITION", "pos-1", "REDUCED", now),
	}
	rec, err := m.Replay("tenant-a", "pos-1", interleaved)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rec.State != PositionReduced || rec.Version != 3 {
		t.Errorf("got state=%s version=%d, want REDUCED/3", rec.State, rec.Version)
	}

	alone, err := m.Replay("tenant-a", "pos-1", []*ledger.Event{
		transitionEvent("SEL.POSITION", "pos-1", "OPEN", now),
		transitionEvent("SEL.POSITION", "pos-1", "REDUCED", now),
		transitionEvent("SEL.POSITION", "pos-1", "REDUCED", now),
	})
	if err != nil {
		t.Fatalf("replay without interleaving: %v", err)
	}
	if alone.State != rec.State || alone.Version != rec.Version {
		t.Errorf("interleaving changed the projection: %+v vs %+v", rec, alone)
	}
}

func TestReplayRejectsCorruptHistory(t *testing.T) {
	m := RemindMachine()
	now := time.Now().UTC()

	_, err := m.Replay("tenant-a", "r-1", []*ledger.Event{
		transitionEvent("SEL.REMIND", "r-1", "FIRED", now),
	})
	if !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("history not starting at SCHEDULED must be corrupt, got %v", err)
	}

	_, err = m.Replay("tenant-a", "r-1", []*ledger.Event{
		transitionEvent("SEL.REMIND", "r-1", "SCHEDULED", now),
		transitionEvent("SEL.REMIND", "r-1", "ACKNOWLEDGED", now),
	})
	if !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("SCHEDULED -> ACKNOWLEDGED must be corrupt, got %v", err)
	}
}

func TestProjectorCurrentAndAdvance(t *testing.T) {
	store := ledger.NewMemoryStore()
	proj := NewProjector(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	appendAll(t, store,
		transitionEvent("SEL.SESSION", "sess-1", "OPEN", now),
		transitionEvent("SEL.SESSION", "sess-1", "ACTIVE", now.Add(time.Second)),
	)

	rec, err := proj.Current(ctx, "tenant-a", "SEL.SESSION", "sess-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rec.State != SessionActive || rec.Version != 2 {
		t.Fatalf("got state=%s version=%d, want ACTIVE/2", rec.State, rec.Version)
	}

	// Commit one more transition and advance the cache in place.
	next := transitionEvent("SEL.SESSION", "sess-1", "CLOSED", now.Add(2*time.Second))
	if _, err := store.Append(ctx, next); err != nil {
		t.Fatalf("append: %v", err)
	}
	proj.Advance(next)

	rec, err = proj.Current(ctx, "tenant-a", "SEL.SESSION", "sess-1")
	if err != nil {
		t.Fatalf("current after advance: %v", err)
	}
	if rec.State != SessionClosed || rec.Version != 3 {
		t.Fatalf("got state=%s version=%d, want CLOSED/3", rec.State, rec.Version)
	}

	// Rebuild drops the cache; the replayed fold must agree.
	proj.Rebuild()
	again, err := proj.Current(ctx, "tenant-a", "SEL.SESSION", "sess-1")
	if err != nil {
		t.Fatalf("current after rebuild: %v", err)
	}
	if again.State != rec.State || again.Version != rec.Version {
		t.Fatalf("rebuild diverged: %+v vs %+v", again, rec)
	}
}

func TestProjectorUnknownEngine(t *testing.T) {
	proj := NewProjector(ledger.NewMemoryStore(), nil)
	_, err := proj.Current(context.Background(), "tenant-a", "SEL.AUDIT", "x")
	if !errors.Is(err, ErrNoMachine) {
		t.Fatalf("expected ErrNoMachine, got %v", err)
	}
}

func TestProjectorMissingEntity(t *testing.T) {
	proj := NewProjector(ledger.NewMemoryStore(), nil)
	rec, err := proj.Current(context.Background(), "tenant-a", "SEL.SESSION", "nope")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unknown entity, got %+v", rec)
	}
}
