package governance

import (
	"github.com/selene-os/selene/core/pkg/ledger"
)

// EventTypeDecision is the event type of every governance decision row.
// Both ALLOWED and BLOCKED verdicts are recorded; only ALLOWED ones
// move artifact state.
const EventTypeDecision = "GOV_DECISION"

// History is the replayed lifecycle of one artifact plus the kind-wide
// view needed for the single-active check. It is a pure fold of the
// governance decision events: an ALLOWED activation that has no ledger
// row has not happened.
type History struct {
	Kind string
	ID   string

	states     map[string]ArtifactState   // version -> state of this artifact
	everActive map[string]bool            // versions of this artifact ever ACTIVE
	active     string                     // most recently activated version still active
	kindActive map[string]map[string]bool // artifact id -> set of active versions, kind-wide
}

// StateOf returns the replayed state of a version. A version with no
// ALLOWED decision is DRAFT.
func (h *History) StateOf(version string) ArtifactState {
	if s, ok := h.states[version]; ok {
		return s
	}
	return StateDraft
}

// ActiveVersion returns this artifact's most recently activated version
// that is still active, or empty.
func (h *History) ActiveVersion() string { return h.active }

// WasActive reports whether a version of this artifact was ACTIVE at
// any point in its history.
func (h *History) WasActive(version string) bool { return h.everActive[version] }

// OtherActiveOfKind counts active versions of the same kind other than
// the one named, across all artifacts of the kind.
func (h *History) OtherActiveOfKind(version string) int {
	n := 0
	for id, versions := range h.kindActive {
		for v := range versions {
			if id == h.ID && v == version {
				continue
			}
			n++
		}
	}
	return n
}

func payloadString(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func (h *History) markActive(id, version string) {
	if h.kindActive[id] == nil {
		h.kindActive[id] = make(map[string]bool)
	}
	h.kindActive[id][version] = true
	if id == h.ID {
		h.states[version] = StateActive
		h.everActive[version] = true
		h.active = version
	}
}

func (h *History) markDeprecated(id, version string) {
	delete(h.kindActive[id], version)
	if id == h.ID {
		h.states[version] = StateDeprecated
		if h.active == version {
			h.active = ""
		}
	}
}

// Replay folds the ordered governance decision events of one tenant
// into the history of one artifact. Events of other tenants, kinds or
// event types are ignored, so interleaving cannot change the result.
func Replay(tenantID, kind, artifactID string, events []*ledger.Event) *History {
	h := &History{
		Kind:       kind,
		ID:         artifactID,
		states:     make(map[string]ArtifactState),
		everActive: make(map[string]bool),
		kindActive: make(map[string]map[string]bool),
	}
	for _, ev := range events {
		if ev.TenantID != tenantID || ev.EventType != EventTypeDecision {
			continue
		}
		if payloadString(ev.Payload, "artifact_kind") != kind {
			continue
		}
		if payloadString(ev.Payload, "outcome") != OutcomeAllowed {
			continue
		}
		id := payloadString(ev.Payload, "artifact_id")
		version := payloadString(ev.Payload, "artifact_version")
		target := payloadString(ev.Payload, "active_version")

		switch Action(payloadString(ev.Payload, "action")) {
		case ActionActivate:
			h.markActive(id, version)
		case ActionDeprecate:
			h.markDeprecated(id, version)
		case ActionRollback:
			if target == "" {
				continue
			}
			// The version rolled back from is retired; the target
			// becomes active again.
			if version != "" && version != target {
				h.markDeprecated(id, version)
			}
			h.markActive(id, target)
		}
	}
	return h
}
