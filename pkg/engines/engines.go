// Package engines holds the decision functions behind every kernel
// capability. Each function is pure: it sees only its invocation input
// (envelope payload plus the ledger slice its contract's read scope
// grants) and returns only its output. No engine holds a dispatcher
// handle or calls another engine; composition happens outside the
// kernel as separate top-level invocations.
package engines

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/selene-os/selene/core/pkg/envelope"
	"github.com/selene-os/selene/core/pkg/governance"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/lifecycle"
	"github.com/selene-os/selene/core/pkg/reason"
)

// Input is everything a decision function may consult.
type Input struct {
	Envelope *envelope.Envelope
	// CallerRole is the authenticated role of the invoking caller.
	CallerRole string
	// History is the ledger slice granted by the contract's read scope,
	// in append order. Empty for read_scope NONE.
	History []*ledger.Event
	Now     time.Time
}

// Output is a successful decision. For write capabilities EventPayload
// becomes the persisted ledger row payload and EntityID its entity;
// Result is returned to the caller and cached for replay.
type Output struct {
	Result       map[string]any
	EventPayload map[string]any
	EntityID     string
	Code         reason.Code
}

// Refusal is a deterministic engine-level denial. It carries the
// specific reason code; the dispatcher turns it into a refused response
// and records it without committing the requested write.
type Refusal struct {
	Code    reason.Code
	Message string
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Refuse builds a Refusal error.
func Refuse(code reason.Code, format string, args ...any) error {
	return &Refusal{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRefusal extracts a Refusal from an error chain.
func AsRefusal(err error) (*Refusal, bool) {
	var r *Refusal
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// DecisionFunc computes one capability's output from its input.
type DecisionFunc func(*Input) (*Output, error)

// Registry is the closed capability → decision function table. It is
// fully populated at construction; there is no runtime registration.
type Registry struct {
	fns map[string]DecisionFunc
}

// Config wires the engines' fixed collaborators.
type Config struct {
	// Evaluator normalizes governance policy booleans.
	Evaluator *governance.Evaluator
	// Machines are the lifecycle state machines keyed by engine id.
	// Nil means the built-in set.
	Machines map[string]*lifecycle.Machine
}

// NewRegistry builds the full engine table.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("engines: nil governance evaluator")
	}
	machines := cfg.Machines
	if machines == nil {
		machines = lifecycle.Machines()
	}

	fns := map[string]DecisionFunc{
		"SEL.AUDIT.ROW_COMMIT":        auditRowCommit,
		"SEL.AUDIT.READ_AUDIT_ROWS":   auditReadRows,
		"SEL.AUDIT.REPLAY_DIAGNOSTIC": auditReplayDiagnostic,
		"SEL.GOV.POLICY_EVALUATE":     govPolicyEvaluate(cfg.Evaluator),
		"SEL.GOV.DECISION_COMPUTE":    govDecisionCompute,
		"SEL.ADVISORY.TONE_HINT":      advisoryToneHint,
	}
	for engineID, m := range machines {
		capID, ok := transitionCapability[engineID]
		if !ok {
			return nil, fmt.Errorf("engines: no transition capability for %s", engineID)
		}
		fns[capID] = lifecycleTransition(m)
	}
	return &Registry{fns: fns}, nil
}

var transitionCapability = map[string]string{
	"SEL.SESSION":  "SEL.SESSION.TRANSITION_COMMIT",
	"SEL.VOICE":    "SEL.VOICE.ENROLL_COMMIT",
	"SEL.REMIND":   "SEL.REMIND.WORKORDER_COMMIT",
	"SEL.POSITION": "SEL.POSITION.TRANSITION_COMMIT",
}

// NewStaticRegistry builds a registry from a fixed function table.
// Embedders with their own engine set construct their table once here;
// there is still no registration after construction.
func NewStaticRegistry(fns map[string]DecisionFunc) *Registry {
	copied := make(map[string]DecisionFunc, len(fns))
	for id, fn := range fns {
		copied[id] = fn
	}
	return &Registry{fns: copied}
}

// Decide returns the decision function for a capability.
func (r *Registry) Decide(capabilityID string) (DecisionFunc, bool) {
	fn, ok := r.fns[capabilityID]
	return fn, ok
}

// Capabilities lists every capability the registry serves.
func (r *Registry) Capabilities() []string {
	out := make([]string, 0, len(r.fns))
	for id := range r.fns {
		out = append(out, id)
	}
	return out
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func payloadStrings(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func auditRowCommit(in *Input) (*Output, error) {
	payload := in.Envelope.Payload
	eventPayload := map[string]any{
		"event_type":  payloadString(payload, "event_type"),
		"reason_code": payloadString(payload, "reason_code"),
	}
	if attrs, ok := payload["attributes"].(map[string]any); ok {
		eventPayload["attributes"] = attrs
	}
	return &Output{
		Result:       map[string]any{"reason_code": string(reason.CodeOK)},
		EventPayload: eventPayload,
		Code:         reason.CodeOK,
	}, nil
}

func eventRow(ev *ledger.Event) map[string]any {
	return map[string]any{
		"event_id":       ev.EventID,
		"seq":            ev.Sequence,
		"correlation_id": ev.CorrelationID,
		"turn_id":        ev.TurnID,
		"engine_id":      ev.EngineID,
		"capability_id":  ev.CapabilityID,
		"event_type":     ev.EventType,
		"reason_code":    string(ev.ReasonCode),
		"created_at":     ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":        ev.Payload,
	}
}

func historyRows(in *Input, limit int) []any {
	if limit <= 0 || limit > len(in.History) {
		limit = len(in.History)
	}
	rows := make([]any, 0, limit)
	for _, ev := range in.History[:limit] {
		rows = append(rows, eventRow(ev))
	}
	return rows
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func auditReadRows(in *Input) (*Output, error) {
	limit := payloadInt(in.Envelope.Payload, "limit")
	return &Output{
		Result: map[string]any{
			"rows":        historyRows(in, limit),
			"reason_code": string(reason.CodeOK),
		},
		Code: reason.CodeOK,
	}, nil
}

func auditReplayDiagnostic(in *Input) (*Output, error) {
	rows := historyRows(in, 0)
	eventPayload := map[string]any{"row_count": len(rows)}
	if note := payloadString(in.Envelope.Payload, "note"); note != "" {
		eventPayload["note"] = note
	}
	return &Output{
		Result: map[string]any{
			"rows":        rows,
			"reason_code": string(reason.CodeOK),
		},
		EventPayload: eventPayload,
		Code:         reason.CodeOK,
	}, nil
}

func governanceRequest(in *Input) *governance.Request {
	payload := in.Envelope.Payload
	req := &governance.Request{
		TenantID:            in.Envelope.TenantID,
		ArtifactKind:        payloadString(payload, "artifact_kind"),
		ArtifactID:          payloadString(payload, "artifact_id"),
		ArtifactVersion:     payloadString(payload, "artifact_version"),
		Action:              governance.Action(payloadString(payload, "requested_action")),
		RequesterRole:       in.CallerRole,
		RequesterAuthorized: payloadBool(payload, "requester_authorized"),
		Signature:           payloadString(payload, "artifact_signature"),
		SignerPublicKey:     payloadString(payload, "signer_public_key"),
		RequiredRefs:        payloadStrings(payload, "required_reference_ids"),
		ActiveRefs:          payloadStrings(payload, "active_reference_ids"),
		RollbackTarget:      payloadString(payload, "rollback_target_version"),
	}
	if raw, ok := payload["enforce_single_active"].(bool); ok {
		req.EnforceSingleActive = &raw
	}
	return req
}

func govPolicyEvaluate(eval *governance.Evaluator) DecisionFunc {
	return func(in *Input) (*Output, error) {
		req := governanceRequest(in)
		hist := governance.Replay(in.Envelope.TenantID, req.ArtifactKind, req.ArtifactID, in.History)
		inputs, err := eval.Evaluate(req, hist)
		if err != nil {
			return nil, Refuse(reason.CodeValidationFailed, "policy evaluate: %v", err)
		}
		result := map[string]any{
			"policy": map[string]any{
				"requester_authorized": inputs.RequesterAuthorized,
				"signature_valid":      inputs.SignatureValid,
				"references_complete":  inputs.ReferencesComplete,
				"single_active_ok":     inputs.SingleActiveOK,
				"target_was_active":    inputs.TargetWasActive,
			},
			"current_state": string(inputs.CurrentState),
			"reason_code":   string(reason.CodeOK),
		}
		if missing := governance.MissingReferences(req.RequiredRefs, req.ActiveRefs); len(missing) > 0 {
			rows := make([]any, len(missing))
			for i, m := range missing {
				rows[i] = m
			}
			result["missing_reference_ids"] = rows
		}
		return &Output{Result: result, Code: reason.CodeOK}, nil
	}
}

func govDecisionCompute(in *Input) (*Output, error) {
	payload := in.Envelope.Payload
	policy, ok := payload["policy"].(map[string]any)
	if !ok {
		return nil, Refuse(reason.CodeValidationFailed, "decision compute: missing policy booleans")
	}
	kind := payloadString(payload, "artifact_kind")
	id := payloadString(payload, "artifact_id")
	version := payloadString(payload, "artifact_version")
	action := governance.Action(payloadString(payload, "requested_action"))
	target := payloadString(payload, "rollback_target_version")

	hist := governance.Replay(in.Envelope.TenantID, kind, id, in.History)
	decision := governance.Decide(governance.PolicyInputs{
		Action:              action,
		CurrentState:        hist.StateOf(version),
		RequesterAuthorized: payloadBool(policy, "requester_authorized"),
		SignatureValid:      payloadBool(policy, "signature_valid"),
		ReferencesComplete:  payloadBool(policy, "references_complete"),
		SingleActiveOK:      payloadBool(policy, "single_active_ok"),
		TargetWasActive:     payloadBool(policy, "target_was_active"),
		TargetVersion:       target,
		RequestedVersion:    version,
	})

	result := map[string]any{
		"decision":    decision.Outcome,
		"reason_code": string(decision.Code),
	}
	if decision.ActiveVersion != "" {
		result["active_version"] = decision.ActiveVersion
	}
	return &Output{
		Result: result,
		EventPayload: map[string]any{
			"artifact_kind":    kind,
			"artifact_id":      id,
			"artifact_version": version,
			"action":           string(action),
			"outcome":          decision.Outcome,
			"active_version":   decision.ActiveVersion,
			"reason_code":      string(decision.Code),
		},
		EntityID: kind + "/" + id,
		Code:     decision.Code,
	}, nil
}

func lifecycleTransition(m *lifecycle.Machine) DecisionFunc {
	return func(in *Input) (*Output, error) {
		payload := in.Envelope.Payload
		entityID := payloadString(payload, "entity_id")
		to := lifecycle.State(payloadString(payload, "to_state"))

		current, err := m.Replay(in.Envelope.TenantID, entityID, in.History)
		if err != nil {
			return nil, err
		}
		if err := m.Propose(current, to); err != nil {
			return nil, Refuse(reason.CodeLifecycleInvalidMove, "%s: %v", entityID, err)
		}

		version := uint64(1)
		if current != nil {
			version = current.Version + 1
		}
		result := map[string]any{
			"entity_id":   entityID,
			"state":       string(to),
			"version":     version,
			"reason_code": string(reason.CodeLifecycleTransition),
		}
		if m.EngineID == "SEL.REMIND" {
			result["external_send_requested"] = to == lifecycle.RemindFired
		}
		eventPayload := map[string]any{"to_state": string(to)}
		if fireAt := payloadString(payload, "fire_at"); fireAt != "" {
			eventPayload["fire_at"] = fireAt
		}
		if label := payloadString(payload, "speaker_label"); label != "" {
			eventPayload["speaker_label"] = label
		}
		return &Output{
			Result:       result,
			EventPayload: eventPayload,
			EntityID:     entityID,
			Code:         reason.CodeLifecycleTransition,
		}, nil
	}
}

func advisoryToneHint(in *Input) (*Output, error) {
	utterance := payloadString(in.Envelope.Payload, "utterance")
	tone := "NEUTRAL"
	lower := strings.ToLower(utterance)
	switch {
	case strings.Contains(utterance, "!") ||
		strings.Contains(lower, "urgent") ||
		strings.Contains(lower, "immediately"):
		tone = "URGENT"
	case strings.Contains(lower, "thank") ||
		strings.Contains(lower, "please") ||
		strings.Contains(lower, "welcome"):
		tone = "WARM"
	}
	return &Output{
		Result: map[string]any{
			"tone":        tone,
			"reason_code": string(reason.CodeOK),
		},
		Code: reason.CodeOK,
	}, nil
}
