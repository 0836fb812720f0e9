package governance

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/selene-os/selene/core/pkg/canonhash"
)

// Evaluator normalizes raw governance requests into PolicyInputs. Rules
// beyond the built-in booleans are CEL expressions compiled once at
// construction; every rule must evaluate to true for the requester to
// count as authorized.
type Evaluator struct {
	authorizedRoles     map[string]bool
	enforceSingleActive bool
	signingKey          ed25519.PublicKey
	programs            []cel.Program
}

// EvaluatorConfig configures the policy stage.
type EvaluatorConfig struct {
	// AuthorizedRoles may submit governance actions.
	AuthorizedRoles []string
	// EnforceSingleActive blocks activation while another version of
	// the same kind is active.
	EnforceSingleActive bool
	// SigningKey verifies detached artifact signatures. Empty means
	// signatures are not enforced and signature_valid is always true.
	SigningKey ed25519.PublicKey
	// Rules are CEL expressions over the `request` variable; all must
	// hold for requester_authorized.
	Rules []string
}

func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	roles := make(map[string]bool, len(cfg.AuthorizedRoles))
	for _, r := range cfg.AuthorizedRoles {
		roles[r] = true
	}
	e := &Evaluator{
		authorizedRoles:     roles,
		enforceSingleActive: cfg.EnforceSingleActive,
		signingKey:          cfg.SigningKey,
	}
	if len(cfg.Rules) > 0 {
		env, err := cel.NewEnv(cel.Variable("request", cel.DynType))
		if err != nil {
			return nil, fmt.Errorf("governance: cel env: %w", err)
		}
		for _, rule := range cfg.Rules {
			ast, issues := env.Compile(rule)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("governance: compile rule %q: %w", rule, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("governance: program %q: %w", rule, err)
			}
			e.programs = append(e.programs, prg)
		}
	}
	return e, nil
}

// ArtifactDigest is the canonical hash a detached signature covers:
// the JCS form of the artifact's identity triple.
func ArtifactDigest(kind, id, version string) (string, error) {
	return canonhash.Hash(struct {
		Kind    string `json:"artifact_kind"`
		ID      string `json:"artifact_id"`
		Version string `json:"artifact_version"`
	}{kind, id, version})
}

func (e *Evaluator) signatureValid(req *Request) bool {
	key := e.signingKey
	if req.SignerPublicKey != "" {
		raw, err := base64.StdEncoding.DecodeString(req.SignerPublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return false
		}
		key = ed25519.PublicKey(raw)
	}
	if len(key) == 0 {
		return true
	}
	if req.Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return false
	}
	digest, err := ArtifactDigest(req.ArtifactKind, req.ArtifactID, req.ArtifactVersion)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, []byte(digest), sig)
}

func (e *Evaluator) rulesHold(req *Request) bool {
	if len(e.programs) == 0 {
		return true
	}
	input := map[string]any{
		"request": map[string]any{
			"tenant_id":        req.TenantID,
			"artifact_kind":    req.ArtifactKind,
			"artifact_id":      req.ArtifactID,
			"artifact_version": req.ArtifactVersion,
			"requested_action": string(req.Action),
			"requester_role":   req.RequesterRole,
		},
	}
	for _, prg := range e.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			return false
		}
		ok, isBool := out.Value().(bool)
		if !isBool || !ok {
			return false
		}
	}
	return true
}

func referencesComplete(required, active []string) bool {
	have := make(map[string]bool, len(active))
	for _, r := range active {
		have[r] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Evaluate normalizes a request against the artifact's replayed
// history. Versions must be valid semver; a malformed version is a
// request error, not a policy verdict.
func (e *Evaluator) Evaluate(req *Request, hist *History) (PolicyInputs, error) {
	if req == nil || hist == nil {
		return PolicyInputs{}, fmt.Errorf("governance: nil request or history")
	}
	if _, err := semver.NewVersion(req.ArtifactVersion); err != nil {
		return PolicyInputs{}, fmt.Errorf("governance: artifact_version %q: %w", req.ArtifactVersion, err)
	}
	if req.Action == ActionRollback {
		if _, err := semver.NewVersion(req.RollbackTarget); err != nil {
			return PolicyInputs{}, fmt.Errorf("governance: rollback_target_version %q: %w", req.RollbackTarget, err)
		}
	}

	authorized := req.RequesterAuthorized && e.rulesHold(req)
	if len(e.authorizedRoles) > 0 && !e.authorizedRoles[req.RequesterRole] {
		authorized = false
	}
	enforce := e.enforceSingleActive
	if req.EnforceSingleActive != nil {
		enforce = *req.EnforceSingleActive
	}

	return PolicyInputs{
		Action:              req.Action,
		CurrentState:        hist.StateOf(req.ArtifactVersion),
		RequesterAuthorized: authorized,
		SignatureValid:      e.signatureValid(req),
		ReferencesComplete:  referencesComplete(req.RequiredRefs, req.ActiveRefs),
		SingleActiveOK:      !enforce || hist.OtherActiveOfKind(req.ArtifactVersion) == 0,
		TargetWasActive:     req.Action == ActionRollback && hist.WasActive(req.RollbackTarget),
		TargetVersion:       req.RollbackTarget,
		RequestedVersion:    req.ArtifactVersion,
	}, nil
}

// MissingReferences returns the required reference ids absent from the
// active set, in required order.
func MissingReferences(required, active []string) []string {
	have := make(map[string]bool, len(active))
	for _, r := range active {
		have[r] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
