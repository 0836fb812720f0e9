// Package governance implements the gating state machine that decides
// whether an artifact version may become active. The pipeline is split
// in two: EvaluatePolicy normalizes a raw request plus replayed ledger
// state into policy booleans, and Decide computes ALLOWED/BLOCKED from
// those booleans alone. Decide never sees raw request fields, so every
// "why" a decision was made traces back to exactly one boolean.
package governance

import (
	"errors"

	"github.com/selene-os/selene/core/pkg/reason"
)

// ArtifactState is one lifecycle state of an artifact version.
type ArtifactState string

const (
	StateDraft      ArtifactState = "DRAFT"
	StateActive     ArtifactState = "ACTIVE"
	StateDeprecated ArtifactState = "DEPRECATED"
)

// Action is a requested artifact transition.
type Action string

const (
	ActionActivate  Action = "ACTIVATE"
	ActionDeprecate Action = "DEPRECATE"
	ActionRollback  Action = "ROLLBACK"
)

// Outcome of a governance decision.
const (
	OutcomeAllowed = "ALLOWED"
	OutcomeBlocked = "BLOCKED"
)

var ErrUnknownAction = errors.New("governance: unknown action")

// Request is a raw governance request as submitted by a caller. Only
// EvaluatePolicy reads it.
type Request struct {
	TenantID        string   `json:"tenant_id"`
	ArtifactKind    string   `json:"artifact_kind"`
	ArtifactID      string   `json:"artifact_id"`
	ArtifactVersion string   `json:"artifact_version"`
	Action          Action   `json:"requested_action"`
	RequesterRole   string   `json:"requester_role"`
	// RequesterAuthorized is the caller-asserted authorization flag;
	// the evaluator still conjoins it with role and rule checks.
	RequesterAuthorized bool     `json:"requester_authorized"`
	Signature           string   `json:"artifact_signature,omitempty"`
	SignerPublicKey     string   `json:"signer_public_key,omitempty"`
	RequiredRefs        []string `json:"required_reference_ids,omitempty"`
	ActiveRefs          []string `json:"active_reference_ids,omitempty"`
	RollbackTarget      string   `json:"rollback_target_version,omitempty"`
	// EnforceSingleActive overrides the evaluator default when set.
	EnforceSingleActive *bool `json:"enforce_single_active,omitempty"`
}

// PolicyInputs are the normalized booleans the decision stage trusts.
// CurrentState and TargetVersion come from the replayed ledger, never
// from the request.
type PolicyInputs struct {
	Action              Action        `json:"action"`
	CurrentState        ArtifactState `json:"current_state"`
	RequesterAuthorized bool          `json:"requester_authorized"`
	SignatureValid      bool          `json:"signature_valid"`
	ReferencesComplete  bool          `json:"references_complete"`
	SingleActiveOK      bool          `json:"single_active_ok"`
	TargetWasActive     bool          `json:"target_was_active"`
	TargetVersion       string        `json:"target_version,omitempty"`
	RequestedVersion    string        `json:"requested_version"`
}

// Decision is the gate's verdict. ActiveVersion is set only on an
// ALLOWED activation or rollback.
type Decision struct {
	Outcome       string      `json:"outcome"`
	Code          reason.Code `json:"reason_code"`
	ActiveVersion string      `json:"active_version,omitempty"`
}

func blocked(code reason.Code) Decision {
	return Decision{Outcome: OutcomeBlocked, Code: code}
}

// Decide computes the verdict from normalized policy inputs. It is a
// pure function: the same inputs always yield the same decision, and a
// BLOCKED verdict always names the first failed precondition.
func Decide(in PolicyInputs) Decision {
	switch in.Action {
	case ActionActivate:
		if in.CurrentState != StateDraft {
			return blocked(reason.CodeLifecycleInvalidMove)
		}
		if !in.RequesterAuthorized {
			return blocked(reason.CodeGovNotAuthorized)
		}
		if !in.SignatureValid {
			return blocked(reason.CodeGovSignatureInvalid)
		}
		if !in.ReferencesComplete {
			return blocked(reason.CodeGovReferenceMissing)
		}
		if !in.SingleActiveOK {
			return blocked(reason.CodeGovMultiActiveBlocked)
		}
		return Decision{
			Outcome:       OutcomeAllowed,
			Code:          reason.CodeGovAllowed,
			ActiveVersion: in.RequestedVersion,
		}

	case ActionDeprecate:
		if in.CurrentState != StateActive {
			return blocked(reason.CodeLifecycleInvalidMove)
		}
		if !in.RequesterAuthorized {
			return blocked(reason.CodeGovNotAuthorized)
		}
		return Decision{Outcome: OutcomeAllowed, Code: reason.CodeGovAllowed}

	case ActionRollback:
		if in.CurrentState != StateActive && in.CurrentState != StateDeprecated {
			return blocked(reason.CodeLifecycleInvalidMove)
		}
		if !in.RequesterAuthorized {
			return blocked(reason.CodeGovNotAuthorized)
		}
		if !in.TargetWasActive {
			return blocked(reason.CodeGovRollbackTargetNever)
		}
		return Decision{
			Outcome:       OutcomeAllowed,
			Code:          reason.CodeGovAllowed,
			ActiveVersion: in.TargetVersion,
		}

	default:
		return blocked(reason.CodeGovUnknownAction)
	}
}
