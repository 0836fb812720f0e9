// Package reason defines the closed enumeration of deterministic outcome
// codes used across Selene OS.
//
// Every capability response — success or failure — carries exactly one
// reason code, and every engine declares its code set up front. A code
// that was never registered for an engine is itself a contract violation.
package reason

import (
	"fmt"
	"sort"
	"sync"
)

// Code is one enumerated outcome code.
type Code string

// Kernel-wide codes shared by every engine.
const (
	CodeOK                   Code = "OK"
	CodeInputSchemaInvalid   Code = "INPUT_SCHEMA_INVALID"
	CodeForbiddenCaller      Code = "FORBIDDEN_CALLER"
	CodeScopeViolation       Code = "SCOPE_VIOLATION"
	CodeBudgetExceeded       Code = "BUDGET_EXCEEDED"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeInternalPipelineErr  Code = "INTERNAL_PIPELINE_ERROR"
	CodeAppendOnlyViolation  Code = "APPEND_ONLY_VIOLATION"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeIdemInFlight         Code = "IDEMPOTENCY_IN_FLIGHT"
	CodeLifecycleTransition  Code = "LIFECYCLE_TRANSITION_APPLIED"
	CodeLifecycleInvalidMove Code = "LIFECYCLE_TRANSITION_REJECTED"
)

// Governance gate codes.
const (
	CodeGovAllowed             Code = "GOV_ALLOWED"
	CodeGovNotAuthorized       Code = "GOV_NOT_AUTHORIZED"
	CodeGovSignatureInvalid    Code = "GOV_SIGNATURE_INVALID"
	CodeGovReferenceMissing    Code = "GOV_REFERENCE_MISSING"
	CodeGovMultiActiveBlocked  Code = "GOV_MULTI_ACTIVE_NOT_ALLOWED"
	CodeGovRollbackTargetNever Code = "GOV_ROLLBACK_TARGET_NEVER_ACTIVE"
	CodeGovUnknownAction       Code = "GOV_UNKNOWN_ACTION"
)

// Replay returns the engine-scoped idempotency replay code, e.g.
// "SEL.AUDIT_IDEMPOTENCY_REPLAY". Replay codes are implicitly part of
// every write-capable engine's code set.
func Replay(engineID string) Code {
	return Code(engineID + "_IDEMPOTENCY_REPLAY")
}

// IsReplay reports whether c is an idempotency replay code.
func IsReplay(c Code) bool {
	const suffix = "_IDEMPOTENCY_REPLAY"
	return len(c) > len(suffix) && string(c[len(c)-len(suffix):]) == suffix
}

// kernelCodes are registered for every engine automatically.
var kernelCodes = []Code{
	CodeOK,
	CodeInputSchemaInvalid,
	CodeForbiddenCaller,
	CodeScopeViolation,
	CodeBudgetExceeded,
	CodeValidationFailed,
	CodeInternalPipelineErr,
	CodeAppendOnlyViolation,
	CodeRateLimited,
	CodeIdemInFlight,
}

// Registry holds per-engine closed code sets. It is populated during
// process start and sealed before the dispatcher accepts traffic;
// lookups after sealing never mutate state.
type Registry struct {
	mu     sync.RWMutex
	sealed bool
	codes  map[string]map[Code]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codes: make(map[string]map[Code]struct{})}
}

// Register declares the code set for an engine. The kernel-wide codes and
// the engine's replay code are added implicitly. Registering after Seal
// is an error: the enumeration is closed.
func (r *Registry) Register(engineID string, codes ...Code) error {
	if engineID == "" {
		return fmt.Errorf("reason: engine id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("reason: registry sealed, cannot register %s", engineID)
	}
	set, ok := r.codes[engineID]
	if !ok {
		set = make(map[Code]struct{})
		r.codes[engineID] = set
	}
	for _, c := range kernelCodes {
		set[c] = struct{}{}
	}
	set[Replay(engineID)] = struct{}{}
	for _, c := range codes {
		if c == "" {
			return fmt.Errorf("reason: empty code for engine %s", engineID)
		}
		set[c] = struct{}{}
	}
	return nil
}

// Seal closes the registry. Idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Known reports whether code c is declared for engineID.
func (r *Registry) Known(engineID string, c Code) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.codes[engineID]
	if !ok {
		return false
	}
	_, ok = set[c]
	return ok
}

// Codes returns the sorted code set declared for engineID.
func (r *Registry) Codes(engineID string) []Code {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.codes[engineID]
	out := make([]Code, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Engines returns the sorted engine ids with registered code sets.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codes))
	for id := range r.codes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
