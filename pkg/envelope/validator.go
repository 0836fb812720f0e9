package envelope

import (
	"fmt"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator validates envelopes for structural correctness before any
// schema or engine logic runs. This is fail-closed: any issue rejects
// the invocation with zero side effects.
type Validator struct {
	maxIDLength     int
	maxPayloadKeys  int
	requireNonEmpty []string
}

// NewValidator creates a validator with the kernel's structural bounds.
func NewValidator() *Validator {
	return &Validator{
		maxIDLength:    128,
		maxPayloadKeys: 64,
	}
}

// Validate checks the envelope's scoping fields and payload bounds.
// requireIdemKey is set for commit capabilities, whose envelopes must
// carry an idempotency key.
func (v *Validator) Validate(env *Envelope, requireIdemKey bool) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if env == nil {
		v.addError(result, "envelope", "REQUIRED", "envelope is required")
		return result
	}

	v.requireID(result, "tenant_id", env.TenantID)
	v.requireID(result, "correlation_id", env.CorrelationID)
	v.requireID(result, "turn_id", env.TurnID)

	v.boundID(result, "session_id", env.SessionID)
	v.boundID(result, "user_id", env.UserID)
	v.boundID(result, "device_id", env.DeviceID)
	v.boundID(result, "idempotency_key", env.IdempotencyKey)

	if requireIdemKey && env.IdempotencyKey == "" {
		v.addError(result, "idempotency_key", "REQUIRED",
			"idempotency_key is required for commit capabilities")
	}

	if len(env.Payload) > v.maxPayloadKeys {
		v.addError(result, "payload", "OVER_BOUND",
			fmt.Sprintf("payload has %d keys, maximum is %d", len(env.Payload), v.maxPayloadKeys))
	}

	return result
}

func (v *Validator) requireID(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
		return
	}
	v.boundID(result, field, value)
}

func (v *Validator) boundID(result *ValidationResult, field, value string) {
	if len(value) > v.maxIDLength {
		v.addError(result, field, "OVER_BOUND",
			fmt.Sprintf("%s exceeds %d characters", field, v.maxIDLength))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
