package envelope

import (
	"strings"
	"testing"
)

func validEnvelope() *Envelope {
	return &Envelope{
		TenantID:       "t1",
		CorrelationID:  "c1",
		TurnID:         "turn-1",
		IdempotencyKey: "k1",
		Payload:        map[string]any{"reason_code": "OK"},
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator()
	result := v.Validate(validEnvelope(), true)
	if !result.Valid {
		t.Fatalf("expected valid, got %v", result.Errors)
	}
}

func TestValidateRequiresScopingFields(t *testing.T) {
	v := NewValidator()
	for _, clear := range []func(*Envelope){
		func(e *Envelope) { e.TenantID = "" },
		func(e *Envelope) { e.CorrelationID = "" },
		func(e *Envelope) { e.TurnID = "" },
	} {
		env := validEnvelope()
		clear(env)
		if v.Validate(env, false).Valid {
			t.Fatalf("expected invalid envelope: %+v", env)
		}
	}
}

func TestValidateRequiresIdempotencyKeyForCommits(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.IdempotencyKey = ""
	if v.Validate(env, true).Valid {
		t.Fatal("commit capability without idempotency key must be rejected")
	}
	if !v.Validate(env, false).Valid {
		t.Fatal("read capability without idempotency key must be accepted")
	}
}

func TestValidateBoundsIDs(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.TenantID = strings.Repeat("x", 129)
	if v.Validate(env, false).Valid {
		t.Fatal("over-bound tenant_id must be rejected")
	}
}

func TestValidateBoundsPayloadKeys(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.Payload = map[string]any{}
	for i := 0; i < 65; i++ {
		env.Payload[strings.Repeat("k", i+1)] = i
	}
	if v.Validate(env, false).Valid {
		t.Fatal("over-bound payload must be rejected")
	}
}

func TestCloneDoesNotAliasPayload(t *testing.T) {
	env := validEnvelope()
	clone := env.Clone()
	clone.Payload["reason_code"] = "CHANGED"
	if env.Payload["reason_code"] != "OK" {
		t.Fatal("clone must not alias the original payload")
	}
}

func TestPayloadHashStability(t *testing.T) {
	a := validEnvelope()
	b := validEnvelope()
	ha, err := a.PayloadHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := b.PayloadHash()
	if ha != hb {
		t.Fatal("identical payloads must hash identically")
	}

	b.Payload["reason_code"] = "FAIL"
	hb2, _ := b.PayloadHash()
	if ha == hb2 {
		t.Fatal("changed payload must hash differently")
	}
}
