// Package contracts holds the static capability contract table.
//
// Every engine capability is described by one Contract: who may call it,
// what its input and output envelopes look like (JSON Schema,
// draft 2020-12), what class of side effect it produces, and how much
// time it is allowed to take. The table is built once at process start
// and never mutated afterwards — dispatch consults it on every call.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SideEffectClass declares what a capability is allowed to do beyond
// computing its output.
type SideEffectClass string

const (
	SideEffectNone            SideEffectClass = "NONE"
	SideEffectDBWrite         SideEffectClass = "DB_WRITE"
	SideEffectDBWriteExternal SideEffectClass = "DB_WRITE+EXTERNAL_SEND_REQUEST"
)

// ReadScope declares which ledger slice, if any, the dispatcher hands to
// the decision function alongside the envelope.
type ReadScope string

const (
	ReadScopeNone        ReadScope = "NONE"
	ReadScopeCorrelation ReadScope = "CORRELATION"
	ReadScopeArtifact    ReadScope = "ARTIFACT"
	ReadScopeEntity      ReadScope = "ENTITY"
)

// Contract is one immutable engine capability description.
type Contract struct {
	EngineID       string
	CapabilityID   string
	AllowedCallers []string
	SideEffect     SideEffectClass
	ReadScope      ReadScope
	Budget         time.Duration
	EventType      string
	// RequireIdemKey forces the envelope to carry an idempotency key.
	// Commit capabilities set this; fire-and-forget audit emission does not.
	RequireIdemKey bool
	// DiagnosticEmission marks a read capability that opts into emitting
	// its own (append-only) replay/diagnostic event.
	DiagnosticEmission bool
	// ResultEventID merges the generated event id into the caller-visible
	// result, for contracts whose output schema declares it.
	ResultEventID bool

	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Writes reports whether the capability persists a ledger row.
func (c *Contract) Writes() bool {
	return c.SideEffect == SideEffectDBWrite || c.SideEffect == SideEffectDBWriteExternal
}

// CallerAllowed reports whether the given caller role may invoke this
// capability. The check is exact-match over the closed allowlist.
func (c *Contract) CallerAllowed(role string) bool {
	for _, allowed := range c.AllowedCallers {
		if allowed == role {
			return true
		}
	}
	return false
}

// ValidateInput validates a payload against the capability's input schema.
func (c *Contract) ValidateInput(payload map[string]any) error {
	return validate(c.input, payload, "input")
}

// ValidateOutput validates a payload against the capability's output schema.
func (c *Contract) ValidateOutput(payload map[string]any) error {
	return validate(c.output, payload, "output")
}

func validate(schema *jsonschema.Schema, payload map[string]any, kind string) error {
	if schema == nil {
		return fmt.Errorf("contracts: %s schema not compiled (fail-closed)", kind)
	}
	// jsonschema validates generic JSON values; round-trip to normalize
	// ints, time.Time and friends into JSON primitives.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contracts: %s payload not serializable: %w", kind, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("contracts: %s payload decode: %w", kind, err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("contracts: %s schema violation: %w", kind, err)
	}
	return nil
}

// Table is the immutable capability contract table.
type Table struct {
	byCapability map[string]*Contract
}

// Get returns the contract for a capability id.
func (t *Table) Get(capabilityID string) (*Contract, bool) {
	c, ok := t.byCapability[capabilityID]
	return c, ok
}

// Capabilities returns all capability ids, unordered.
func (t *Table) Capabilities() []string {
	out := make([]string, 0, len(t.byCapability))
	for id := range t.byCapability {
		out = append(out, id)
	}
	return out
}

// EngineOf resolves the owning engine of a capability, deriving it from
// the registered contract rather than parsing the id.
func (t *Table) EngineOf(capabilityID string) (string, bool) {
	c, ok := t.byCapability[capabilityID]
	if !ok {
		return "", false
	}
	return c.EngineID, true
}

func compileSchema(compiler *jsonschema.Compiler, url string, raw map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("contracts: schema %s not serializable: %w", url, err)
	}
	if err := compiler.AddResource(url, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("contracts: schema %s load failed: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("contracts: schema %s compile failed: %w", url, err)
	}
	return schema, nil
}
