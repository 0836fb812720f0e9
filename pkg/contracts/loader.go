package contracts

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultContracts []byte

type contractSpec struct {
	EngineID           string         `yaml:"engine_id"`
	CapabilityID       string         `yaml:"capability_id"`
	AllowedCallers     []string       `yaml:"allowed_callers"`
	SideEffectClass    string         `yaml:"side_effect_class"`
	ReadScope          string         `yaml:"read_scope"`
	BudgetMs           int            `yaml:"budget_ms"`
	EventType          string         `yaml:"event_type"`
	RequireIdemKey     bool           `yaml:"require_idempotency_key"`
	DiagnosticEmission bool           `yaml:"diagnostic_emission"`
	ResultEventID      bool           `yaml:"result_includes_event_id"`
	InputSchema        map[string]any `yaml:"input_schema"`
	OutputSchema       map[string]any `yaml:"output_schema"`
}

type tableSpec struct {
	Contracts []contractSpec `yaml:"contracts"`
}

var validSideEffects = map[string]SideEffectClass{
	string(SideEffectNone):            SideEffectNone,
	string(SideEffectDBWrite):         SideEffectDBWrite,
	string(SideEffectDBWriteExternal): SideEffectDBWriteExternal,
}

var validReadScopes = map[string]ReadScope{
	"":                           ReadScopeNone,
	string(ReadScopeNone):        ReadScopeNone,
	string(ReadScopeCorrelation): ReadScopeCorrelation,
	string(ReadScopeArtifact):    ReadScopeArtifact,
	string(ReadScopeEntity):      ReadScopeEntity,
}

// Default builds the contract table from the embedded default set.
func Default() (*Table, error) {
	return Load(defaultContracts)
}

// LoadFile builds a contract table from a YAML file on disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contracts: read %q: %w", path, err)
	}
	return Load(data)
}

// Load parses and compiles a contract table. Any malformed entry fails
// the whole load — a partially loaded table is worse than none.
func Load(data []byte) (*Table, error) {
	var spec tableSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("contracts: parse: %w", err)
	}
	if len(spec.Contracts) == 0 {
		return nil, fmt.Errorf("contracts: empty contract table")
	}

	table := &Table{byCapability: make(map[string]*Contract, len(spec.Contracts))}
	for i, cs := range spec.Contracts {
		c, err := buildContract(cs)
		if err != nil {
			return nil, fmt.Errorf("contracts: entry %d (%s): %w", i, cs.CapabilityID, err)
		}
		if _, dup := table.byCapability[c.CapabilityID]; dup {
			return nil, fmt.Errorf("contracts: duplicate capability %s", c.CapabilityID)
		}
		table.byCapability[c.CapabilityID] = c
	}
	return table, nil
}

func buildContract(cs contractSpec) (*Contract, error) {
	if cs.EngineID == "" || cs.CapabilityID == "" {
		return nil, fmt.Errorf("engine_id and capability_id are required")
	}
	if len(cs.AllowedCallers) == 0 {
		return nil, fmt.Errorf("allowed_callers must not be empty")
	}
	se, ok := validSideEffects[cs.SideEffectClass]
	if !ok {
		return nil, fmt.Errorf("invalid side_effect_class %q", cs.SideEffectClass)
	}
	rs, ok := validReadScopes[cs.ReadScope]
	if !ok {
		return nil, fmt.Errorf("invalid read_scope %q", cs.ReadScope)
	}
	if cs.BudgetMs <= 0 {
		return nil, fmt.Errorf("budget_ms must be positive")
	}
	if cs.InputSchema == nil || cs.OutputSchema == nil {
		return nil, fmt.Errorf("input_schema and output_schema are required")
	}
	if se != SideEffectNone && cs.EventType == "" {
		return nil, fmt.Errorf("event_type is required for write capabilities")
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	base := fmt.Sprintf("https://selene.schemas.local/%s", cs.CapabilityID)
	input, err := compileSchema(compiler, base+"/input.schema.json", cs.InputSchema)
	if err != nil {
		return nil, err
	}
	output, err := compileSchema(compiler, base+"/output.schema.json", cs.OutputSchema)
	if err != nil {
		return nil, err
	}

	return &Contract{
		EngineID:           cs.EngineID,
		CapabilityID:       cs.CapabilityID,
		AllowedCallers:     append([]string(nil), cs.AllowedCallers...),
		SideEffect:         se,
		ReadScope:          rs,
		Budget:             time.Duration(cs.BudgetMs) * time.Millisecond,
		EventType:          cs.EventType,
		RequireIdemKey:     cs.RequireIdemKey,
		DiagnosticEmission: cs.DiagnosticEmission,
		ResultEventID:      cs.ResultEventID,
		input:              input,
		output:             output,
	}, nil
}
