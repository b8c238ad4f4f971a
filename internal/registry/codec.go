package registry

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports a malformed entry or call. Not retryable until
// the input is fixed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Encode serializes an entry to its canonical JSON wire form. Struct
// field order fixes the key order, so identical entries produce identical
// bytes and therefore identical content hashes.
func Encode(entry *AgentRegistryEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode registry entry: %w", err)
	}
	return data, nil
}

// Decode parses an entry from its JSON wire form.
func Decode(data []byte) (*AgentRegistryEntry, error) {
	var entry AgentRegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode registry entry: %w", err)
	}
	return &entry, nil
}

// Validate checks the structural requirements an entry must satisfy
// before publication.
func Validate(entry *AgentRegistryEntry) error {
	if entry.AgentID == "" {
		return &ValidationError{Field: "agentId", Reason: "must not be empty"}
	}
	if len(entry.Capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Reason: "at least one capability is required"}
	}
	if entry.EconomicTerms.BasePrice.LessThan(decimal.Zero) {
		return &ValidationError{Field: "economicTerms.basePrice", Reason: "must not be negative"}
	}

	seen := make(map[string]struct{}, len(entry.Capabilities))
	for i, cap := range entry.Capabilities {
		field := fmt.Sprintf("capabilities[%d]", i)
		if cap.ToolID == "" {
			return &ValidationError{Field: field + ".toolId", Reason: "must not be empty"}
		}
		if _, dup := seen[cap.ToolID]; dup {
			return &ValidationError{Field: field + ".toolId", Reason: fmt.Sprintf("duplicate toolId %q", cap.ToolID)}
		}
		seen[cap.ToolID] = struct{}{}

		if cap.Name == "" {
			return &ValidationError{Field: field + ".name", Reason: "must not be empty"}
		}
		if err := validateSchema(cap.InputSchema); err != nil {
			return &ValidationError{Field: field + ".inputSchema", Reason: err.Error()}
		}
		if err := validateSchema(cap.OutputSchema); err != nil {
			return &ValidationError{Field: field + ".outputSchema", Reason: err.Error()}
		}
		if cap.CostModel.BasePrice.LessThan(decimal.Zero) {
			return &ValidationError{Field: field + ".costModel.basePrice", Reason: "must not be negative"}
		}
	}
	return nil
}

// validateSchema compiles a capability schema document to prove it is a
// usable JSON Schema, not just well-formed JSON.
func validateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("schema document is required")
	}
	loader := gojsonschema.NewBytesLoader(raw)
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		return fmt.Errorf("schema does not compile: %w", err)
	}
	return nil
}
