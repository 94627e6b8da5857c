package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// validateCall checks a tool call's arguments against the tool's parameter
// schema. A failure is never fatal to the loop: the caller appends it as an
// error turn so the model can correct itself.
func validateCall(snap *registry.Snapshot, call models.ToolCall) error {
	tool, ok := snap.Get(call.Name)
	if !ok {
		return fmt.Errorf("unknown tool %q", call.Name)
	}

	schema, err := jsonschema.CompileString(call.Name+".json", string(tool.ParamSchema))
	if err != nil {
		return fmt.Errorf("tool %q has an invalid parameter schema: %w", call.Name, err)
	}

	input := call.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("arguments for %q are not valid JSON: %w", call.Name, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments for %q failed schema validation: %w", call.Name, err)
	}
	return nil
}
