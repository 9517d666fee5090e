package llm

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaError reports a completion that could not be parsed as JSON or did
// not conform to the expected output schema. It aborts the current turn
// immediately: re-invoking the model with the identical prompt would most
// likely reproduce the same malformed output.
type SchemaError struct {
	// Raw is the extracted candidate JSON, or the full completion body when
	// no JSON could be extracted at all.
	Raw string
	// Err is the underlying parse or validation error.
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llm: completion does not match the output schema: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// AbortsTurn marks schema violations as fatal for the current turn.
func (e *SchemaError) AbortsTurn() bool { return true }

// CompileSchema parses and compiles a JSON Schema document. The name is used
// as the resource identifier in compile and validation errors.
func CompileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("llm: unmarshal schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("llm: add schema resource %q: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("llm: compile schema %q: %w", name, err)
	}
	return schema, nil
}
