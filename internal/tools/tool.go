// Package tools provides the tool abstraction generations offer to models:
// typed definitions with inferred JSON schemas, a registry, and a bounded
// executor.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is a callable function exposed to models. It carries metadata, an
// input schema inferred from the handler's input type, and the type-erased
// execution logic.
type Tool struct {
	name        string
	description string
	schema      *jsonschema.Schema

	handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// Name returns the tool's unique identifier.
func (t *Tool) Name() string { return t.name }

// Description returns the description the model uses to decide when to call
// the tool.
func (t *Tool) Description() string { return t.description }

// InputSchema returns the JSON schema of the tool's input.
func (t *Tool) InputSchema() *jsonschema.Schema { return t.schema }

// Call runs the tool with raw JSON arguments and returns the result as text.
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return t.handler(ctx, args)
}

// New creates a tool with type-safe input and output handling.
//
// The input schema is inferred from In via jsonschema. Type erasure happens
// internally so heterogeneous tools can share a registry. String outputs
// pass through unchanged; any other Out is serialized to JSON.
//
// Example:
//
//	tool, err := tools.New(
//	    "current_time",
//	    "Report the current date and time.",
//	    func(ctx context.Context, in CurrentTimeInput) (CurrentTimeOutput, error) {
//	        ...
//	    },
//	)
func New[In, Out any](name, description string, handler func(context.Context, In) (Out, error)) (*Tool, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for tool %s: %w", name, err)
	}

	erased := func(ctx context.Context, args json.RawMessage) (string, error) {
		var in In
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("tool %s: invalid arguments: %w", name, err)
			}
		}

		out, err := handler(ctx, in)
		if err != nil {
			return "", err
		}

		if s, ok := any(out).(string); ok {
			return s, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("tool %s: marshal result: %w", name, err)
		}
		return string(data), nil
	}

	return &Tool{
		name:        name,
		description: description,
		schema:      schema,
		handler:     erased,
	}, nil
}
