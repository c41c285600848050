package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/m4xw311/loopy/errors"
	jsonschema "github.com/swaggest/jsonschema-go"
	"github.com/xeipuuv/gojsonschema"
)

// Handler implements a typed tool. A returned error becomes an error
// result; a non-zero output returned alongside it is kept in that result.
type Handler[In, Out any] func(ctx context.Context, in In) (Out, error)

// defaulter is implemented by input types that need defaults applied
// before the model's arguments are decoded over them.
type defaulter interface {
	SetDefaults()
}

// TypedTool adapts a Handler to the Tool interface. Its schema is
// reflected from the input struct tags.
type TypedTool[In, Out any] struct {
	name        string
	description string
	schema      map[string]any
	schemaJSON  string
	handler     Handler[In, Out]
}

// NewTool builds a TypedTool, reflecting the JSON Schema from In.
func NewTool[In, Out any](name, description string, handler Handler[In, Out]) (*TypedTool[In, Out], error) {
	var input In
	if t := reflect.TypeOf(input); t == nil || t.Kind() != reflect.Struct {
		return nil, errors.New("tool input type must be a struct, got %T", input)
	}

	reflector := jsonschema.Reflector{}
	schema, err := reflector.Reflect(input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to generate schema")
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode schema")
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		return nil, errors.Wrapf(err, "failed to decode schema")
	}

	return &TypedTool[In, Out]{
		name:        name,
		description: description,
		schema:      schemaMap,
		schemaJSON:  string(raw),
		handler:     handler,
	}, nil
}

// MustTool is NewTool for statically known input types.
func MustTool[In, Out any](name, description string, handler Handler[In, Out]) *TypedTool[In, Out] {
	t, err := NewTool(name, description, handler)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *TypedTool[In, Out]) Name() string               { return t.name }
func (t *TypedTool[In, Out]) Description() string        { return t.description }
func (t *TypedTool[In, Out]) Parameters() map[string]any { return t.schema }

func (t *TypedTool[In, Out]) Validate(args map[string]any) error {
	return ValidateSchema(t.schemaJSON, args)
}

func (t *TypedTool[In, Out]) Execute(ctx context.Context, args map[string]any) Result {
	var in In
	if d, ok := any(&in).(defaulter); ok {
		d.SetDefaults()
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	out, err := t.handler(ctx, in)
	if err != nil {
		return errorWithOutput(out, err)
	}
	return Result{Output: out}
}

// ValidateSchema checks args against a JSON Schema document.
func ValidateSchema(schemaJSON string, args map[string]any) error {
	if schemaJSON == "" {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return errors.Wrapf(err, "schema validation failed")
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return errors.New("%s", strings.Join(msgs, "; "))
}

func errorWithOutput(out any, err error) Result {
	v := reflect.ValueOf(out)
	if !v.IsValid() || v.IsZero() {
		return Errorf("%v", err)
	}
	res := Result{Output: out}
	m := res.Map()
	m["error"] = err.Error()
	return Result{Output: m, IsError: true}
}
