package toolkit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Invoker runs a tool with decoded arguments.
type Invoker interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a synchronous function to Invoker.
type Func func(ctx context.Context, args map[string]any) (any, error)

func (f Func) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Result is delivered by asynchronous tools.
type Result struct {
	Value any
	Err   error
}

// AsyncFunc adapts a function that answers on a channel. Invoke waits for
// the first result or for ctx to end.
type AsyncFunc func(ctx context.Context, args map[string]any) <-chan Result

func (f AsyncFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	ch := f(ctx, args)
	if ch == nil {
		return nil, fmt.Errorf("async tool returned no result channel")
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("async tool closed its result channel without a value")
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tool is a callable capability attached to actions.
type Tool struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"` // JSON Schema of the args object.
	Invoker     Invoker        `json:"-"`
}

// Typed wraps fn so that the raw args map is decoded into T first.
func Typed[T any](fn func(ctx context.Context, args T) (any, error)) Func {
	return func(ctx context.Context, raw map[string]any) (any, error) {
		args, err := Decode[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Decode converts a raw args map into T through its JSON tags.
func Decode[T any](raw map[string]any) (T, error) {
	var args T
	data, err := json.Marshal(raw)
	if err != nil {
		return args, fmt.Errorf("encoding tool arguments: %w", err)
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return args, fmt.Errorf("decoding tool arguments: %w", err)
	}
	return args, nil
}

// SchemaFor reflects a JSON Schema for T suitable for a tool's Schema field.
func SchemaFor[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Stringify renders a tool return value for the model. Strings pass through,
// byte slices are decoded, integral floats lose their fraction, and anything
// else is JSON encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, bool:
		return fmt.Sprintf("%v", val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
