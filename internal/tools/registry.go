// Package tools is the set of named operations the language model may invoke. Each tool has a
// description, a JSON input schema and an execute function; the Registry validates model supplied input
// against the schema before running a tool and returns its output as opaque JSON.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/market-chat/internal/observe"
	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is a named operation the model may invoke.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema

	execute  func(ctx context.Context, input json.RawMessage) (any, error)
	defaults func(now time.Time) map[string]any
}

// Registry holds the registered tools in registration order. It is safe for concurrent use once all
// tools are registered.
type Registry struct {
	tools    []registered
	byName   map[string]int
	metrics  *observe.Metrics
	logger   *slog.Logger
	clock    func() time.Time
	rawTools []mcp.Tool
}

type registered struct {
	Tool
	resolved *jsonschema.Resolved
}

// InputError reports tool input that doesn't satisfy the tool's schema.
type InputError struct {
	Tool string
	Err  error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// ErrToolNotFound is returned when executing a tool that isn't registered.
var ErrToolNotFound = errors.New("tool not found")

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byName: make(map[string]int),
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("module", "tools"))
	return r
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryMetrics records every execution.
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock sets the clock date defaults are computed from.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = now }
}

// Define builds a Tool whose input is decoded into In before fn runs.
func Define[In, Out any](
	name, description string,
	schema *jsonschema.Schema,
	fn func(ctx context.Context, in In) (Out, error),
) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		execute: func(ctx context.Context, input json.RawMessage) (any, error) {
			var in In
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, &InputError{Tool: name, Err: err}
			}
			return fn(ctx, in)
		},
	}
}

// WithDefaults returns t with property defaults computed from the registry clock every time the tool
// is listed, so date defaults roll over while the server runs.
func (t Tool) WithDefaults(fn func(now time.Time) map[string]any) Tool {
	t.defaults = fn
	return t
}

// Register adds tools to the registry. It fails on a duplicate name or on a schema that can't be
// resolved.
func (r *Registry) Register(tools ...Tool) error {
	for _, t := range tools {
		if t.Name == "" || t.execute == nil {
			return fmt.Errorf("tool %q is not defined", t.Name)
		}
		if _, ok := r.byName[t.Name]; ok {
			return fmt.Errorf("tool %s is already registered", t.Name)
		}
		if t.Schema == nil {
			t.Schema = &jsonschema.Schema{Type: "object"}
		}
		resolved, err := t.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("error resolving schema of tool %s: %w", t.Name, err)
		}
		schemaJSON, err := json.Marshal(t.Schema)
		if err != nil {
			return fmt.Errorf("error marshaling schema of tool %s: %w", t.Name, err)
		}

		r.byName[t.Name] = len(r.tools)
		r.tools = append(r.tools, registered{Tool: t, resolved: resolved})
		r.rawTools = append(r.rawTools, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaJSON,
		})
	}
	return nil
}

// Tools returns the descriptors of all registered tools, as handed to the model.
func (r *Registry) Tools() []mcp.Tool {
	res := make([]mcp.Tool, len(r.rawTools))
	copy(res, r.rawTools)

	var now time.Time
	for i, t := range r.tools {
		if t.defaults == nil {
			continue
		}
		if now.IsZero() {
			now = r.clock()
		}
		schemaJSON, err := json.Marshal(withDefaults(t.Schema, t.defaults(now)))
		if err != nil {
			r.logger.Warn("Failed to marshal schema defaults",
				slog.String("tool", t.Name),
				slog.String("err", err.Error()))
			continue
		}
		res[i].InputSchema = schemaJSON
	}
	return res
}

// withDefaults returns a copy of s with the Default of each named property set. s is left untouched.
func withDefaults(s *jsonschema.Schema, defaults map[string]any) *jsonschema.Schema {
	res := *s
	res.Properties = make(map[string]*jsonschema.Schema, len(s.Properties))
	for name, prop := range s.Properties {
		v, ok := defaults[name]
		if !ok {
			res.Properties[name] = prop
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			res.Properties[name] = prop
			continue
		}
		p := *prop
		p.Default = raw
		res.Properties[name] = &p
	}
	return &res
}

// Has reports whether a tool named name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Now returns the registry clock reading.
func (r *Registry) Now() time.Time {
	return r.clock()
}

// Execute validates input against the schema of the named tool, runs it and returns its output
// marshalled to JSON. An empty input is treated as the empty object.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	t := r.tools[idx]

	start := time.Now()
	out, err := r.execute(ctx, t, input)
	status := "ok"
	if err != nil {
		status = "error"
		r.logger.Info("Tool failed", slog.String("tool", name), slog.String("err", err.Error()))
	}
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, name, status, time.Since(start).Seconds())
	}
	return out, err
}

func (r *Registry) execute(ctx context.Context, t registered, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	var instance any
	if err := json.Unmarshal(input, &instance); err != nil {
		return nil, &InputError{Tool: t.Name, Err: fmt.Errorf("input is not valid JSON: %w", err)}
	}
	if instance == nil {
		instance = map[string]any{}
		input = json.RawMessage("{}")
	}
	if _, ok := instance.(map[string]any); !ok {
		return nil, &InputError{Tool: t.Name, Err: errors.New("input must be a JSON object")}
	}
	if err := t.resolved.Validate(instance); err != nil {
		return nil, &InputError{Tool: t.Name, Err: err}
	}

	out, err := t.execute(ctx, input)
	if err != nil {
		return nil, err
	}

	res, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("error marshaling output of tool %s: %w", t.Name, err)
	}
	return res, nil
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %v", e.Tool, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}
