package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "loom.toolregistry"

	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10 * 1024

	truncationMarker = "\n... [output truncated]"
)

var (
	// ErrToolNotFound is returned when no tool is registered under a name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolExecution wraps every failure raised while running a tool,
	// including argument validation and timeouts.
	ErrToolExecution = errors.New("tool execution failed")
)

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Parameter declares one named argument of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler runs a tool. The returned value is rendered to text: strings and
// byte slices as-is, anything else as JSON.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition is a tool's metadata and handler, supplied together at registration.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Schema is the model-facing description of a tool.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type tool struct {
	def       Definition
	schema    Schema
	validator *gojsonschema.Schema
}

// Builder collects tool definitions. Registration errors are reported by Build.
type Builder struct {
	defs      []Definition
	errs      []error
	timeout   time.Duration
	maxOutput int
}

// NewBuilder returns an empty builder with default limits.
func NewBuilder() *Builder {
	return &Builder{
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
	}
}

// Register adds a tool definition.
func (b *Builder) Register(def Definition) *Builder {
	if err := validateDefinition(def); err != nil {
		b.errs = append(b.errs, fmt.Errorf("invalid tool definition %q: %w", def.Name, err))
		return b
	}
	b.defs = append(b.defs, def)
	return b
}

// WithTimeout sets the per-execution timeout. Non-positive values are ignored.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.timeout = d
	}
	return b
}

// WithMaxOutput sets the output size limit in bytes. Non-positive values are ignored.
func (b *Builder) WithMaxOutput(n int) *Builder {
	if n > 0 {
		b.maxOutput = n
	}
	return b
}

// Build validates every registration and returns a read-only registry.
func (b *Builder) Build() (*Registry, error) {
	errs := append([]error(nil), b.errs...)
	tools := make(map[string]*tool, len(b.defs))

	for _, def := range b.defs {
		if _, exists := tools[def.Name]; exists {
			errs = append(errs, fmt.Errorf("tool %q registered twice", def.Name))
			continue
		}
		params := parameterSchema(def)
		validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to compile schema for %q: %w", def.Name, err))
			continue
		}
		tools[def.Name] = &tool{
			def:       def,
			schema:    Schema{Name: def.Name, Description: def.Description, Parameters: params},
			validator: validator,
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	log.Info().Int("tools", len(names)).Strs("names", names).Msg("Tool registry built")
	return &Registry{
		tools:     tools,
		names:     names,
		timeout:   b.timeout,
		maxOutput: b.maxOutput,
	}, nil
}

// Registry maps tool names to handlers and schemas. It is immutable after
// Build and safe for concurrent use.
type Registry struct {
	tools     map[string]*tool
	names     []string
	timeout   time.Duration
	maxOutput int
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	t, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// Schemas returns model-facing schemas for every tool, sorted by name.
func (r *Registry) Schemas() []Schema {
	if r == nil {
		return nil
	}
	out := make([]Schema, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name].schema)
	}
	return out
}

// Filter returns a registry holding only the tools the policy allows.
// A nil policy returns the receiver.
func (r *Registry) Filter(policy *Policy) *Registry {
	if r == nil || policy == nil {
		return r
	}
	filtered := &Registry{
		tools:     make(map[string]*tool),
		timeout:   r.timeout,
		maxOutput: r.maxOutput,
	}
	for _, name := range r.names {
		if policy.IsAllowed(name) {
			filtered.tools[name] = r.tools[name]
			filtered.names = append(filtered.names, name)
		}
	}
	return filtered
}

// ExecuteRaw decodes JSON-encoded arguments and executes the tool.
func (r *Registry) ExecuteRaw(ctx context.Context, name string, raw json.RawMessage) (string, error) {
	args := make(map[string]interface{})
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("%w: arguments for %s are not a JSON object: %v", ErrToolExecution, name, err)
		}
	}
	return r.Execute(ctx, name, args)
}

// Execute validates args against the tool's schema and runs it under the
// registry timeout. Failures wrap ErrToolNotFound or ErrToolExecution.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "tool.execute", attribute.String("tool", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", name).Logger()

	var t *tool
	if r != nil {
		t = r.tools[name]
	}
	if t == nil {
		logger.Warn().Msg("Tool not found")
		return "", tracing.FailSpan(span, fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}

	sessionID := tracing.GetSessionID(ctx)
	startTime := time.Now()
	output, err := r.run(ctx, t, args)
	duration := time.Since(startTime)
	observability.RecordToolExecution(name, duration, err == nil)

	if err != nil {
		logger.Warn().Dur("duration", duration).Err(err).Msg("Tool execution failed")
		observability.RecordToolAudit(ctx, name, sessionID, "error", map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		return "", tracing.FailSpan(span, err)
	}

	output, truncated := truncate(output, r.maxOutput)
	logger.Debug().
		Dur("duration", duration).
		Bool("truncated", truncated).
		Msg("Tool execution completed")
	observability.RecordToolAudit(ctx, name, sessionID, "success", map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"truncated":   truncated,
	})
	return output, nil
}

func (r *Registry) run(ctx context.Context, t *tool, args map[string]interface{}) (string, error) {
	if args == nil {
		args = make(map[string]interface{})
	}
	if err := validateArgs(t.validator, args); err != nil {
		return "", fmt.Errorf("%w: parameter validation failed: %v", ErrToolExecution, err)
	}
	args = withDefaults(t.def.Parameters, args)

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		value, err := t.def.Handler(timeoutCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: %w", ErrToolExecution, res.err)
		}
		output, err := render(res.value)
		if err != nil {
			return "", fmt.Errorf("%w: failed to render output: %v", ErrToolExecution, err)
		}
		return output, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrToolExecution, ctx.Err())
		}
		return "", fmt.Errorf("%w: timeout after %v", ErrToolExecution, r.timeout)
	}
}

func validateDefinition(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("parameter %s declared twice", param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

func parameterSchema(def Definition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []interface{}{}

	for _, param := range def.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

func withDefaults(params []Parameter, args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+len(params))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range params {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func render(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func truncate(output string, limit int) (string, bool) {
	if limit <= 0 || len(output) <= limit {
		return output, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	log.Warn().
		Int("original", len(output)).
		Int("truncated", cut).
		Msg("Output truncated")
	return output[:cut] + truncationMarker, true
}
