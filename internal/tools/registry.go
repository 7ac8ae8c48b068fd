// Package tools exposes the financial analytics functions the model may call.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"finagent/internal/apperr"
	"finagent/internal/models"
)

// ErrUnknownTool is returned when a name is not in the catalogue.
var ErrUnknownTool = errors.New("unknown tool")

// Handler runs a tool with the model-supplied arguments and returns a
// JSON-serialisable result.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	schema  models.ToolSchema
	handler Handler
}

// Registry is a fixed, ordered catalogue of tools. It is built once at
// start-up and only read afterwards.
type Registry struct {
	tools map[string]entry
	order []string
	log   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools: make(map[string]entry),
		log:   logger,
	}
}

// Register adds a tool. Returns an error if a tool with the same name
// already exists.
func (r *Registry) Register(schema models.ToolSchema, h Handler) error {
	name := schema.Name
	if strings.TrimSpace(name) == "" {
		return errors.New("tool name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = entry{schema: schema, handler: h}
	r.order = append(r.order, name)
	r.log.Debug("tool registered", "tool", name)
	return nil
}

// Catalogue returns every schema in registration order.
func (r *Registry) Catalogue() []models.ToolSchema {
	out := make([]models.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].schema)
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schema returns the schema of one tool.
func (r *Registry) Schema(name string) (models.ToolSchema, bool) {
	e, ok := r.tools[name]
	return e.schema, ok
}

// Invoke dispatches a call by name. A panicking tool is reported as an
// error.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", name, "panic", rec)
			result, err = nil, fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()

	return e.handler(ctx, args)
}

// ValidateRequired checks that args supplies every parameter the schema
// marks as required.
func ValidateRequired(schema models.ToolSchema, args map[string]any) error {
	var missing []string
	for _, name := range schema.Required() {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &apperr.ValidationError{
		Field:   strings.Join(missing, ","),
		Message: fmt.Sprintf("missing required parameter(s) for %s: %s", schema.Name, strings.Join(missing, ", ")),
	}
}
