package record

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

// Built-in action handler names.
const (
	HandlerAssignToMe       = "assignToMe"
	HandlerBulkChangeStatus = "bulkChangeStatus"
	HandlerSetField         = "setField"
)

// ActionInput is what a handler sees for one record.
type ActionInput struct {
	Actor      audit.Actor
	Definition *schema.Definition
	Record     map[string]any
	Params     map[string]any
}

// ActionHandler computes the field changes an action applies to one record.
// The returned map is validated like any other write before it is stored.
type ActionHandler interface {
	Apply(ctx context.Context, in ActionInput) (map[string]any, error)
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, in ActionInput) (map[string]any, error)

func (f ActionFunc) Apply(ctx context.Context, in ActionInput) (map[string]any, error) {
	return f(ctx, in)
}

// Registry maps handler names to handlers. It is filled at startup; schemas
// naming an unregistered handler cannot be published.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]ActionHandler{}}
}

// DefaultRegistry returns a registry holding the built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(HandlerAssignToMe, ActionFunc(assignToMe))
	r.MustRegister(HandlerBulkChangeStatus, ActionFunc(changeStatus))
	r.MustRegister(HandlerSetField, ActionFunc(setField))
	return r
}

// Register adds h under name. Names are unique.
func (r *Registry) Register(name string, h ActionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("action handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) MustRegister(name string, h ActionHandler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Has implements schema.HandlerLookup.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Get(name string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func stringParam(params map[string]any, key, fallback string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if fallback == "" {
			return "", apperror.Validation("missing action parameter", map[string][]string{
				"params." + key: {"is required"},
			})
		}
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", apperror.Validation("invalid action parameter", map[string][]string{
			"params." + key: {"must be a non-empty string"},
		})
	}
	return s, nil
}

func declared(def *schema.Definition, key string) error {
	if _, ok := def.Field(key); !ok {
		return apperror.Validation("invalid action parameter", map[string][]string{
			"params.field": {fmt.Sprintf("unknown field %q", key)},
		})
	}
	return nil
}

// assignToMe sets the assignee field (params.field, default "assignee") to the actor.
func assignToMe(_ context.Context, in ActionInput) (map[string]any, error) {
	field, err := stringParam(in.Params, "field", "assignee")
	if err != nil {
		return nil, err
	}
	if err := declared(in.Definition, field); err != nil {
		return nil, err
	}
	return map[string]any{field: in.Actor.UserID}, nil
}

// changeStatus sets the status field (params.field, default "status") to params.status.
func changeStatus(_ context.Context, in ActionInput) (map[string]any, error) {
	field, err := stringParam(in.Params, "field", "status")
	if err != nil {
		return nil, err
	}
	if err := declared(in.Definition, field); err != nil {
		return nil, err
	}
	status, err := stringParam(in.Params, "status", "")
	if err != nil {
		return nil, err
	}
	return map[string]any{field: status}, nil
}

// setField sets params.field to params.value.
func setField(_ context.Context, in ActionInput) (map[string]any, error) {
	field, err := stringParam(in.Params, "field", "")
	if err != nil {
		return nil, err
	}
	if err := declared(in.Definition, field); err != nil {
		return nil, err
	}
	value, ok := in.Params["value"]
	if !ok {
		return nil, apperror.Validation("missing action parameter", map[string][]string{
			"params.value": {"is required"},
		})
	}
	return map[string]any{field: value}, nil
}
