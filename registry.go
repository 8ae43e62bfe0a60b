package invoiceflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// StageInput is what a handler receives. State is a private copy; handlers
// report changes through the State they return, never by mutation.
type StageInput struct {
	RunID   string
	Stage   StageID
	Attempt int
	State   State
	Logger  *slog.Logger
}

// Handler runs one stage and returns the fields it wants merged into the run
// state. Errors are retried unless wrapped with Permanent.
type Handler interface {
	Handle(ctx context.Context, in *StageInput) (State, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in *StageInput) (State, error)

func (f HandlerFunc) Handle(ctx context.Context, in *StageInput) (State, error) {
	return f(ctx, in)
}

// Registry maps stages to handlers.
type Registry struct {
	handlers map[StageID]Handler
}

// NewRegistry validates that every handler-backed stage has a handler and
// that no handler is registered for an unknown or engine-owned stage.
func NewRegistry(handlers map[StageID]Handler) (*Registry, error) {
	var missing []string
	for _, id := range HandlerStages() {
		if handlers[id] == nil {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing handlers for stages: %s", strings.Join(missing, ", "))
	}
	var extra []string
	for id := range handlers {
		if !id.Valid() || id.EngineOwned() {
			extra = append(extra, string(id))
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("handlers registered for stages the engine does not dispatch: %s", strings.Join(extra, ", "))
	}
	r := &Registry{handlers: make(map[StageID]Handler, len(handlers))}
	for id, h := range handlers {
		r.handlers[id] = h
	}
	return r, nil
}

// Handler returns the handler for a stage.
func (r *Registry) Handler(stage StageID) (Handler, error) {
	h, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("stage %s: %w", stage, ErrNoHandler)
	}
	return h, nil
}
