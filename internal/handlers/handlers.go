// Package handlers is the Action Worker's connector surface: a Handler per
// action_id, registered by name and looked up at dispatch time. The
// registry pattern follows the teacher's internal/plugins registry; the
// built-in http handler is grounded on connectors/http/connector.py in
// original_source, reduced to the single synchronous request/response
// shape the spec's action step covers.
package handlers

import "context"

// Handler executes one action_id against resolved config and returns the
// output that becomes the STEP_COMPLETE event's data.
type Handler interface {
	Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error)

func (f HandlerFunc) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, config)
}

// Registry resolves an action_id to the Handler that implements it.
type Registry interface {
	Lookup(actionID string) (Handler, bool)
	Register(actionID string, h Handler)
}

type registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() Registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) Lookup(actionID string) (Handler, bool) {
	h, ok := r.handlers[actionID]
	return h, ok
}

func (r *registry) Register(actionID string, h Handler) {
	r.handlers[actionID] = h
}
