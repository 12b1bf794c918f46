// Package collaborators defines the opaque single-method contract that
// every external collaborator (ML predicate, fact-check service,
// translation service) implements. The Node Runtime owns
// timeout/retry/circuit-breaking around these calls; collaborators
// themselves are pure request/response.
package collaborators

import "context"

// Collaborator is the single-method contract every external predicate or
// service implements. Modeled on processor/task-generator/component.go's
// llmCompleter interface, generalized from "complete an LLM request" to
// "apply an opaque function to a stage input".
type Collaborator interface {
	Apply(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a plain function to the Collaborator interface, the way
// http.HandlerFunc adapts a function to http.Handler.
type Func func(ctx context.Context, input map[string]any) (map[string]any, error)

// Apply implements Collaborator.
func (f Func) Apply(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}
