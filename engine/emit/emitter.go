// Package emit provides event emission and observability for diagram execution.
package emit

import "context"

// Emitter receives the Events a diagram execution publishes. Implementations
// must not block the caller and must not panic; a slow or failing
// observability backend should never stall or crash an execution.
type Emitter interface {
	// Emit sends a single event, best-effort.
	Emit(event Event)

	// EmitBatch sends events in order, returning an error only on
	// catastrophic (e.g. configuration) failure — individual delivery
	// failures should be logged internally, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until every buffered event has been sent or ctx expires.
	// Safe to call more than once.
	Flush(ctx context.Context) error
}
