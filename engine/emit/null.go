package emit

import "context"

// NullEmitter implements Emitter by discarding all events. Useful for
// production deployments that don't want observability overhead, or tests
// that don't care about event capture.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that discards everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}

// EmitBatch discards every event.
func (n *NullEmitter) EmitBatch(_ context.Context, events []Event) error {
	return nil
}

// Flush is a no-op.
func (n *NullEmitter) Flush(_ context.Context) error {
	return nil
}
