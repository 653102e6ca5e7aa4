package emit

// Type names one of the eight event kinds the emitter publishes
// (spec.md §4.11, C11).
type Type string

const (
	ExecutionStarted   Type = "EXECUTION_STARTED"
	NodeStarted        Type = "NODE_STARTED"
	NodeCompleted      Type = "NODE_COMPLETED"
	NodeFailed         Type = "NODE_FAILED"
	ExecutionCompleted Type = "EXECUTION_COMPLETED"
	ExecutionFailed    Type = "EXECUTION_FAILED"
	ExecutionAborted   Type = "EXECUTION_ABORTED"
	WebhookReceived    Type = "WEBHOOK_RECEIVED"
)

// Event is one observability notification published during diagram
// execution (spec.md §4.11: `{execution_id, node_id?, status, envelope_id?,
// timestamp, meta}`). Consumers are decoupled; delivery is best-effort.
type Event struct {
	// ExecutionID identifies which diagram run emitted this event.
	ExecutionID string

	// Type is the event kind.
	Type Type

	// NodeID is empty for execution-level events (ExecutionStarted,
	// ExecutionCompleted, ExecutionFailed, ExecutionAborted).
	NodeID string

	// Status is a short human-readable status string, e.g. the node's
	// terminal NodeStatus or the execution's terminal ExecutionStatus.
	Status string

	// EnvelopeID references the envelope produced by a node, when one
	// exists (NodeCompleted/NodeFailed).
	EnvelopeID string

	// Timestamp is Unix seconds with fractional precision, matching
	// Envelope meta.timestamp's convention.
	Timestamp float64

	// Meta carries event-specific structured data: duration_ms, error,
	// tokens, warning, etc.
	Meta map[string]any
}
