// Package engine provides the diagram execution engine: envelopes, handler
// lifecycle, the unified state tracker, the token bus, the scheduler, and
// the engine loop that drives them.
package engine

import "errors"

// ErrNotFound is returned by lookups (service registry, handler registry,
// execution state) that find nothing for the given key.
var ErrNotFound = errors.New("engine: not found")

// ErrMaxStepsExceeded indicates a scheduler tick budget was exhausted without
// the diagram reaching a terminal state. This is a safety valve distinct from
// the per-(node, epoch) iteration cap; it guards against a scheduler that
// never empties (e.g. a bug in tie-breaking that keeps re-readying a node).
var ErrMaxStepsExceeded = errors.New("engine: execution exceeded maximum scheduler ticks")

// ErrNoProgress indicates the scheduler reported no ready nodes while nodes
// remain PENDING and no node is running — a deadlock in the data-dependency
// graph (e.g. a required inbound port that will never receive a token).
var ErrNoProgress = errors.New("engine: no runnable nodes and none in flight")

// ErrAborted indicates the execution was cancelled externally.
var ErrAborted = errors.New("engine: execution aborted")

// ErrRecordNotStarted is returned by the tracker when a caller attempts to
// complete/fail/finalize a node execution record before transition_to_running
// created one.
var ErrRecordNotStarted = errors.New("engine: no execution record was started for this node")

// ErrRecordAlreadyFinalized is returned by the tracker when a caller attempts
// to complete an execution record a second time.
var ErrRecordAlreadyFinalized = errors.New("engine: execution record already finalized")

// ErrStrictEnvelope is returned by the strict envelope factory when a body
// fails eager validation (non-JSON-serializable OBJECT, non-byte BINARY,
// non-mapping CONVERSATION_STATE).
var ErrStrictEnvelope = errors.New("engine: envelope body does not satisfy strict content-type constraints")

// ErrEnvelopeFormat is returned by DeserializeProtocol when the input lacks
// the envelope_format discriminator (legacy / foreign shape).
var ErrEnvelopeFormat = errors.New("engine: missing envelope_format discriminator")

// ServiceError is raised when a handler declares a REQUIRED service that the
// registry cannot provide. It names both the handler and the missing key so
// operators can fix wiring without re-deriving it from a generic message.
type ServiceError struct {
	Handler string
	Key     string
}

func (e *ServiceError) Error() string {
	return "engine: handler " + e.Handler + " requires service " + e.Key + " but it was not registered"
}

// ConversionError is raised by strict envelope accessors when the requested
// conversion (as_text, as_json, as_bytes, as_conversation) disagrees with the
// envelope's content_type.
type ConversionError struct {
	From ContentType
	To   string
}

func (e *ConversionError) Error() string {
	return "engine: cannot convert " + string(e.From) + " envelope to " + e.To
}

// IdempotencyViolationError is raised by the state store when a checkpoint
// write reuses an idempotency key already committed.
type IdempotencyViolationError struct {
	Key string
}

func (e *IdempotencyViolationError) Error() string {
	return "engine: idempotency key already committed: " + e.Key
}
