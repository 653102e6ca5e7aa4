// Package store provides durable persistence for diagram Execution State:
// a local SQLite store for production use (sqlite.go) and an in-memory
// store for tests (memory.go), both implementing Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/dipeo-engine/engine"
)

// ErrNotFound is returned when a requested execution id does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrIdempotencyViolation is returned when a write would violate an
// idempotency key already recorded for the execution.
var ErrIdempotencyViolation = errors.New("store: idempotency violation")

// Store is the durable persistence contract of spec.md §4.5 (C5): a
// cache-fast read path during live execution, and at-least-once
// persistence for post-mortem inspection and resumption.
type Store interface {
	// CreateExecution inserts a fresh PENDING execution and returns its
	// initial state.
	CreateExecution(ctx context.Context, id, diagramID string, variables map[string]any) (*engine.ExecutionState, error)

	// SaveState persists the full execution state (upsert).
	SaveState(ctx context.Context, state *engine.ExecutionState) error

	// GetState loads an execution state by id, preferring the in-memory
	// cache over the database.
	GetState(ctx context.Context, id string) (*engine.ExecutionState, error)

	// UpdateStatus transitions an execution's overall status.
	UpdateStatus(ctx context.Context, id string, status engine.ExecutionStatus, errMsg string) error

	// UpdateNodeOutput records a node's output envelope. Non-envelope
	// outputs are not accepted by this interface — callers must already
	// hold an engine.Envelope (produced via SerializeOutput), matching
	// spec.md's "auto-wraps non-envelope outputs" note, which this port
	// satisfies at the handler lifecycle boundary (handler.go) rather
	// than at the store boundary.
	UpdateNodeOutput(ctx context.Context, id, nodeID string, output engine.Envelope, isException bool, usage *engine.TokenUsage) error

	// UpdateNodeStatus mirrors the tracker's transition rules: it appends
	// to ExecutedNodes the first time nodeID goes RUNNING.
	UpdateNodeStatus(ctx context.Context, id, nodeID string, status engine.NodeStatus, errMsg string) error

	// GetNodeOutput returns a node's last recorded output, if any.
	GetNodeOutput(ctx context.Context, id, nodeID string) (engine.Envelope, bool, error)

	// UpdateVariables merges kv into the execution's variables.
	UpdateVariables(ctx context.Context, id string, kv map[string]any) error

	// UpdateMetrics merges kv into the execution's metrics.
	UpdateMetrics(ctx context.Context, id string, kv map[string]any) error

	// AddLLMUsage accumulates usage into the execution's aggregate token
	// usage.
	AddLLMUsage(ctx context.Context, id string, usage engine.TokenUsage) error

	// ListExecutions returns executions matching the optional filters,
	// newest-started first.
	ListExecutions(ctx context.Context, diagramID string, status engine.ExecutionStatus, limit, offset int) ([]*engine.ExecutionState, error)

	// CleanupOldStates deletes executions whose StartedAt is older than
	// now - days, then reclaims space, returning the number deleted.
	CleanupOldStates(ctx context.Context, days int) (int, error)

	// CheckIdempotency records key for id if unseen, returning false if
	// key was already recorded (a duplicate write the caller should skip).
	CheckIdempotency(ctx context.Context, id, key string) (bool, error)

	// Close drains the writer queue and releases the connection.
	Close() error
}

// nowUTC isolates time.Now() to a single call site; not a clock
// abstraction, just somewhere to swap in a fake if one's ever needed.
func nowUTC() time.Time { return time.Now().UTC() }
