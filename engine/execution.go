package engine

import "time"

// NodeStatus is the UI-facing status of one node within one execution.
type NodeStatus string

const (
	NodeStatusPending        NodeStatus = "PENDING"
	NodeStatusRunning        NodeStatus = "RUNNING"
	NodeStatusCompleted      NodeStatus = "COMPLETED"
	NodeStatusFailed         NodeStatus = "FAILED"
	NodeStatusSkipped        NodeStatus = "SKIPPED"
	NodeStatusMaxIterReached NodeStatus = "MAXITER_REACHED"
)

// RecordStatus is the completion kind stamped onto a finalized
// NodeExecutionRecord — a narrower vocabulary than NodeStatus because a
// record is only ever finalized into one of these four kinds (RUNNING/PENDING
// are not terminal record states).
type RecordStatus string

const (
	RecordStatusSuccess  RecordStatus = "SUCCESS"
	RecordStatusFailed   RecordStatus = "FAILED"
	RecordStatusMaxIter  RecordStatus = "MAX_ITER"
	RecordStatusSkipped  RecordStatus = "SKIPPED"
)

// ExecutionStatus is the overall status of one diagram run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusAborted   ExecutionStatus = "ABORTED"
)

// NodeState is the mutable, one-per-node-per-execution UI state
// (spec.md §3 "Node State").
type NodeState struct {
	Status NodeStatus
	Error  string
}

// TokenUsage accumulates LLM token counts; present on both a single
// NodeExecutionRecord and, aggregated, on ExecutionState.LLMUsage.
type TokenUsage struct {
	Input  int
	Output int
	Cached int
}

// Add returns the element-wise sum of two TokenUsage values.
func (t TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: t.Input + o.Input, Output: t.Output + o.Output, Cached: t.Cached + o.Cached}
}

// Total returns Input + Output (Cached is informational, not additive to
// billed total, matching the Python original's llm_usage.total semantics).
func (t TokenUsage) Total() int { return t.Input + t.Output }

// NodeExecutionRecord is one append-only entry in a node's execution
// history (spec.md §3 "Node Execution Record"). Records are never mutated
// after EndedAt is set (invariant I3).
type NodeExecutionRecord struct {
	ExecutionNumber int // 1-based
	StartedAt       time.Time
	EndedAt         time.Time // zero until finalized
	Status          RecordStatus
	Output          *Envelope
	Error           string
	TokenUsage      *TokenUsage
	Duration        time.Duration
}

// Finalized reports whether EndedAt has been stamped.
func (r *NodeExecutionRecord) Finalized() bool { return !r.EndedAt.IsZero() }

// ExecutionState is the durable, one-per-run aggregate persisted by the
// State Store and mirrored by the Unified State Tracker (spec.md §3
// "Execution State").
type ExecutionState struct {
	ID          string
	Status      ExecutionStatus
	DiagramID   string
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string

	// Epoch is the current wave counter (spec.md §4.7/§4.8): the initial
	// Run works in epoch 0, and each later Resume bumps it by one before
	// starting a fresh wave over this execution. Per-(node, epoch) iteration
	// caps (I2/I4) are scoped to a single epoch, so a resumed execution
	// gets a clean iteration budget rather than inheriting the crashed
	// wave's counts.
	Epoch int

	NodeStates    map[string]NodeState
	NodeOutputs   map[string]map[string]any // node id -> SerializeProtocol(output)
	ExecCounts    map[string]int
	ExecutedNodes []string

	LLMUsage TokenUsage

	Variables map[string]any
	Metrics   map[string]any

	IsActive bool
}

// NewExecutionState initializes an empty, PENDING execution state.
func NewExecutionState(id, diagramID string, variables map[string]any) *ExecutionState {
	if variables == nil {
		variables = map[string]any{}
	}
	return &ExecutionState{
		ID:            id,
		Status:        ExecutionStatusPending,
		DiagramID:     diagramID,
		NodeStates:    map[string]NodeState{},
		NodeOutputs:   map[string]map[string]any{},
		ExecCounts:    map[string]int{},
		ExecutedNodes: []string{},
		Variables:     variables,
		IsActive:      true,
	}
}

// ExecutionRequest is the ephemeral, per-invocation handle passed to a
// handler's lifecycle methods (spec.md §3 "Execution Request"). It exposes
// typed accessors to the tracker/services/bus rather than direct references
// to sibling nodes or the engine itself (Design Notes §9).
type ExecutionRequest struct {
	NodeID      string
	NodeType    string
	ExecutionID string

	tracker  *Tracker
	services *ServiceRegistry
	bus      *TokenBus

	// HandlerState is a scratch map scoped to exactly one invocation; handlers
	// may stash intermediate values here between prepare_inputs and run.
	HandlerState map[string]any

	// Inputs holds the concrete inputs resolved for this invocation —
	// either inbound tokens or resolved diagram inputs (see §4.6).
	Inputs map[string]Envelope
}

// NewExecutionRequest builds a request scoped to one handler invocation.
func NewExecutionRequest(nodeID, nodeType, executionID string, tracker *Tracker, services *ServiceRegistry, bus *TokenBus) *ExecutionRequest {
	return &ExecutionRequest{
		NodeID:       nodeID,
		NodeType:     nodeType,
		ExecutionID:  executionID,
		tracker:      tracker,
		services:     services,
		bus:          bus,
		HandlerState: map[string]any{},
		Inputs:       map[string]Envelope{},
	}
}

// Tracker returns the unified state tracker for this execution.
func (r *ExecutionRequest) Tracker() *Tracker { return r.tracker }

// Bus returns the token bus for this execution.
func (r *ExecutionRequest) Bus() *TokenBus { return r.bus }

// GetRequiredService resolves a REQUIRED service dependency, returning a
// ServiceError naming both the handler's node type and the key on a miss.
func (r *ExecutionRequest) GetRequiredService(key ServiceKey) (any, error) {
	p, err := r.services.GetRequired(key)
	if err != nil {
		return nil, &ServiceError{Handler: r.NodeType, Key: string(key)}
	}
	return p, nil
}

// GetOptionalService resolves an OPTIONAL service dependency.
func (r *ExecutionRequest) GetOptionalService(key ServiceKey, def any) any {
	return r.services.GetOptional(key, def)
}
