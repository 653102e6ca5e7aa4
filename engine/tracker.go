package engine

import (
	"sync"
	"time"
)

type epochKey struct {
	nodeID string
	epoch  int
}

// Tracker is the Unified State Tracker (spec.md §4.4): the single source of
// truth for per-node UI state, append-only execution history, per-node exec
// counts, the first-RUNNING-only executed_nodes list, per-(node, epoch)
// iteration counts, and arbitrary node metadata. One lock guards the whole
// aggregate; every query returns a copy so callers can never mutate tracker
// state through a returned collection (spec.md §4.4, §5).
type Tracker struct {
	mu sync.Mutex

	nodeStates       map[string]NodeState
	executionRecords map[string][]*NodeExecutionRecord
	execCounts       map[string]int
	lastOutputs      map[string]Envelope
	executedNodes    []string
	executedSet      map[string]bool

	iterationsPerEpoch map[epochKey]int
	defaultMaxIteration int

	nodeMetadata map[string]map[string]any
}

// NewTracker returns an empty tracker. defaultMaxIteration is the fallback
// per-(node, epoch) cap used when a node doesn't declare its own
// max_iteration (spec.md §4.4 can_execute_in_loop; default 100).
func NewTracker(defaultMaxIteration int) *Tracker {
	if defaultMaxIteration <= 0 {
		defaultMaxIteration = 100
	}
	return &Tracker{
		nodeStates:          map[string]NodeState{},
		executionRecords:    map[string][]*NodeExecutionRecord{},
		execCounts:          map[string]int{},
		lastOutputs:         map[string]Envelope{},
		executedNodes:       []string{},
		executedSet:         map[string]bool{},
		iterationsPerEpoch:  map[epochKey]int{},
		defaultMaxIteration: defaultMaxIteration,
		nodeMetadata:        map[string]map[string]any{},
	}
}

// InitializeNode sets a node to PENDING if it has no state yet (idempotent).
func (t *Tracker) InitializeNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodeStates[nodeID]; !ok {
		t.nodeStates[nodeID] = NodeState{Status: NodeStatusPending}
	}
}

// TransitionToRunning flips nodeID to RUNNING, increments its exec count,
// appends a new open execution record, appends nodeID to executed_nodes
// the first time it ever runs, and increments iterations_per_epoch[(nodeID,
// epoch)]. Returns the new (1-based) execution count.
func (t *Tracker) TransitionToRunning(nodeID string, epoch int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates[nodeID] = NodeState{Status: NodeStatusRunning}

	count := t.execCounts[nodeID] + 1
	t.execCounts[nodeID] = count

	t.executionRecords[nodeID] = append(t.executionRecords[nodeID], &NodeExecutionRecord{
		ExecutionNumber: count,
		StartedAt:       time.Now(),
	})

	if !t.executedSet[nodeID] {
		t.executedSet[nodeID] = true
		t.executedNodes = append(t.executedNodes, nodeID)
	}

	key := epochKey{nodeID, epoch}
	t.iterationsPerEpoch[key]++

	return count
}

func (t *Tracker) completeRecord(nodeID string, status RecordStatus, output *Envelope, errMsg string, usage *TokenUsage) error {
	records := t.executionRecords[nodeID]
	if len(records) == 0 {
		return ErrRecordNotStarted
	}
	current := records[len(records)-1]
	if current.Finalized() {
		return ErrRecordAlreadyFinalized
	}

	current.EndedAt = time.Now()
	current.Status = status
	current.Output = output
	current.Error = errMsg
	current.TokenUsage = usage
	current.Duration = current.EndedAt.Sub(current.StartedAt)

	if output != nil {
		t.lastOutputs[nodeID] = *output
	}
	return nil
}

// TransitionToCompleted flips nodeID to COMPLETED and finalizes its current
// record as SUCCESS.
func (t *Tracker) TransitionToCompleted(nodeID string, output *Envelope, usage *TokenUsage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates[nodeID] = NodeState{Status: NodeStatusCompleted}
	return t.completeRecord(nodeID, RecordStatusSuccess, output, "", usage)
}

// TransitionToFailed flips nodeID to FAILED and finalizes its current
// record as FAILED with the given error.
func (t *Tracker) TransitionToFailed(nodeID, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates[nodeID] = NodeState{Status: NodeStatusFailed, Error: errMsg}
	return t.completeRecord(nodeID, RecordStatusFailed, nil, errMsg, nil)
}

// TransitionToMaxIter flips nodeID to MAXITER_REACHED and finalizes its
// current record as MAX_ITER, optionally carrying its last output.
func (t *Tracker) TransitionToMaxIter(nodeID string, output *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates[nodeID] = NodeState{Status: NodeStatusMaxIterReached}
	return t.completeRecord(nodeID, RecordStatusMaxIter, output, "", nil)
}

// TransitionToSkipped flips nodeID to SKIPPED and finalizes its current
// record as SKIPPED.
func (t *Tracker) TransitionToSkipped(nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates[nodeID] = NodeState{Status: NodeStatusSkipped}
	return t.completeRecord(nodeID, RecordStatusSkipped, nil, "", nil)
}

// ResetNode flips nodeID back to PENDING without touching exec counts or
// history, preparing it for re-execution in a loop (spec.md B3).
func (t *Tracker) ResetNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates[nodeID] = NodeState{Status: NodeStatusPending}
}

// GetNodeState returns a copy of nodeID's current state and whether it has
// been initialized.
func (t *Tracker) GetNodeState(nodeID string) (NodeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.nodeStates[nodeID]
	return s, ok
}

func (t *Tracker) nodesWithStatus(status NodeStatus) []string {
	out := []string{}
	for id, s := range t.nodeStates {
		if s.Status == status {
			out = append(out, id)
		}
	}
	return out
}

// GetCompletedNodes returns node IDs currently COMPLETED.
func (t *Tracker) GetCompletedNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesWithStatus(NodeStatusCompleted)
}

// GetRunningNodes returns node IDs currently RUNNING.
func (t *Tracker) GetRunningNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesWithStatus(NodeStatusRunning)
}

// GetFailedNodes returns node IDs currently FAILED.
func (t *Tracker) GetFailedNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesWithStatus(NodeStatusFailed)
}

// HasRunningNodes reports whether any node is currently RUNNING.
func (t *Tracker) HasRunningNodes() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.nodeStates {
		if s.Status == NodeStatusRunning {
			return true
		}
	}
	return false
}

// GetExecutionCount returns the cumulative execution count for nodeID.
func (t *Tracker) GetExecutionCount(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execCounts[nodeID]
}

// HasExecuted reports whether nodeID has ever run.
func (t *Tracker) HasExecuted(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.executionRecords[nodeID]) > 0
}

// GetLastOutput returns a copy of nodeID's last output envelope, if any.
func (t *Tracker) GetLastOutput(nodeID string) (Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lastOutputs[nodeID]
	return e, ok
}

// NodeResult is the {value, metadata} view returned by GetNodeResult.
type NodeResult struct {
	Value    any
	Metadata map[string]any
}

// GetNodeResult returns nodeID's last output as a value+metadata pair.
func (t *Tracker) GetNodeResult(nodeID string) (NodeResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lastOutputs[nodeID]
	if !ok {
		return NodeResult{}, false
	}
	r := NodeResult{Value: e.Body}
	if len(e.Meta) > 0 {
		r.Metadata = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			r.Metadata[k] = v
		}
	}
	return r, true
}

// GetNodeExecutionHistory returns a copy of nodeID's execution records.
func (t *Tracker) GetNodeExecutionHistory(nodeID string) []NodeExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.executionRecords[nodeID]
	out := make([]NodeExecutionRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out
}

// ExecutionSummary aggregates totals across every tracked node
// (spec.md §4.4 get_execution_summary).
type ExecutionSummary struct {
	TotalExecutions      int
	SuccessfulExecutions int
	FailedExecutions     int
	SuccessRate          float64
	TotalDuration        time.Duration
	TotalTokens          TokenUsage
	NodesExecuted        int
	ExecutionOrder       []string
}

// GetExecutionSummary computes totals, success rate, total duration,
// aggregated token usage, and the ordered first-RUNNING execution list.
func (t *Tracker) GetExecutionSummary() ExecutionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total, success, failed int
	var duration time.Duration
	var tokens TokenUsage

	for _, records := range t.executionRecords {
		for _, r := range records {
			if !r.Finalized() {
				continue
			}
			total++
			duration += r.Duration
			if r.Status == RecordStatusSuccess {
				success++
			} else if r.Status == RecordStatusFailed {
				failed++
			}
			if r.TokenUsage != nil {
				tokens = tokens.Add(*r.TokenUsage)
			}
		}
	}

	var rate float64
	if total > 0 {
		rate = float64(success) / float64(total)
	}

	order := make([]string, len(t.executedNodes))
	copy(order, t.executedNodes)

	return ExecutionSummary{
		TotalExecutions:      total,
		SuccessfulExecutions: success,
		FailedExecutions:     failed,
		SuccessRate:          rate,
		TotalDuration:        duration,
		TotalTokens:          tokens,
		NodesExecuted:        len(t.execCounts),
		ExecutionOrder:       order,
	}
}

// GetExecutionOrder returns a copy of the first-RUNNING-only executed_nodes
// list (invariant I4: each node appears at most once, at the index of its
// first RUNNING transition).
func (t *Tracker) GetExecutionOrder() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.executedNodes))
	copy(out, t.executedNodes)
	return out
}

// CanExecuteInLoop reports whether nodeID may run again in epoch without
// exceeding maxIteration (or the tracker default when maxIteration <= 0).
func (t *Tracker) CanExecuteInLoop(nodeID string, epoch int, maxIteration int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := t.defaultMaxIteration
	if maxIteration > 0 {
		limit = maxIteration
	}
	return t.iterationsPerEpoch[epochKey{nodeID, epoch}] < limit
}

// GetIterationsInEpoch returns how many times nodeID has run within epoch.
func (t *Tracker) GetIterationsInEpoch(nodeID string, epoch int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterationsPerEpoch[epochKey{nodeID, epoch}]
}

// GetNodeMetadata returns a copy of nodeID's metadata map.
func (t *Tracker) GetNodeMetadata(nodeID string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.nodeMetadata[nodeID]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetNodeMetadata sets a single metadata key for nodeID.
func (t *Tracker) SetNodeMetadata(nodeID, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.nodeMetadata[nodeID]
	if !ok {
		m = map[string]any{}
		t.nodeMetadata[nodeID] = m
	}
	m[key] = value
}

// LoadStates restores persisted tracker state (used on resumption).
// states always replaces the node states; records, counts and outputs left
// nil are left untouched.
func (t *Tracker) LoadStates(states map[string]NodeState, records map[string][]*NodeExecutionRecord, counts map[string]int, outputs map[string]Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates = make(map[string]NodeState, len(states))
	for k, v := range states {
		t.nodeStates[k] = v
	}

	if records != nil {
		t.executionRecords = make(map[string][]*NodeExecutionRecord, len(records))
		for k, v := range records {
			cp := make([]*NodeExecutionRecord, len(v))
			copy(cp, v)
			t.executionRecords[k] = cp
		}
	}
	if counts != nil {
		t.execCounts = make(map[string]int, len(counts))
		for k, v := range counts {
			t.execCounts[k] = v
		}
	}
	if outputs != nil {
		t.lastOutputs = make(map[string]Envelope, len(outputs))
		for k, v := range outputs {
			t.lastOutputs[k] = v
		}
	}
}

// ClearHistory wipes all tracked state (used by tests).
func (t *Tracker) ClearHistory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates = map[string]NodeState{}
	t.executionRecords = map[string][]*NodeExecutionRecord{}
	t.execCounts = map[string]int{}
	t.lastOutputs = map[string]Envelope{}
	t.executedNodes = []string{}
	t.executedSet = map[string]bool{}
	t.iterationsPerEpoch = map[epochKey]int{}
	t.nodeMetadata = map[string]map[string]any{}
}
