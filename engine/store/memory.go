package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/dipeo-engine/engine"
)

// MemStore is an in-memory Store, for tests and short-lived workflows
// where persistence isn't required. Thread-safe; data is lost on process
// exit.
type MemStore struct {
	mu             sync.RWMutex
	states         map[string]*engine.ExecutionState
	idempotencyMap map[string]map[string]bool // execution id -> key -> seen
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		states:         map[string]*engine.ExecutionState{},
		idempotencyMap: map[string]map[string]bool{},
	}
}

func cloneState(state *engine.ExecutionState) *engine.ExecutionState {
	cp := *state
	cp.NodeStates = make(map[string]engine.NodeState, len(state.NodeStates))
	for k, v := range state.NodeStates {
		cp.NodeStates[k] = v
	}
	cp.NodeOutputs = make(map[string]map[string]any, len(state.NodeOutputs))
	for k, v := range state.NodeOutputs {
		cp.NodeOutputs[k] = v
	}
	cp.ExecCounts = make(map[string]int, len(state.ExecCounts))
	for k, v := range state.ExecCounts {
		cp.ExecCounts[k] = v
	}
	cp.ExecutedNodes = append([]string{}, state.ExecutedNodes...)
	cp.Variables = make(map[string]any, len(state.Variables))
	for k, v := range state.Variables {
		cp.Variables[k] = v
	}
	cp.Metrics = make(map[string]any, len(state.Metrics))
	for k, v := range state.Metrics {
		cp.Metrics[k] = v
	}
	return &cp
}

// CreateExecution inserts a fresh PENDING execution.
func (m *MemStore) CreateExecution(_ context.Context, id, diagramID string, variables map[string]any) (*engine.ExecutionState, error) {
	state := engine.NewExecutionState(id, diagramID, variables)
	state.StartedAt = nowUTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = cloneState(state)
	return state, nil
}

// SaveState upserts the full execution state.
func (m *MemStore) SaveState(_ context.Context, state *engine.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = cloneState(state)
	return nil
}

// GetState returns a copy of a stored execution state.
func (m *MemStore) GetState(_ context.Context, id string) (*engine.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(state), nil
}

// UpdateStatus transitions an execution's overall status.
func (m *MemStore) UpdateStatus(_ context.Context, id string, status engine.ExecutionStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrNotFound
	}
	state.Status = status
	state.Error = errMsg
	if status == engine.ExecutionStatusCompleted || status == engine.ExecutionStatusFailed || status == engine.ExecutionStatusAborted {
		state.EndedAt = nowUTC()
		state.IsActive = false
	}
	return nil
}

// UpdateNodeOutput records a node's output envelope.
func (m *MemStore) UpdateNodeOutput(_ context.Context, id, nodeID string, output engine.Envelope, isException bool, usage *engine.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrNotFound
	}
	state.NodeOutputs[nodeID] = engine.SerializeProtocol(output)
	if isException {
		ns := state.NodeStates[nodeID]
		ns.Error = output.Error()
		state.NodeStates[nodeID] = ns
	}
	if usage != nil {
		state.LLMUsage = state.LLMUsage.Add(*usage)
	}
	return nil
}

// UpdateNodeStatus mirrors the tracker's RUNNING-append-once rule.
func (m *MemStore) UpdateNodeStatus(_ context.Context, id, nodeID string, status engine.NodeStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrNotFound
	}
	state.NodeStates[nodeID] = engine.NodeState{Status: status, Error: errMsg}
	if status == engine.NodeStatusRunning {
		first := state.ExecCounts[nodeID] == 0
		state.ExecCounts[nodeID]++
		if first {
			state.ExecutedNodes = append(state.ExecutedNodes, nodeID)
		}
	}
	return nil
}

// GetNodeOutput returns a node's last recorded output.
func (m *MemStore) GetNodeOutput(_ context.Context, id, nodeID string) (engine.Envelope, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[id]
	if !ok {
		return engine.Envelope{}, false, ErrNotFound
	}
	raw, ok := state.NodeOutputs[nodeID]
	if !ok {
		return engine.Envelope{}, false, nil
	}
	env, err := engine.DeserializeProtocol(raw)
	if err != nil {
		return engine.Envelope{}, false, err
	}
	return env, true, nil
}

// UpdateVariables merges kv into the execution's variables.
func (m *MemStore) UpdateVariables(_ context.Context, id string, kv map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range kv {
		state.Variables[k] = v
	}
	return nil
}

// UpdateMetrics merges kv into the execution's metrics.
func (m *MemStore) UpdateMetrics(_ context.Context, id string, kv map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrNotFound
	}
	if state.Metrics == nil {
		state.Metrics = map[string]any{}
	}
	for k, v := range kv {
		state.Metrics[k] = v
	}
	return nil
}

// AddLLMUsage accumulates usage into the execution's aggregate.
func (m *MemStore) AddLLMUsage(_ context.Context, id string, usage engine.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrNotFound
	}
	state.LLMUsage = state.LLMUsage.Add(usage)
	return nil
}

// ListExecutions returns executions matching the optional filters,
// descending by StartedAt.
func (m *MemStore) ListExecutions(_ context.Context, diagramID string, status engine.ExecutionStatus, limit, offset int) ([]*engine.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*engine.ExecutionState, 0, len(m.states))
	for _, state := range m.states {
		if diagramID != "" && state.DiagramID != diagramID {
			continue
		}
		if status != "" && state.Status != status {
			continue
		}
		matches = append(matches, cloneState(state))
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})

	if offset >= len(matches) {
		return []*engine.ExecutionState{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end], nil
}

// CleanupOldStates deletes executions started more than days ago.
func (m *MemStore) CleanupOldStates(_ context.Context, days int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := nowUTC().AddDate(0, 0, -days)
	deleted := 0
	for id, state := range m.states {
		if state.StartedAt.Before(cutoff) {
			delete(m.states, id)
			delete(m.idempotencyMap, id)
			deleted++
		}
	}
	return deleted, nil
}

// CheckIdempotency records key for id if unseen.
func (m *MemStore) CheckIdempotency(_ context.Context, id, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.idempotencyMap[id]
	if !ok {
		seen = map[string]bool{}
		m.idempotencyMap[id] = seen
	}
	if seen[key] {
		return false, nil
	}
	seen[key] = true
	return true, nil
}

// Close is a no-op: MemStore holds no external resources.
func (m *MemStore) Close() error { return nil }
