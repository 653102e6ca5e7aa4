package store

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/dipeo-engine/engine"
)

func TestMemStore_CreateAndGetState(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.CreateExecution(ctx, "exec-1", "diagram-1", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Status != engine.ExecutionStatusPending {
		t.Errorf("expected fresh execution to be PENDING, got %v", created.Status)
	}

	got, err := s.GetState(ctx, "exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "exec-1" || got.Variables["k"] != "v" {
		t.Errorf("expected round-tripped state, got %+v", got)
	}
}

func TestMemStore_GetState_UnknownID_ReturnsErrNotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.GetState(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_GetState_ReturnsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-1", "diagram-1", map[string]any{"k": "v"})

	got, _ := s.GetState(ctx, "exec-1")
	got.Variables["k"] = "mutated"

	again, _ := s.GetState(ctx, "exec-1")
	if again.Variables["k"] != "v" {
		t.Error("expected GetState to return an isolated copy, mutation leaked into store")
	}
}

func TestMemStore_UpdateStatus_SetsEndedAtOnTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-1", "diagram-1", nil)

	if err := s.UpdateStatus(ctx, "exec-1", engine.ExecutionStatusCompleted, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.GetState(ctx, "exec-1")
	if got.Status != engine.ExecutionStatusCompleted {
		t.Errorf("expected COMPLETED, got %v", got.Status)
	}
	if got.IsActive {
		t.Error("expected IsActive false once terminal")
	}
	if got.EndedAt.IsZero() {
		t.Error("expected EndedAt to be set on terminal status")
	}
}

func TestMemStore_UpdateNodeStatus_AppendsExecutedNodesOnceOnFirstRunning(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-1", "diagram-1", nil)

	_ = s.UpdateNodeStatus(ctx, "exec-1", "a", engine.NodeStatusRunning, "")
	_ = s.UpdateNodeStatus(ctx, "exec-1", "a", engine.NodeStatusCompleted, "")
	_ = s.UpdateNodeStatus(ctx, "exec-1", "a", engine.NodeStatusRunning, "")

	got, _ := s.GetState(ctx, "exec-1")
	if len(got.ExecutedNodes) != 1 || got.ExecutedNodes[0] != "a" {
		t.Errorf("expected executed_nodes to list 'a' exactly once, got %v", got.ExecutedNodes)
	}
	if got.ExecCounts["a"] != 2 {
		t.Errorf("expected exec count 2 across two RUNNING transitions, got %d", got.ExecCounts["a"])
	}
}

func TestMemStore_NodeOutputRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-1", "diagram-1", nil)

	out := engine.Envelope{ID: "env-1", Body: "hello"}
	if err := s.UpdateNodeOutput(ctx, "exec-1", "a", out, false, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := s.GetNodeOutput(ctx, "exec-1", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got.ID != "env-1" {
		t.Fatalf("expected to retrieve env-1, got %+v ok=%v", got, ok)
	}
}

func TestMemStore_AddLLMUsage_Accumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-1", "diagram-1", nil)

	_ = s.AddLLMUsage(ctx, "exec-1", engine.TokenUsage{Input: 10, Output: 5})
	_ = s.AddLLMUsage(ctx, "exec-1", engine.TokenUsage{Input: 3, Output: 2})

	got, _ := s.GetState(ctx, "exec-1")
	if got.LLMUsage.Input != 13 || got.LLMUsage.Output != 7 {
		t.Errorf("expected accumulated usage 13/7, got %+v", got.LLMUsage)
	}
}

func TestMemStore_ListExecutions_FiltersAndOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-1", "diagram-a", nil)
	_, _ = s.CreateExecution(ctx, "exec-2", "diagram-a", nil)
	_, _ = s.CreateExecution(ctx, "exec-3", "diagram-b", nil)

	got, err := s.ListExecutions(ctx, "diagram-a", "", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 executions for diagram-a, got %d", len(got))
	}
}

func TestMemStore_CheckIdempotency_SecondCallWithSameKeyReturnsFalse(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	first, err := s.CheckIdempotency(ctx, "exec-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Error("expected the first sighting of a key to return true")
	}

	second, err := s.CheckIdempotency(ctx, "exec-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Error("expected a duplicate key to return false")
	}
}

func TestMemStore_CleanupOldStates_DeletesOnlyStaleExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.CreateExecution(ctx, "exec-fresh", "diagram-1", nil)

	deleted, err := s.CleanupOldStates(ctx, 365*100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected a freshly created execution to survive a 100-year cutoff, deleted %d", deleted)
	}

	deleted, err = s.CleanupOldStates(ctx, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected a negative-day cutoff to delete the fresh execution, deleted %d", deleted)
	}
	if _, err := s.GetState(ctx, "exec-fresh"); !errors.Is(err, ErrNotFound) {
		t.Error("expected the cleaned-up execution to be gone")
	}
}
