package engine

import (
	"errors"
	"testing"
)

func TestTokenUsage_Add(t *testing.T) {
	a := TokenUsage{Input: 10, Output: 5, Cached: 2}
	b := TokenUsage{Input: 3, Output: 1, Cached: 1}
	sum := a.Add(b)
	if sum.Input != 13 || sum.Output != 6 || sum.Cached != 3 {
		t.Errorf("expected element-wise sum, got %+v", sum)
	}
}

func TestTokenUsage_Total_ExcludesCached(t *testing.T) {
	u := TokenUsage{Input: 10, Output: 5, Cached: 100}
	if u.Total() != 15 {
		t.Errorf("expected total to exclude cached tokens, got %d", u.Total())
	}
}

func TestNodeExecutionRecord_Finalized(t *testing.T) {
	r := &NodeExecutionRecord{}
	if r.Finalized() {
		t.Error("expected a fresh record to not be finalized")
	}
}

func TestNewExecutionState_DefaultsVariablesWhenNil(t *testing.T) {
	s := NewExecutionState("exec-1", "diagram-1", nil)
	if s.Variables == nil {
		t.Fatal("expected NewExecutionState to default a nil variables map")
	}
	if s.Status != ExecutionStatusPending || !s.IsActive {
		t.Errorf("expected a fresh state to be PENDING and active, got %+v", s)
	}
}

func TestExecutionRequest_GetRequiredService_MissingReturnsServiceError(t *testing.T) {
	req := NewExecutionRequest("n1", "fake", "exec-1", NewTracker(0), NewServiceRegistry(), NewTokenBus(NewDiagram("d")))
	_, err := req.GetRequiredService(ApiInvokerKey)

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected a ServiceError, got %v", err)
	}
	if svcErr.Handler != "fake" || svcErr.Key != string(ApiInvokerKey) {
		t.Errorf("expected ServiceError to name the handler and key, got %+v", svcErr)
	}
}

func TestExecutionRequest_GetOptionalService_FallsBackToDefault(t *testing.T) {
	req := NewExecutionRequest("n1", "fake", "exec-1", NewTracker(0), NewServiceRegistry(), NewTokenBus(NewDiagram("d")))
	got := req.GetOptionalService(IrCacheKey, "default")
	if got != "default" {
		t.Errorf("expected fallback default, got %v", got)
	}
}

func TestExecutionRequest_TrackerAndBusAccessors(t *testing.T) {
	tracker := NewTracker(0)
	bus := NewTokenBus(NewDiagram("d"))
	req := NewExecutionRequest("n1", "fake", "exec-1", tracker, NewServiceRegistry(), bus)

	if req.Tracker() != tracker {
		t.Error("expected Tracker() to return the injected tracker")
	}
	if req.Bus() != bus {
		t.Error("expected Bus() to return the injected bus")
	}
}
