package engine

import (
	"math"
	"strings"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCostTracker_RecordLLMCall_UsesKnownPricing(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	if err := ct.RecordLLMCall("gpt-4o", 1_000_000, 1_000_000, "n1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := 2.50 + 10.00
	if !almostEqual(ct.GetTotalCost(), want) {
		t.Errorf("expected total cost %.2f, got %.2f", want, ct.GetTotalCost())
	}
}

func TestCostTracker_RecordLLMCall_UnknownModelIsZeroCost(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	if err := ct.RecordLLMCall("some-unlisted-model", 1000, 1000, "n1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct.GetTotalCost() != 0 {
		t.Errorf("expected zero cost for an unrecognized model, got %v", ct.GetTotalCost())
	}
	in, out := ct.GetTokenUsage()
	if in != 1000 || out != 1000 {
		t.Errorf("expected token usage to still be recorded, got in=%d out=%d", in, out)
	}
}

func TestCostTracker_GetCostByModel_AggregatesAcrossCalls(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	_ = ct.RecordLLMCall("gpt-4o-mini", 1_000_000, 0, "n1")
	_ = ct.RecordLLMCall("gpt-4o-mini", 1_000_000, 0, "n2")

	byModel := ct.GetCostByModel()
	if !almostEqual(byModel["gpt-4o-mini"], 0.30) {
		t.Errorf("expected gpt-4o-mini cost 0.30 across 2 calls, got %v", byModel["gpt-4o-mini"])
	}
}

func TestCostTracker_GetCostByModel_ReturnsACopy(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	_ = ct.RecordLLMCall("gpt-4o", 1000, 0, "n1")

	byModel := ct.GetCostByModel()
	byModel["gpt-4o"] = 999
	fresh := ct.GetCostByModel()
	if fresh["gpt-4o"] == 999 {
		t.Error("expected GetCostByModel to return an isolated copy")
	}
}

func TestCostTracker_SetCustomPricing_OverridesDefault(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	ct.SetCustomPricing("my-custom-model", 1.0, 2.0)

	_ = ct.RecordLLMCall("my-custom-model", 1_000_000, 1_000_000, "n1")
	if !almostEqual(ct.GetTotalCost(), 3.0) {
		t.Errorf("expected custom pricing to apply, got %v", ct.GetTotalCost())
	}
}

func TestCostTracker_Disable_SkipsRecording(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	ct.Disable()
	_ = ct.RecordLLMCall("gpt-4o", 1_000_000, 1_000_000, "n1")

	if ct.GetTotalCost() != 0 {
		t.Error("expected disabled tracker to record nothing")
	}
	if len(ct.GetCallHistory()) != 0 {
		t.Error("expected disabled tracker to have no call history")
	}

	ct.Enable()
	_ = ct.RecordLLMCall("gpt-4o", 1_000_000, 1_000_000, "n1")
	if ct.GetTotalCost() == 0 {
		t.Error("expected re-enabled tracker to resume recording")
	}
}

func TestCostTracker_Reset_ClearsTotalsButKeepsPricing(t *testing.T) {
	ct := NewCostTracker("exec-1", "USD")
	ct.SetCustomPricing("custom", 5, 5)
	_ = ct.RecordLLMCall("custom", 1_000_000, 0, "n1")

	ct.Reset()

	if ct.GetTotalCost() != 0 {
		t.Error("expected total cost to reset to 0")
	}
	if len(ct.GetCallHistory()) != 0 {
		t.Error("expected call history to reset")
	}
	if _, ok := ct.Pricing["custom"]; !ok {
		t.Error("expected custom pricing to survive Reset")
	}
}

func TestCostTracker_String_IncludesExecutionID(t *testing.T) {
	ct := NewCostTracker("exec-42", "USD")
	s := ct.String()
	if s == "" {
		t.Error("expected a non-empty summary string")
	}
	if !strings.Contains(s, "exec-42") {
		t.Errorf("expected summary to include the execution ID, got %q", s)
	}
}
