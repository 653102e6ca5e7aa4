package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_StructuredOutput(t *testing.T) {
	t.Run("emits event with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			ExecutionID: "test-exec-001",
			Type:        NodeStarted,
			NodeID:      "testNode",
			Status:      "RUNNING",
			Meta:        map[string]any{"key": "value"},
		})

		output := buf.String()
		if output == "" {
			t.Fatal("expected output, got empty string")
		}
		if !strings.Contains(output, "test-exec-001") {
			t.Errorf("expected output to contain ExecutionID, got: %s", output)
		}
		if !strings.Contains(output, "testNode") {
			t.Errorf("expected output to contain NodeID, got: %s", output)
		}
		if !strings.Contains(output, string(NodeStarted)) {
			t.Errorf("expected output to contain Type, got: %s", output)
		}
	})

	t.Run("emits multiple events", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{ExecutionID: "exec-001", NodeID: "node1", Type: NodeStarted})
		emitter.Emit(Event{ExecutionID: "exec-001", NodeID: "node1", Type: NodeCompleted})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) < 2 {
			t.Errorf("expected at least 2 lines of output, got %d", len(lines))
		}
	})
}

func TestLogEmitter_JSONFormatting(t *testing.T) {
	t.Run("emits valid JSON when JSON mode enabled", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, true)

		emitter.Emit(Event{
			ExecutionID: "json-exec-001",
			Type:        NodeCompleted,
			NodeID:      "jsonNode",
			Meta:        map[string]any{"counter": 42, "status": "success"},
		})

		output := buf.String()
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(output), &parsed); err != nil {
			t.Fatalf("expected valid JSON, got error: %v\nOutput: %s", err, output)
		}

		if parsed["execution_id"] != "json-exec-001" {
			t.Errorf("expected execution_id 'json-exec-001', got %v", parsed["execution_id"])
		}
		if parsed["node_id"] != "jsonNode" {
			t.Errorf("expected node_id 'jsonNode', got %v", parsed["node_id"])
		}
		if parsed["type"] != string(NodeCompleted) {
			t.Errorf("expected type %q, got %v", NodeCompleted, parsed["type"])
		}

		meta, ok := parsed["meta"].(map[string]interface{})
		if !ok {
			t.Fatal("expected meta to be a map")
		}
		if meta["counter"] != float64(42) {
			t.Errorf("expected counter 42, got %v", meta["counter"])
		}
	})

	t.Run("emits multiple JSON events on separate lines", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, true)

		emitter.Emit(Event{ExecutionID: "exec-001", NodeID: "node1", Type: NodeStarted})
		emitter.Emit(Event{ExecutionID: "exec-001", NodeID: "node1", Type: NodeCompleted})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 lines of JSON, got %d", len(lines))
		}
		for i, line := range lines {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				t.Errorf("line %d: expected valid JSON, got error: %v\nLine: %s", i, err, line)
			}
		}
	})
}

func TestLogEmitter_InterfaceContract(t *testing.T) {
	var buf bytes.Buffer
	var _ Emitter = NewLogEmitter(&buf, false)
}
