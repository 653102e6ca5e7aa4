// Package emit provides event emission and observability for graph execution.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs.
//   - JSON mode: one JSON object per line (JSONL).
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. jsonMode selects JSON output;
// otherwise text. writer defaults to os.Stdout if nil.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		ExecutionID string         `json:"execution_id"`
		Type        Type           `json:"type"`
		NodeID      string         `json:"node_id,omitempty"`
		Status      string         `json:"status,omitempty"`
		EnvelopeID  string         `json:"envelope_id,omitempty"`
		Timestamp   float64        `json:"timestamp"`
		Meta        map[string]any `json:"meta,omitempty"`
	}{
		ExecutionID: event.ExecutionID,
		Type:        event.Type,
		NodeID:      event.NodeID,
		Status:      event.Status,
		EnvelopeID:  event.EnvelopeID,
		Timestamp:   event.Timestamp,
		Meta:        event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] execution_id=%s node_id=%s status=%s",
		event.Type, event.ExecutionID, event.NodeID, event.Status)

	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event in order by calling Emit once per event.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffering. Provided to satisfy Emitter for polymorphic use alongside
// emitters that do buffer (e.g. OTelEmitter).
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
