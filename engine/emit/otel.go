package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by turning each event into an
// OpenTelemetry span: name is the event Type, attributes carry
// execution_id/node_id/status/envelope_id plus everything in Meta. Spans
// are points in time, so they are started and ended immediately rather
// than left open across a node's execution.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps an OpenTelemetry tracer, e.g. otel.Tracer("dipeo-engine").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, string(event.Type))
	defer span.End()
	o.annotate(span, event)
}

// EmitBatch creates one span per event, propagating ctx for cancellation.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, string(event.Type))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("dipeo.execution_id", event.ExecutionID),
		attribute.String("dipeo.node_id", event.NodeID),
		attribute.String("dipeo.status", event.Status),
		attribute.String("dipeo.envelope_id", event.EnvelopeID),
	)
	o.addMetadataAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// addMetadataAttributes converts event metadata to span attributes,
// mapping the LLM cost-tracking keys (tokens_in, tokens_out, cost_usd,
// latency_ms, model) to a stable attribute namespace.
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := key
		switch key {
		case "tokens_in":
			attrKey = "dipeo.llm.tokens_in"
		case "tokens_out":
			attrKey = "dipeo.llm.tokens_out"
		case "cost_usd":
			attrKey = "dipeo.llm.cost_usd"
		case "latency_ms":
			attrKey = "dipeo.node.latency_ms"
		case "model":
			attrKey = "dipeo.llm.model"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

// Flush force-flushes the active tracer provider, if it supports flushing.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
