package emit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// WebhookServer is the inbound HTTP surface named in spec.md §4.11's
// WEBHOOK_RECEIVED event: a POST turns into an event on the wrapped
// Emitter, and a companion GET exposes execution history for
// introspection. It is an event source, not a fan-out transport.
type WebhookServer struct {
	emitter Emitter
	history *BufferedEmitter // optional: enables GET /executions/{id}
	mux     *chi.Mux
}

// NewWebhookServer wires routes onto a fresh chi.Mux. history may be nil if
// the caller's emitter doesn't support replay (execution-status routes then
// 501).
func NewWebhookServer(emitter Emitter, history *BufferedEmitter) *WebhookServer {
	s := &WebhookServer{emitter: emitter, history: history, mux: chi.NewRouter()}
	s.mux.Post("/webhooks/{executionID}/{nodeID}", s.handleWebhook)
	s.mux.Get("/executions/{executionID}", s.handleExecutionStatus)
	return s
}

// ServeHTTP makes WebhookServer an http.Handler.
func (s *WebhookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	nodeID := chi.URLParam(r, "nodeID")

	var payload map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && r.ContentLength != 0 {
			log.Warn().Err(err).Str("execution_id", executionID).Msg("emit: webhook body not valid JSON")
		}
	}

	log.Info().Str("execution_id", executionID).Str("node_id", nodeID).Msg("emit: webhook received")

	s.emitter.Emit(Event{
		ExecutionID: executionID,
		Type:        WebhookReceived,
		NodeID:      nodeID,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		Meta:        map[string]any{"payload": payload},
	})

	w.WriteHeader(http.StatusAccepted)
}

func (s *WebhookServer) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "execution history not available", http.StatusNotImplemented)
		return
	}

	executionID := chi.URLParam(r, "executionID")
	history := s.history.GetHistory(executionID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"execution_id": executionID,
		"events":       history,
	})
}
