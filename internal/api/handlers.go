package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"brokergate/internal/broker"
	"brokergate/internal/stream"
)

// GovernorSource provides the request governor's snapshot.
type GovernorSource interface {
	Status() broker.Status
}

// StreamSource provides the streaming session's snapshot.
type StreamSource interface {
	Status() stream.SessionStatus
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	governor GovernorSource
	stream   StreamSource
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(governor GovernorSource, stream StreamSource, logger *slog.Logger) *Handlers {
	return &Handlers{
		governor: governor,
		stream:   stream,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple liveness response. Always 200: the probe
// answers "is the process up", not "is the broker reachable".
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusPayload is the combined operator snapshot.
type statusPayload struct {
	Governor broker.Status        `json:"governor"`
	Stream   stream.SessionStatus `json:"stream"`
}

// HandleStatus returns the governor and stream snapshots.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{}
	if h.governor != nil {
		payload.Governor = h.governor.Status()
	}
	if h.stream != nil {
		payload.Stream = h.stream.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
