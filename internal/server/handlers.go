package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimgewebe/plexer/internal/event"
)

type handlers struct {
	deps Deps
}

// deliveryReport is the /status payload: the delivery counters wrapped in
// the report envelope.
type deliveryReport struct {
	Type    string        `json:"type"`
	Source  string        `json:"source"`
	Payload reportPayload `json:"payload"`
}

type reportPayload struct {
	Counts       reportCounts `json:"counts"`
	LastError    any          `json:"last_error"`
	LastRetryAt  any          `json:"last_retry_at"`
	RetryableNow int          `json:"retryable_now"`
	NextDueAt    any          `json:"next_due_at"`
}

type reportCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

func (h *handlers) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":     "Welcome to plexer",
		"environment": h.deps.Env,
	})
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := h.deps.Queue.State().Snapshot()

	payload := reportPayload{
		Counts: reportCounts{
			Pending: h.deps.Dispatcher.InFlight().Count(),
			Failed:  snap.Failed,
		},
		RetryableNow: snap.RetryableNow,
	}
	if snap.LastError != "" {
		payload.LastError = snap.LastError
	}
	if snap.LastRetryAt != nil {
		payload.LastRetryAt = snap.LastRetryAt.Format(time.RFC3339)
	}
	if snap.NextDueAt != nil {
		payload.NextDueAt = snap.NextDueAt.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, deliveryReport{
		Type:    "plexer.delivery.report.v1",
		Source:  "plexer",
		Payload: payload,
	})
}

func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxBodyBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.reject(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "oversize")
			return
		}
		h.reject(w, http.StatusBadRequest, "Invalid JSON", "invalid_body")
		return
	}

	ev, err := event.Parse(body)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			h.reject(w, http.StatusBadRequest, verr.Error(), "validation")
			return
		}
		h.reject(w, http.StatusBadRequest, "Invalid JSON", "invalid_json")
		return
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.EventsReceivedTotal.Inc()
	}

	// Fanout is detached: the 202 does not await any consumer.
	eventID := h.deps.Dispatcher.Dispatch(ev)
	slog.Info("event accepted",
		"event_id", eventID,
		"type", ev.Type,
		"source", ev.Source,
	)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handlers) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status":  "error",
		"message": "Not Found",
		"path":    r.URL.Path,
		"method":  r.Method,
	})
}

func (h *handlers) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Collector == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Collector.Active())
}

func (h *handlers) handleDebugQueue(w http.ResponseWriter, _ *http.Request) {
	snap := h.deps.Queue.State().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"failed":        snap.Failed,
		"retryable_now": snap.RetryableNow,
		"next_due_at":   snap.NextDueAt,
		"last_error":    snap.LastError,
		"data_dir":      h.deps.Queue.Dir(),
	})
}

func (h *handlers) reject(w http.ResponseWriter, status int, message, reason string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.EventsRejectedTotal.WithLabelValues(reason).Inc()
	}
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
