package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	if r.websocket != nil {
		mux.Handle("/ws", r.websocket)
	}
	if r.upload != nil {
		mux.Handle("/upload_audio", r.upload)
	}
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.bridge != nil && !r.bridge.Healthy() {
		return false
	}
	if r.summaries != nil && !r.summaries.Healthy() {
		return false
	}
	if r.presence != nil && !r.presence.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusOK, []presence.Node{})
		return
	}
	writeJSON(w, http.StatusOK, r.presence.Nodes())
}

type timelineEntry struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type timelineResponse struct {
	SessionID string          `json:"session_id"`
	Events    []timelineEntry `json:"events"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	if r.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "event store unavailable"})
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("timeline query failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "timeline query failed"})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "unknown session"})
		return
	}
	resp := timelineResponse{SessionID: id, Events: make([]timelineEntry, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, timelineEntry{
			ID:        e.ID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
