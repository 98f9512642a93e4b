package server

import (
	"encoding/json"
	"net/http"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
)

// sseEvent is the wire shape of one server-sent event payload.
type sseEvent struct {
	Type     events.AgentEventType `json:"type"`
	AgentID  string                `json:"agent_id"`
	Message  *events.OutputEvent   `json:"message,omitempty"`
	Exit     *events.ExitInfo      `json:"exit,omitempty"`
	Progress string                `json:"progress,omitempty"`
}

// StreamEvents streams agent events as server-sent events. An optional
// agent_id query parameter filters to one invocation. The stream stays
// open until the client disconnects or the broker shuts down.
// GET /api/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	filter := r.URL.Query().Get("agent_id")
	sub := h.broker.Subscribe(r.Context())

	for ev := range sub {
		if filter != "" && ev.AgentID != filter {
			continue
		}
		payload, err := json.Marshal(sseEvent{
			Type:     ev.Type,
			AgentID:  ev.AgentID,
			Message:  ev.Message,
			Exit:     ev.Exit,
			Progress: ev.Progress,
		})
		if err != nil {
			log.ErrorErr(log.CatServer, "encoding SSE payload", err, "agentID", ev.AgentID)
			continue
		}
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
