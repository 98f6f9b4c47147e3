package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/snarg/lt-engine/internal/engine"
)

type EventsHandler struct {
	eng *engine.Engine
}

func NewEventsHandler(eng *engine.Engine) *EventsHandler {
	return &EventsHandler{eng: eng}
}

// StreamSnapshots opens an SSE connection and pushes one event per published
// snapshot. Subscribing always delivers the current state first, so a client
// reconnecting after a drop starts from a complete transcript rather than
// replaying history.
func (h *EventsHandler) StreamSnapshots(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// SSE connections outlive the server's write timeout.
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The engine loop must never block on a slow client: snapshots queue in
	// a small buffer and a stalled stream skips to the newest state.
	snaps := make(chan engine.Snapshot, 8)
	unsubscribe := h.eng.Subscribe(func(s engine.Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	})
	defer unsubscribe()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case snap := <-snaps:
			data, err := json.Marshal(snap)
			if err != nil {
				log.Error().Err(err).Msg("snapshot marshal failed")
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
