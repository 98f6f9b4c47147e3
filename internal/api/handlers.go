package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/lt-engine/internal/engine"
)

// EngineHandler serves the transcript, session, and diagnostics endpoints.
type EngineHandler struct {
	eng *engine.Engine
}

func NewEngineHandler(eng *engine.Engine) *EngineHandler {
	return &EngineHandler{eng: eng}
}

// GetTranscript returns the full observable state.
func (h *EngineHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.eng.Snapshot())
}

// ClearTranscript wipes the transcript, subject to the persistent-display
// policy. 409 signals the policy refused the clear.
func (h *EngineHandler) ClearTranscript(w http.ResponseWriter, r *http.Request) {
	if !h.eng.Clear() {
		WriteError(w, http.StatusConflict, "persistent display is enabled; transcript not cleared")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// IngestSegment accepts one recognition event over HTTP, for recognizers that
// push rather than stream.
func (h *EngineHandler) IngestSegment(w http.ResponseWriter, r *http.Request) {
	var ev engine.RecognitionEvent
	if err := DecodeJSON(r, &ev); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid recognition event", err.Error())
		return
	}
	id := h.eng.Ingest(ev)
	WriteJSON(w, http.StatusAccepted, map[string]string{"segment_id": id})
}

// FinalizeSegment resolves an open partial by id. The optional body may carry
// a corrected final text.
func (h *EngineHandler) FinalizeSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Text string `json:"text"`
	}
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &body); err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid finalize body", err.Error())
			return
		}
	}

	if !h.eng.FinalizeSegment(id, body.Text) {
		WriteError(w, http.StatusNotFound, "no open partial with that id")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"segment_id": id})
}

// StartSession resets state and dials the upstream when one is configured.
// A failed initial dial still starts the session; reconnection continues in
// the background, so the response reports the dial error without failing.
func (h *EngineHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"started": true}
	if err := h.eng.StartSession(r.Context()); err != nil {
		resp["dial_error"] = err.Error()
	}
	resp["connection"] = h.eng.ConnectionMetrics()
	WriteJSON(w, http.StatusOK, resp)
}

// EndSession finalizes open partials, disconnects, and returns the summary.
func (h *EngineHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.eng.EndSession())
}

// GetConnection returns the upstream connection health counters.
func (h *EngineHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.eng.ConnectionMetrics())
}

// GetContinuity runs an explicit continuity validation.
func (h *EngineHandler) GetContinuity(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.eng.ValidateContinuity())
}

// GetMemory reports the transcript's in-memory footprint.
func (h *EngineHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.eng.MemoryUsage())
}
