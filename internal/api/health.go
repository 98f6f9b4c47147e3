package api

import (
	"net/http"
	"time"

	"github.com/snarg/lt-engine/internal/conn"
	"github.com/snarg/lt-engine/internal/engine"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	eng       *engine.Engine
	version   string
	startTime time.Time
}

func NewHealthHandler(eng *engine.Engine, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{eng: eng, version: version, startTime: startTime}
}

// ServeHTTP reports process health. The upstream connection degrades rather
// than fails health: the engine keeps serving its transcript while the
// reconnect schedule runs.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	cm := h.eng.ConnectionMetrics()
	switch cm.State {
	case conn.StateConnected:
		checks["upstream"] = "ok"
	case conn.StateDisconnected:
		checks["upstream"] = "not_connected"
	case conn.StateError:
		checks["upstream"] = "error"
		status = "degraded"
	default:
		checks["upstream"] = string(cm.State)
		status = "degraded"
	}
	checks["quality"] = string(cm.Quality)

	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
