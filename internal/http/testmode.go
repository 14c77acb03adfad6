package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

// Testing-mode endpoints simulate load and upstream errors so health
// transitions can be exercised without real traffic. Only routed when
// testing_mode is enabled.

func (h *Handler) testWindow() time.Duration {
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		return h.healthConfig.DegradedWindow
	}
	return time.Minute
}

// GetTestStatus handles GET /test.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := h.testWindow()
	errs, total := traffic.ErrorRate(window)
	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errs,
		"outcomes_in_window":        total,
		"window_length":             window.String(),
		"state":                     h.computeHealthStatus(r.Context()).status,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var body struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	resp := map[string]any{"ok": true, "action": action}
	switch action {
	case "load":
		if body.Count <= 0 {
			body.Count = 10
		}
		accepted, denied := h.simulateLoad(body.Count)
		resp["accepted"], resp["denied"] = accepted, denied
		resp["message"] = "Recorded " + strconv.Itoa(accepted) + " accepted, " + strconv.Itoa(denied) + " denied"
	case "error":
		if body.Count <= 0 {
			body.Count = 1
		}
		traffic.RecordErrorN(body.Count)
		resp["message"] = "Recorded " + strconv.Itoa(body.Count) + " errors"
	case "reset":
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
		resp["message"] = "All simulated state cleared"
	case "shutdown":
		lifecycle.SetShuttingDown(true)
		resp["message"] = "Shutting-down flag set"
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
		return
	}
	resp["state"] = h.computeHealthStatus(r.Context()).status
	writeJSON(w, http.StatusOK, resp)
}

// simulateLoad pushes n synthetic requests through the rate limiter.
func (h *Handler) simulateLoad(n int) (accepted, denied int) {
	if h.rateLimiter == nil {
		traffic.RecordSuccessN(n)
		return n, 0
	}
	for i := 0; i < n; i++ {
		if h.rateLimiter.Allow() {
			traffic.RecordSuccess()
			accepted++
			continue
		}
		traffic.RecordDenied()
		observability.RateLimitDeniedTotal.Inc()
		denied++
	}
	return accepted, denied
}
