package http

import (
	"context"
	"net/http"
	"time"
)

// Health reports dependency status. Store or Redis failures make the service
// unhealthy; an unloaded model only degrades it.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Timestamp: h.now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	failed, degraded := false, false
	if h.deps.Database != nil {
		c := ping(r.Context(), h.deps.Database)
		resp.Checks["database"] = c
		failed = failed || c.Status == "fail"
	}
	if h.deps.Redis != nil {
		c := ping(r.Context(), h.deps.Redis)
		resp.Checks["redis"] = c
		failed = failed || c.Status == "fail"
	}
	if h.deps.Model != nil {
		c := CheckResult{Status: "pass"}
		if !h.deps.Model.IsReady() {
			c = CheckResult{Status: "warn", Message: "model not loaded, predictions are skipped"}
			degraded = true
		}
		resp.Checks["model"] = c
	}
	if h.deps.Queue != nil {
		stats, err := h.deps.Queue.Stats(r.Context())
		if err != nil {
			resp.Checks["queue"] = CheckResult{Status: "fail", Message: err.Error()}
			failed = true
		} else {
			resp.Queue = &stats
			resp.Checks["queue"] = CheckResult{Status: "pass"}
		}
	}

	status := http.StatusOK
	switch {
	case failed:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case degraded:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.writeJSON(w, status, resp)
}

func ping(ctx context.Context, p Pinger) CheckResult {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return CheckResult{Status: "fail", Message: err.Error(), Duration: time.Since(start)}
	}
	return CheckResult{Status: "pass", Duration: time.Since(start)}
}
