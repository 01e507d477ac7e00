package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/clanmanager/pkg/metrics"
)

// HealthResponse is the /health body: every reported component
type HealthResponse struct {
	Status     string            `json:"status"` // "healthy", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
}

// healthHandler reports every component; any unhealthy one fails the check
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    metrics.Version(),
		Uptime:     metrics.Uptime().String(),
	}
	for _, c := range metrics.Components() {
		if c.Healthy {
			resp.Components[c.Name] = "healthy"
			continue
		}
		resp.Status = "unhealthy"
		resp.Components[c.Name] = "unhealthy: " + c.Message
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": metrics.Uptime().String(),
	})
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

const readyProbeTimeout = 2 * time.Second

// readyHandler implements the /ready endpoint.
// It combines the component registry with a live read of the store.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness := metrics.Readiness()

	checks := make(map[string]string, len(readiness.Components)+2)
	for name, state := range readiness.Components {
		checks[name] = state
	}
	ready := readiness.Ready
	message := readiness.Message

	// Storage: a read must succeed within the probe timeout
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()
	if clans, err := s.mgr.ListClans(ctx); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Storage not accessible"
	} else {
		checks["storage"] = fmt.Sprintf("ok (%d clans)", len(clans))
	}

	checks["watched"] = fmt.Sprintf("%d", s.mgr.Registry().Len())

	response := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	status := http.StatusOK
	if !ready {
		response.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
