package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// checkHealth probes the wired components. The policy snapshot and the
// journal queue are the two signals that matter: without an active policy
// nothing can be decided, and a saturated journal queue means the server is
// under backpressure.
func (s *Server) checkHealth() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if s.policies != nil {
		version, compiled := s.policies.Current()
		if compiled == nil {
			checks["policy"] = "no active version"
			healthy = false
		} else {
			checks["policy"] = fmt.Sprintf("ok: %s (%d rules)", version.Label, compiled.RuleCount())
		}
	} else {
		checks["policy"] = "not configured"
		healthy = false
	}

	if s.journal != nil {
		depth := s.journal.QueueDepth()
		capacity := s.journal.QueueCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["journal"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["journal"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := s.journal.DroppedEvents(); drops > 0 {
			checks["journal_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["journal"] = "not configured"
	}

	if s.broadcaster != nil {
		checks["subscribers"] = fmt.Sprintf("%d", s.broadcaster.SubscriberCount())
	}
	if s.enforcement != nil && s.enforcement.BypassActive() {
		checks["bypass_mode"] = "active"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: s.version,
	}
}

// healthHandler serves /healthz: 200 when healthy, 503 otherwise.
func (s *Server) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := s.checkHealth()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
