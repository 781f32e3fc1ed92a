package whistleca

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes for the admin server.
// Readiness is normally gated on the certificate authority having loaded its
// root (see [CertificateAuthority.ReadinessCheck]).
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck is a function that returns nil if the component is ready,
// or an error describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// AddReadinessCheck registers a check reported under name when it fails.
func (h *HealthChecker) AddReadinessCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetAlive marks the process as alive (liveness probe passes).
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the process as ready (readiness probe passes).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true once SetReady(true) was called and every readiness
// check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var failed []string
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			failed = append(failed, c.name+": "+err.Error())
		}
	}
	return failed
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !h.IsAlive() {
		h.writeProbe(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	h.writeProbe(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		h.writeProbe(w, http.StatusServiceUnavailable, HealthResponse{Status: "not ready", Reason: "not yet ready"})
		return
	}
	if failed := h.failures(); len(failed) > 0 {
		h.writeProbe(w, http.StatusServiceUnavailable, HealthResponse{Status: "not ready", Details: failed})
		return
	}
	h.writeProbe(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthChecker) writeProbe(w http.ResponseWriter, status int, resp HealthResponse) {
	resp.Uptime = h.Uptime().Truncate(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
