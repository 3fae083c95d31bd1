package hammerhead

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves the /healthz and /readyz probes. Liveness follows
// the listeners; readiness additionally requires every ReadinessCheck to
// pass, e.g. the global rules having been loaded once.
type HealthChecker struct {
	alive   atomic.Bool
	ready   atomic.Bool
	started time.Time

	// Sessions adds the open session count to probe bodies.
	Sessions *SessionRegistry

	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck is a named readiness condition.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// HealthResponse is the probe body.
type HealthResponse struct {
	Status   string   `json:"status"`
	Uptime   string   `json:"uptime,omitempty"`
	Sessions *int     `json:"sessions,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Details  []string `json:"details,omitempty"`
}

const (
	probeOK          = "ok"
	probeUnavailable = "unavailable"
	probeNotReady    = "not ready"
)

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// RulesLoadedCheck fails while rf holds no rules.
func RulesLoadedCheck(rf *ReloadableFilter) ReadinessCheck {
	return ReadinessCheck{
		Name: "rules",
		Check: func() error {
			if rf.Count() == 0 {
				return fmt.Errorf("no request filter rules loaded")
			}
			return nil
		},
	}
}

func (h *HealthChecker) SetAlive(alive bool) { h.alive.Store(alive) }
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }
func (h *HealthChecker) IsAlive() bool       { return h.alive.Load() }

// IsReady reports whether the proxy is marked ready and every check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failing()) == 0
}

// Uptime is the time since the checker was created, to the second.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.started).Truncate(time.Second)
}

func (h *HealthChecker) failing() []string {
	var out []string
	for _, c := range h.ReadinessChecks {
		if err := c.Check(); err != nil {
			out = append(out, fmt.Sprintf("%s: %v", c.Name, err))
		}
	}
	return out
}

// HandleHealthz is the liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: probeOK}
	if !h.IsAlive() {
		resp.Status = probeUnavailable
	}
	h.write(w, resp)
}

// HandleReadyz is the readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: probeOK}
	switch failing := h.failing(); {
	case !h.ready.Load():
		resp.Status = probeNotReady
		resp.Reason = "proxy not yet ready"
	case len(failing) > 0:
		resp.Status = probeNotReady
		resp.Details = failing
	}
	h.write(w, resp)
}

func (h *HealthChecker) write(w http.ResponseWriter, resp HealthResponse) {
	resp.Uptime = h.Uptime().String()
	if h.Sessions != nil {
		n := h.Sessions.Count()
		resp.Sessions = &n
	}

	code := http.StatusOK
	if resp.Status != probeOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
