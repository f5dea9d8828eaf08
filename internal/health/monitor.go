package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Monitor runs a Checker on Config.Interval in its own goroutine and
// keeps a Status updated, so /healthz can read the latest result
// without blocking on a fresh check every call.
type Monitor struct {
	checker Checker
	config  Config

	mu     sync.RWMutex
	status *Status
}

// NewMonitor constructs a Monitor around checker, unstarted.
func NewMonitor(checker Checker, config Config) *Monitor {
	return &Monitor{checker: checker, config: config, status: NewStatus()}
}

// Run drives the check loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.check(ctx)
	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	cctx := ctx
	var cancel context.CancelFunc
	if m.config.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}
	result := m.checker.Check(cctx)

	m.mu.Lock()
	m.status.Update(result, m.config)
	m.mu.Unlock()
}

// Status returns a copy of the monitor's last-known Status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.status
}

// Healthy reports the current hysteresis-smoothed health state.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Healthy
}

// healthzResponse is the /healthz endpoint's JSON body.
type healthzResponse struct {
	Healthy     bool   `json:"healthy"`
	Message     string `json:"message"`
	Quarantined int    `json:"quarantined_blocks"`
}

// Handler returns an http.Handler for /healthz: 200 when Healthy,
// 503 otherwise.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := m.Status()
		resp := healthzResponse{
			Healthy:     st.Healthy,
			Message:     st.LastResult.Message,
			Quarantined: st.LastResult.Quarantined,
		}
		w.Header().Set("Content-Type", "application/json")
		if !st.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
