// Package health aggregates component checks into one readiness verdict
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"funding_arb/internal/core"
)

// Manager holds named checks; a nil error means healthy
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces the check for component
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status runs every check and reports "ok" or the failure per component
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// Healthy reports whether every check passes
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		if check() != nil {
			return false
		}
	}
	return true
}

// ServeHTTP answers 200 when healthy and 503 otherwise, with the per-component status
func (m *Manager) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.Status()
	healthy := true
	failing := make([]string, 0)
	for component, s := range status {
		if s != "ok" {
			healthy = false
			failing = append(failing, component)
		}
	}
	sort.Strings(failing)

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
		if m.logger != nil {
			m.logger.Warn("Health check failing", "components", failing)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":    healthy,
		"components": status,
	})
}
