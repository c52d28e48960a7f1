// Package health serves liveness and readiness probes for the agent.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status of the process or one of its components.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// CheckFunc reports a component's health; nil means healthy.
type CheckFunc func() error

// componentState is one entry in the probe response body.
type componentState struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// response is the probe response body.
type response struct {
	Status     Status                    `json:"status"`
	Components map[string]componentState `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// Checker runs registered readiness checks and tracks shutdown state.
type Checker struct {
	mu       sync.Mutex
	checks   map[string]CheckFunc
	draining atomic.Bool
}

// New creates a Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds a named readiness check, run on every readiness probe.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetDraining marks the process as shutting down; both probes report down
// afterwards so load balancers stop routing before the final flush runs.
func (c *Checker) SetDraining() {
	c.draining.Store(true)
}

// LiveHandler reports whether the process is running and not draining.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.draining.Load() {
			writeJSON(w, http.StatusServiceUnavailable, response{
				Status:     StatusDown,
				Components: map[string]componentState{"process": {Status: StatusDown, Message: "draining"}},
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		writeJSON(w, http.StatusOK, response{
			Status:    StatusUp,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyHandler runs every registered check; any failure yields 503 with the
// failing components named in the body.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.draining.Load() {
			writeJSON(w, http.StatusServiceUnavailable, response{
				Status:     StatusDown,
				Components: map[string]componentState{"process": {Status: StatusDown, Message: "draining"}},
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		c.mu.Lock()
		checks := make(map[string]CheckFunc, len(c.checks))
		for name, check := range c.checks {
			checks[name] = check
		}
		c.mu.Unlock()

		overall := StatusUp
		components := make(map[string]componentState, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				overall = StatusDown
				components[name] = componentState{Status: StatusDown, Message: err.Error()}
			} else {
				components[name] = componentState{Status: StatusUp}
			}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{
			Status:     overall,
			Components: components,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
