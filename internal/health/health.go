// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing
// the issue. It must return promptly once ctx is done.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn    CheckFunc
	fatal bool
}

// Checker provides liveness and readiness probes. Fatal checks fail
// readiness; advisory checks only mark the response degraded.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]check
	timeout      time.Duration
	shuttingDown atomic.Bool
}

// New creates a Checker whose checks each get timeout to complete.
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{checks: make(map[string]check), timeout: timeout}
}

// RegisterReadiness registers a check that makes /ready return 503 when it
// fails.
func (c *Checker) RegisterReadiness(name string, fn CheckFunc) {
	c.register(name, check{fn: fn, fatal: true})
}

// RegisterAdvisory registers a check that is reported but keeps /ready
// returning 200.
func (c *Checker) RegisterAdvisory(name string, fn CheckFunc) {
	c.register(name, check{fn: fn})
}

func (c *Checker) register(name string, ch check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = ch
}

// SetShuttingDown marks the instance as shutting down. After this, both
// /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// LiveHandler serves /live: up unless the process is shutting down.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeShuttingDown(w)
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: now()})
	}
}

// ReadyHandler serves /ready by running every registered check.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeShuttingDown(w)
			return
		}
		resp := c.Evaluate(r.Context())
		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// Evaluate runs all checks in name order and folds them into one response.
func (c *Checker) Evaluate(ctx context.Context) Response {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := StatusUp
	components := make(map[string]ComponentCheck, len(names))
	for _, name := range names {
		ch := checks[name]
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := ch.fn(cctx)
		cancel()
		switch {
		case err == nil:
			components[name] = ComponentCheck{Status: StatusUp}
		case ch.fatal:
			overall = StatusDown
			components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
		default:
			if overall == StatusUp {
				overall = StatusDegraded
			}
			components[name] = ComponentCheck{Status: StatusDegraded, Message: err.Error()}
		}
	}
	return Response{Status: overall, Components: components, Timestamp: now()}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeShuttingDown(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, Response{
		Status:     StatusDown,
		Timestamp:  now(),
		Components: map[string]ComponentCheck{"process": {Status: StatusDown, Message: "shutting down"}},
	})
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
