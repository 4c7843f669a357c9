// Package health provides liveness and readiness endpoints for a silo.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const checkTimeout = 5 * time.Second

// CheckFunc reports whether one dependency is usable
type CheckFunc func(ctx context.Context) error

// Checker runs the registered readiness checks
type Checker struct {
	logger *zap.Logger

	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
}

// Status is the body of both endpoints
type Status struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewChecker creates a checker without checks; it is ready until one fails
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		logger: logger,
		checks: make(map[string]CheckFunc),
	}
}

// Register adds a readiness check. Registering a name twice replaces it.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
	}
	c.checks[name] = check
}

// Check runs every check and returns the result per name
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	c.mu.RLock()
	names := append([]string(nil), c.names...)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	results := make(map[string]string, len(names))
	healthy := true
	for i, name := range names {
		if err := checks[i](ctx); err != nil {
			c.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			results[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		results[name] = "healthy"
	}
	return results, healthy
}

// LivenessHandler handles liveness probe requests
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, Status{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	checks, healthy := c.Check(ctx)
	status := Status{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if !healthy {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

func writeStatus(w http.ResponseWriter, code int, status Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
