// Package health reports whether the conductor can do useful work: the
// SQLite store must answer queries and the workspace root must accept new
// project directories.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status grades the outcome of one probe.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Result is the outcome of one probe. Detail says what the probe saw, not
// just whether it passed.
type Result struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// OK, Degraded and Down build results.
func OK(detail string) Result       { return Result{Status: StatusOK, Detail: detail} }
func Degraded(detail string) Result { return Result{Status: StatusDegraded, Detail: detail} }
func Down(detail string) Result     { return Result{Status: StatusDown, Detail: detail} }

// CheckFunc probes one collaborator.
type CheckFunc func(ctx context.Context) Result

// DBSizer is the slice of the store the store check needs.
type DBSizer interface {
	DBSizeBytes() (int64, error)
}

// StoreCheck probes the database through a size query. A database larger
// than maxBytes degrades readiness without failing it; maxBytes 0 disables
// the bound.
func StoreCheck(db DBSizer, maxBytes int64) CheckFunc {
	return func(_ context.Context) Result {
		n, err := db.DBSizeBytes()
		if err != nil {
			return Down("store unreachable: " + err.Error())
		}
		if maxBytes > 0 && n > maxBytes {
			return Degraded(fmt.Sprintf("database %d bytes exceeds bound %d", n, maxBytes))
		}
		return OK(fmt.Sprintf("database %d bytes", n))
	}
}

// WorkspaceCheck verifies that project directories can still be created and
// written under the workspace root.
func WorkspaceCheck(root string) CheckFunc {
	return func(_ context.Context) Result {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return Down("workspace root: " + err.Error())
		}
		probe := filepath.Join(root, ".conductor-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return Down("workspace not writable: " + err.Error())
		}
		os.Remove(probe)
		return OK("writable")
	}
}

// Checker runs named probes and remembers their last results.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   map[string]Result
	logger zerolog.Logger
}

// NewChecker creates an empty checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		last:   make(map[string]Result),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes every probe concurrently, each under a 5 second budget,
// and logs probes that went down since the previous run.
func (c *Checker) RunAll(ctx context.Context) map[string]Result {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			res := fn(probeCtx)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		if res.Status == StatusDown && c.last[name].Status != StatusDown {
			c.logger.Warn().Str("check", name).Str("detail", res.Detail).Msg("health check went down")
		}
		c.last[name] = res
	}
	c.mu.Unlock()

	return results
}

// IsReady reports whether no probe is down. Degraded still counts as ready.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, res := range c.RunAll(ctx) {
		if res.Status == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler answers that the process is up. It runs no probes.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "conductor"})
	}
}

// ReadinessHandler runs every probe and reports per-check results.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		results := c.RunAll(r.Context())

		status := "ready"
		code := http.StatusOK
		for _, res := range results {
			if res.Status == StatusDown {
				status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}

		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": results,
		})
	}
}
