// Package health reports whether a vulnsla installation can accept imports:
// the database answers, its volume has room, and the last import went through.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/exploopio/vulnsla/pkg/store"
)

// =============================================================================
// Health Check Interface
// =============================================================================

// Checker is the interface for health checks.
type Checker interface {
	// Check performs the health check.
	Check(ctx context.Context) CheckResult
}

// CheckFunc is a function type that implements Checker.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the full health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_ns"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Names returns the check names in sorted order.
func (r Response) Names() []string {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Health Handler
// =============================================================================

// Handler runs the registered checks and serves them over HTTP.
type Handler struct {
	mu     sync.RWMutex
	checks map[string]Checker

	version   string
	startTime time.Time
	timeout   time.Duration
}

// HandlerOption configures the health handler.
type HandlerOption func(*Handler)

// WithVersion sets the application version.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeout sets the check timeout.
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = timeout
	}
}

// NewHandler creates a new health handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:    make(map[string]Checker),
		startTime: time.Now(),
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a health check, replacing any check with the same name.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// RegisterFunc adds a health check function.
func (h *Handler) RegisterFunc(name string, fn func(ctx context.Context) CheckResult) {
	h.Register(name, CheckFunc(fn))
}

// Check runs all registered checks concurrently.
// The overall status is the worst individual status.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Duration = time.Since(start)

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime),
		Checks:    results,
	}
}

// LivenessHandler answers 200 whenever the process can serve requests.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    StatusHealthy,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler runs every check. Degraded still answers 200.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		response := h.Check(r.Context())
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	})
}

// RegisterRoutes mounts /livez and /healthz.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.Handle("/livez", h.LivenessHandler())
	mux.Handle("/healthz", h.HealthHandler())
}

// =============================================================================
// Built-in Health Checks
// =============================================================================

// StoreCheck pings the database.
type StoreCheck struct {
	Ping func(ctx context.Context) error
}

func (c *StoreCheck) Check(ctx context.Context) CheckResult {
	if c.Ping == nil {
		return CheckResult{Status: StatusUnknown, Message: "no ping function configured"}
	}
	if err := c.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "connected"}
}

// ImportCheck looks at the most recent import. A failed last import degrades
// the installation without making it unhealthy.
type ImportCheck struct {
	List func(ctx context.Context) ([]store.ImportRecord, error)
}

func (c *ImportCheck) Check(ctx context.Context) CheckResult {
	if c.List == nil {
		return CheckResult{Status: StatusUnknown, Message: "no import history configured"}
	}
	records, err := c.List(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if len(records) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no imports yet"}
	}

	// Newest first.
	last := records[0]
	result := CheckResult{
		Metadata: map[string]any{
			"import_id":   last.ID,
			"imported_at": last.ImportedAt,
			"imports":     len(records),
		},
	}
	if last.Status == store.ImportFailed {
		result.Status = StatusDegraded
		result.Error = fmt.Sprintf("last import %s failed: %s", last.ID, last.Error)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("last import %s %s", last.ID, last.Status)
	return result
}

// DiskCheck checks free space on the volume holding Path.
type DiskCheck struct {
	Path         string
	MinFreeBytes uint64
}

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	path := c.Path
	if path == "" {
		path = "."
	}

	free, total, err := diskSpace(path)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Error: err.Error()}
	}

	result := CheckResult{
		Metadata: map[string]any{
			"path":        path,
			"free_bytes":  free,
			"total_bytes": total,
		},
	}
	if free < c.MinFreeBytes {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("disk free space %d bytes is below threshold %d bytes", free, c.MinFreeBytes)
		return result
	}
	result.Status = StatusHealthy
	if total > 0 {
		result.Message = fmt.Sprintf("disk has %.2f%% free space", float64(free)/float64(total)*100)
	}
	return result
}
