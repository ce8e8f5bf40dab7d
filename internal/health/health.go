// Package health serves liveness, readiness and dependency health for the
// metrics listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gustycube/spyder-atlas/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check for a component
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Optional    bool      `json:"optional,omitempty"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

type registered struct {
	checker  Checker
	optional bool
}

// Handler runs the registered checks. A failing critical check makes the
// service unhealthy and unready; a failing optional one only degrades it.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]registered
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
	timeout  time.Duration
}

func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]registered),
		metadata: make(map[string]string),
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// RegisterChecker adds a critical check.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.register(name, checker, false)
}

// RegisterOptional adds a check for a dependency the service can run
// without, such as the external report sink.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.register(name, checker, true)
}

func (h *Handler) register(name string, checker Checker, optional bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = registered{checker: checker, optional: optional}
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Handler) snapshot() (map[string]registered, map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]registered, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	return checkers, metadata, h.ready
}

// Run executes every check concurrently and folds the results. Checks are
// returned sorted by name.
func (h *Handler) Run(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	checkers, metadata, _ := h.snapshot()

	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg := checkers[name]
			c := reg.checker.Check(ctx)
			c.Name = name
			c.Optional = reg.optional
			checks[i] = c
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, c := range checks {
		st := c.Status
		if st == StatusUnhealthy && c.Optional {
			st = StatusDegraded
		}
		if c.Status == StatusUnhealthy && h.logger != nil {
			h.logger.Warnw("health check failed", "check", c.Name, "optional", c.Optional, "message", c.Message)
		}
		switch {
		case st == StatusUnhealthy:
			overall = StatusUnhealthy
		case st == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return Response{Status: overall, Timestamp: time.Now().UTC(), Checks: checks, Metadata: metadata}
}

// HealthHandler reports every check. Degraded still answers 200.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ReadinessHandler answers 200 once SetReady(true) was called and no
// critical check is unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := StatusHealthy
	if ready {
		status = h.Run(r.Context()).Status
	}
	ready = ready && status != StatusUnhealthy
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	_, metadata, _ := h.snapshot()
	writeJSON(w, code, map[string]interface{}{
		"ready":     ready,
		"status":    status,
		"timestamp": time.Now().UTC(),
		"metadata":  metadata,
	})
}

// LivenessHandler answers 200 while the process serves requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"alive": true, "timestamp": time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func result(start time.Time, status Status, msg string) Check {
	return Check{Status: status, Message: msg, LastChecked: time.Now().UTC(), DurationMS: time.Since(start).Milliseconds()}
}

// PingChecker reports a dependency reachable through a ping function, such
// as the Redis dedup store, the batch queue or the report archive.
type PingChecker struct {
	component string
	ping      func(ctx context.Context) error
}

// NewPingChecker creates a checker for component; a nil ping means the
// component is not configured.
func NewPingChecker(component string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{component: component, ping: ping}
}

func NewRedisChecker(ping func(ctx context.Context) error) *PingChecker {
	return NewPingChecker("Redis", ping)
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return result(start, StatusHealthy, c.component+" not configured")
	}
	if err := c.ping(ctx); err != nil {
		return result(start, StatusUnhealthy, c.component+" unreachable: "+err.Error())
	}
	return result(start, StatusHealthy, c.component+" OK")
}

// WorkerPoolChecker checks the ingestion worker pool
type WorkerPoolChecker struct {
	running    func() int
	busy       func() int
	maxWorkers int
}

func NewWorkerPoolChecker(running, busy func() int, maxWorkers int) *WorkerPoolChecker {
	return &WorkerPoolChecker{running: running, busy: busy, maxWorkers: maxWorkers}
}

// Check degrades when no worker runs or more than 90% are busy.
func (c *WorkerPoolChecker) Check(ctx context.Context) Check {
	start := time.Now()
	running, busy := c.running(), c.busy()
	switch {
	case running == 0:
		return result(start, StatusDegraded, "no active workers")
	case c.maxWorkers > 0 && float64(busy)/float64(c.maxWorkers) > 0.9:
		return result(start, StatusDegraded, "worker pool near capacity")
	}
	return result(start, StatusHealthy, "worker pool operating normally")
}

// BacklogChecker degrades when the batch queue holds more than max
// waiting batches.
type BacklogChecker struct {
	length func(ctx context.Context) (int64, error)
	max    int64
}

func NewBacklogChecker(length func(ctx context.Context) (int64, error), max int64) *BacklogChecker {
	return &BacklogChecker{length: length, max: max}
}

func (c *BacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	n, err := c.length(ctx)
	if err != nil {
		return result(start, StatusUnhealthy, "queue length unavailable: "+err.Error())
	}
	if c.max > 0 && n > c.max {
		return result(start, StatusDegraded, "queue backlog of "+strconv.FormatInt(n, 10)+" batches")
	}
	return result(start, StatusHealthy, strconv.FormatInt(n, 10)+" batches waiting")
}
