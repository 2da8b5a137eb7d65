package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
)

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named health check function.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves the liveness and readiness checks.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
	started  time.Time
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk, started: clk.Now()}
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
}

// Liveness responds 200 while the process is alive.
func (h *Handler) Liveness(c *gin.Context) {
	now := h.clock.Now()
	c.JSON(http.StatusOK, Status{
		Status:    "ok",
		Uptime:    now.Sub(h.started).Truncate(time.Second).String(),
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// Readiness responds 200 once SetReady(true) was called and every checker passes.
func (h *Handler) Readiness(c *gin.Context) {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()

	if !ready {
		c.JSON(http.StatusServiceUnavailable, Status{
			Status:    "not_ready",
			Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for _, chk := range h.checkers {
		if err := chk.Check(ctx); err != nil {
			checks[chk.Name] = err.Error()
			allOK = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	status, code := "ready", http.StatusOK
	if !allOK {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	c.JSON(code, Status{
		Status:    status,
		Checks:    checks,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	})
}
