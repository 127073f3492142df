package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const checkTimeout = 3 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

type registration struct {
	check    Check
	critical bool
}

// Checker serves the liveness, readiness and dependency endpoints. A failing
// critical dependency makes /health return 503; optional ones only degrade it.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]registration
	version string
	started time.Time
	ready   atomic.Bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]registration),
		version: version,
		started: time.Now(),
	}
}

// AddCheck registers a critical dependency.
func (c *Checker) AddCheck(name string, check Check) {
	c.add(name, check, true)
}

// AddOptionalCheck registers a dependency whose failure degrades the service
// without taking it out of rotation.
func (c *Checker) AddOptionalCheck(name string, check Check) {
	c.add(name, check, false)
}

func (c *Checker) add(name string, check Check, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registration{check: check, critical: critical}
}

func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Register mounts the health endpoints on g and /metrics when metrics is true.
func (c *Checker) Register(g *echo.Group, metrics bool) {
	g.GET("/health", c.Health)
	g.GET("/health/live", c.Live)
	g.GET("/health/ready", c.Ready)
	if metrics {
		g.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
}

type Report struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency"`
}

// Run checks every dependency concurrently.
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make(map[string]registration, len(c.checks))
	for name, r := range c.checks {
		checks[name] = r
	}
	c.mu.RUnlock()

	report := &Report{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(checks)),
		ReportedAt: time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, r := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := r.check(checkCtx)
			result := &CheckResult{Status: StatusHealthy, Critical: r.critical, Latency: time.Since(start).String()}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = result
			switch {
			case err == nil:
			case r.critical:
				report.Status = StatusUnhealthy
			case report.Status == StatusHealthy:
				report.Status = StatusDegraded
			}
		}()
	}
	wg.Wait()

	return report
}

func (c *Checker) Health(ctx echo.Context) error {
	report := c.Run(ctx.Request().Context())
	if report.Status == StatusUnhealthy {
		return ctx.JSON(http.StatusServiceUnavailable, report)
	}
	return ctx.JSON(http.StatusOK, report)
}

func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready flips to 503 while the server is starting or draining.
func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
