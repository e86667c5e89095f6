// Package health exposes liveness, readiness, and dependency health endpoints.
package health

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
)

// CheckResult is the outcome of a single dependency check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthStatus aggregates all dependency checks
type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type checkFn func(ctx echo.Context) *CheckResult

// Checker serves the health endpoints
type Checker struct {
	checks    map[string]checkFn
	version   string
	startTime time.Time
	ready     atomic.Bool
}

// NewChecker builds a checker over the database and, when consuming, the
// Kafka consumer.
func NewChecker(db *sqlx.DB, consumer interface{ Health() bool }, version string) *Checker {
	checks := map[string]checkFn{
		"database": databaseCheck(db),
	}
	if consumer != nil {
		checks["consumer"] = consumerCheck(consumer)
	}
	return &Checker{
		checks:    checks,
		version:   version,
		startTime: time.Now(),
	}
}

// SetReady flips the readiness state reported by /health/ready
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

// Health runs every dependency check and reports 503 if any fails
func (c *Checker) Health(ctx echo.Context) error {
	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(c.checks)),
		ReportedAt: time.Now(),
	}

	httpStatus := http.StatusOK
	for name, check := range c.checks {
		result := check(ctx)
		status.Checks[name] = result
		if result.Status != "healthy" {
			status.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	return ctx.JSON(httpStatus, status)
}

// Live reports that the process is up
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports whether startup has completed and traffic can be accepted
func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready.Load() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func databaseCheck(db *sqlx.DB) checkFn {
	return func(ctx echo.Context) *CheckResult {
		if db == nil {
			return &CheckResult{Status: "unhealthy", Message: "database not configured"}
		}
		start := time.Now()
		if err := db.PingContext(ctx.Request().Context()); err != nil {
			return &CheckResult{Status: "unhealthy", Message: err.Error()}
		}
		return &CheckResult{
			Status:  "healthy",
			Latency: fmt.Sprintf("%v", time.Since(start).Round(time.Microsecond)),
		}
	}
}

func consumerCheck(consumer interface{ Health() bool }) checkFn {
	return func(echo.Context) *CheckResult {
		if !consumer.Health() {
			return &CheckResult{Status: "unhealthy", Message: "consumer not running"}
		}
		return &CheckResult{Status: "healthy"}
	}
}
