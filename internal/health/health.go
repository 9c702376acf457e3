// Package health provides liveness and readiness checks for the sync agent.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		last:    make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and remembers the results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, fn := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			s := fn(checkCtx)
			if s != StatusOK {
				c.logger.Warn().Str("check", name).Str("status", string(s)).Msg("Health check not ok")
			}
			mu.Lock()
			results[name] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent RunAll.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return ready(c.RunAll(ctx))
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// PingCheck adapts a ping function into a CheckFunc.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// LivenessHandler serves /healthz.
func LivenessHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

// ReadinessHandler serves /readyz.
func (c *Checker) ReadinessHandler() fiber.Handler {
	return func(fc *fiber.Ctx) error {
		results := c.RunAll(fc.UserContext())

		resp := fiber.Map{"checks": results}
		if ready(results) {
			resp["status"] = "ready"
			return fc.Status(fiber.StatusOK).JSON(resp)
		}
		resp["status"] = "not_ready"
		return fc.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
}
