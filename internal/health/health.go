// Package health runs dependency checks for the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-relay/internal/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Check is a single named dependency probe. A nil error means healthy.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// CheckFunc adapts a plain function into a Check.
func CheckFunc(name string, fn func(context.Context) error) Check {
	return checkFunc{name: name, fn: fn}
}

// Pinger is satisfied by the database wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps anything with a Ping method.
func PingCheck(name string, p Pinger) Check {
	return CheckFunc(name, p.Ping)
}

// RedisCheck issues a PING against client.
func RedisCheck(client redis.UniversalClient) Check {
	return CheckFunc("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

type Result struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

type Status struct {
	Healthy bool     `json:"healthy"`
	Checks  []Result `json:"checks"`
}

type Checker struct {
	mu      sync.RWMutex
	checks  []Check
	timeout time.Duration
	log     logger.Logger
}

func NewChecker(timeout time.Duration, l logger.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout, log: l}
}

func (c *Checker) Add(checks ...Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, checks...)
}

// Run executes every check concurrently, each bounded by the checker timeout.
func (c *Checker) Run(ctx context.Context) Status {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]Result, len(checks))
	var g errgroup.Group
	for i, chk := range checks {
		g.Go(func() error {
			results[i] = c.run(ctx, chk)
			return nil
		})
	}
	_ = g.Wait()

	status := Status{Healthy: true, Checks: results}
	for _, r := range results {
		if !r.Healthy {
			status.Healthy = false
		}
	}
	return status
}

func (c *Checker) run(parent context.Context, chk Check) Result {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	start := time.Now()
	err := chk.Check(ctx)
	res := Result{Name: chk.Name(), Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		c.log.Warn("Health check failed",
			logger.StringField("check", chk.Name()),
			logger.ErrorField(err),
			logger.DurationField("latency", res.Latency),
		)
	}
	return res
}

// Err summarises a failed status as an error.
func (s Status) Err() error {
	if s.Healthy {
		return nil
	}
	var failed []string
	for _, r := range s.Checks {
		if !r.Healthy {
			failed = append(failed, r.Name)
		}
	}
	return fmt.Errorf("health checks failed: %v", failed)
}

// LivenessHandler always answers 200 while the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, Status{Healthy: true, Checks: []Result{}})
	}
}

// ReadinessHandler answers 503 when any registered check fails.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Run(r.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	}
}

func writeStatus(w http.ResponseWriter, code int, s Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(s)
}
