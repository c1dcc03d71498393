package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/bizcard/internal/httputil"
	"github.com/felipepmaragno/bizcard/internal/repository"
	"github.com/redis/go-redis/v9"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus represents the result of a health check.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker pings the cache backend.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker checks the tenant store. The first check opens the
// shared connection if nothing has used it yet.
type PostgresHealthChecker struct {
	conn *repository.Connector
}

func NewPostgresHealthChecker(conn *repository.Connector) *PostgresHealthChecker {
	return &PostgresHealthChecker{conn: conn}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	db, err := c.conn.DB(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// UpstreamHealthChecker adapts the completion API health check for readiness.
type UpstreamHealthChecker struct {
	upstream UpstreamHealth
}

func NewUpstreamHealthChecker(upstream UpstreamHealth) *UpstreamHealthChecker {
	return &UpstreamHealthChecker{upstream: upstream}
}

func (c *UpstreamHealthChecker) Name() string {
	return "upstream"
}

func (c *UpstreamHealthChecker) Check(ctx context.Context) error {
	return c.upstream.HealthCheck(ctx)
}

// runHealthChecks runs every checker concurrently and keys results by name.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   "ok",
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// handleHealthReadyWithCheckers creates a ready handler with dependency checks.
func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		allHealthy := true
		for _, result := range results {
			if result.Status != "ok" {
				allHealthy = false
				break
			}
		}

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: Version,
		}

		httpStatus := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}

		httputil.WriteJSON(w, httpStatus, status)
	}
}
