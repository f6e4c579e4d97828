// infrastructure/redis/healthcheck.go
package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

// HealthChecker tracks whether Redis is reachable. Credential and settings
// storage consult it to decide between Redis and the local copy.
type HealthChecker struct {
	client         redis.UniversalClient
	circuitBreaker *gobreaker.CircuitBreaker
	checkInterval  time.Duration
	logger         *slog.Logger

	mu     sync.RWMutex
	status bool
}

// NewHealthChecker creates a checker; call Start to begin periodic pings
func NewHealthChecker(client redis.UniversalClient, checkInterval time.Duration, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthChecker{
		client:        client,
		checkInterval: checkInterval,
		logger:        logger,
	}
	h.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("redis circuit breaker state changed",
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return h
}

// IsHealthy returns the result of the last check
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Check pings Redis through the circuit breaker. While the breaker is open
// no ping is sent and Redis counts as unhealthy.
func (h *HealthChecker) Check(ctx context.Context) bool {
	result, err := h.circuitBreaker.Execute(func() (interface{}, error) {
		return h.client.Ping(ctx).Result()
	})
	pong, _ := result.(string)
	healthy := err == nil && pong == "PONG"

	h.mu.Lock()
	changed := h.status != healthy
	h.status = healthy
	h.mu.Unlock()

	if changed {
		h.logger.Info("redis health changed", slog.Bool("healthy", healthy), slog.Any("error", err))
	}
	return healthy
}

// Start checks once immediately and then every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	h.checkOnce(ctx)
	go func() {
		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.checkOnce(ctx)
			}
		}
	}()
}

func (h *HealthChecker) checkOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h.Check(ctx)
}
