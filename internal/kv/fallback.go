// kv/fallback.go
package kv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TTLStorage is a Storage that can report how long a value has left.
type TTLStorage interface {
	Storage
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)
}

// pendingWrite is a local change Redis has not seen yet. A nil value is a
// delete.
type pendingWrite struct {
	value     []byte
	expiresAt time.Time
}

// FallbackStorage writes through to Redis while it is healthy and keeps a
// local copy so reads keep working through an outage. Writes and deletes
// that could not reach Redis are queued and replayed once it is back; Redis
// stays authoritative for every other key, so changes made by other
// processes sharing it are never overwritten.
type FallbackStorage struct {
	remote      TTLStorage
	local       *MemoryStorage
	healthCheck func() bool
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingWrite
}

// NewFallbackStorage creates a store with a remote (Redis) and local fallback
func NewFallbackStorage(remote TTLStorage, healthCheck func() bool, logger *slog.Logger) *FallbackStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStorage{
		remote:      remote,
		local:       NewMemoryStorage(),
		healthCheck: healthCheck,
		logger:      logger,
		pending:     make(map[string]pendingWrite),
	}
}

func (s *FallbackStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if s.healthCheck() && !s.isPending(key) {
		data, ttl, err := s.remote.GetWithTTL(ctx, key)
		switch {
		case err == nil:
			_ = s.local.Set(ctx, key, data, ttl)
			return data, nil
		case errors.Is(err, ErrNotFound):
			// Redis is authoritative while healthy; drop any stale local copy.
			_ = s.local.Delete(ctx, key)
			return nil, ErrNotFound
		default:
			s.logger.Warn("redis read failed, using local cache", slog.String("key", key), slog.Any("error", err))
		}
	}
	return s.local.Get(ctx, key)
}

func (s *FallbackStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	w := pendingWrite{value: append([]byte(nil), value...)}
	if ttl > 0 {
		w.expiresAt = s.local.now().Add(ttl)
	}
	s.push(ctx, key, w)
	return nil
}

func (s *FallbackStorage) Delete(ctx context.Context, key string) error {
	_ = s.local.Delete(ctx, key)
	s.push(ctx, key, pendingWrite{})
	return nil
}

// push sends w to Redis, or queues it when Redis is unavailable.
func (s *FallbackStorage) push(ctx context.Context, key string, w pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthCheck() {
		err := s.apply(ctx, key, w)
		if err == nil {
			delete(s.pending, key)
			return
		}
		s.logger.Warn("redis write failed, queued for replication", slog.String("key", key), slog.Any("error", err))
	}
	s.pending[key] = w
}

func (s *FallbackStorage) apply(ctx context.Context, key string, w pendingWrite) error {
	if w.value == nil {
		return s.remote.Delete(ctx, key)
	}
	var ttl time.Duration
	if !w.expiresAt.IsZero() {
		ttl = w.expiresAt.Sub(s.local.now())
		if ttl <= 0 {
			return s.remote.Delete(ctx, key)
		}
	}
	return s.remote.Set(ctx, key, w.value, ttl)
}

func (s *FallbackStorage) isPending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Pending is the number of local changes not yet in Redis.
func (s *FallbackStorage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// StartReplication periodically replays changes made during an outage into
// Redis so they survive a restart.
func (s *FallbackStorage) StartReplication(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.replicate(ctx)
			}
		}
	}()
}

func (s *FallbackStorage) replicate(ctx context.Context) {
	if !s.healthCheck() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.pending {
		if err := s.apply(ctx, key, w); err != nil {
			s.logger.Warn("replication failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		delete(s.pending, key)
	}
}
