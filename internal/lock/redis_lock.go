// Package lock provides the distributed per-instance lock the
// Orchestrator uses to enforce its single-writer-per-instance invariant.
// Grounded on the teacher's internal/storage Redis client setup and on
// original_source/src/orchestration/adapters/redis_lock.py's acquire/
// release semantics (non-blocking SET NX, leased expiry, release only if
// locally held).
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service acquires and releases instance-scoped locks backed by Redis.
type Service interface {
	// Acquire attempts a non-blocking lock of instanceID for lease.
	// It returns false (no error) if the lock is already held elsewhere.
	Acquire(ctx context.Context, instanceID string, lease time.Duration) (bool, error)
	// Release gives up a lock previously acquired by this Service, if it
	// is still the holder. Releasing a lock this process never held, or
	// one whose lease already expired and was taken by someone else, is a
	// no-op.
	Release(ctx context.Context, instanceID string) error
	Close() error
}

type redisLock struct {
	client *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	held  map[string]string // instanceID -> our fencing token
}

// NewRedisService connects to addr and returns a Redis-backed lock Service.
func NewRedisService(addr, password string, db int, logger *zap.Logger) (Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &redisLock{
		client: client,
		logger: logger.With(zap.String("component", "lock")),
		held:   make(map[string]string),
	}, nil
}

func lockKey(instanceID string) string {
	return "lock:instance:" + instanceID
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (s *redisLock) Acquire(ctx context.Context, instanceID string, lease time.Duration) (bool, error) {
	token := uuid.New().String()
	key := lockKey(instanceID)

	ok, err := s.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		s.logger.Debug("lock already held", zap.String("instance_id", instanceID))
		return false, nil
	}

	s.mu.Lock()
	s.held[instanceID] = token
	s.mu.Unlock()

	s.logger.Debug("lock acquired", zap.String("instance_id", instanceID), zap.Duration("lease", lease))
	return true, nil
}

func (s *redisLock) Release(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	token, ok := s.held[instanceID]
	if ok {
		delete(s.held, instanceID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if err := s.client.Eval(ctx, releaseScript, []string{lockKey(instanceID)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing lock %s: %w", lockKey(instanceID), err)
	}
	s.logger.Debug("lock released", zap.String("instance_id", instanceID))
	return nil
}

func (s *redisLock) Close() error {
	return s.client.Close()
}
