// Package lock provides a Redis-backed distributed lock used to serialize
// cron-triggered execution requests across multiple engine instances
// (SPEC_FULL.md §4: the partial unique index in internal/store is the
// source of truth for invariant I1, this lock only avoids two instances
// both racing CreateSerialized for the same scheduled fire).
//
// Grounded on the teacher's internal/cache.Cache: same connection-pool
// tuning and graceful-fallback-when-disabled shape, narrowed to the
// SetNX-based lock primitive the teacher documents as its distributed-lock
// use case.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pytask-manager/engine/internal/logger"
)

// Config configures the Redis connection backing the lock. Enabled=false
// makes every Acquire call succeed immediately, for single-instance
// deployments that have no need for cross-instance coordination.
type Config struct {
	Host     string
	Port     string
	Password string
	Enabled  bool
}

// Locker acquires short-lived per-script execution locks.
type Locker struct {
	client *redis.Client
}

// New connects to Redis, or returns a disabled Locker when cfg.Enabled is
// false.
func New(cfg Config) (*Locker, error) {
	if !cfg.Enabled {
		return &Locker{client: nil}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,

		PoolSize:        25,
		MinIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Locker{client: client}, nil
}

// Close releases the Redis connection.
func (l *Locker) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

// IsEnabled reports whether this Locker is backed by a real Redis
// connection.
func (l *Locker) IsEnabled() bool {
	return l.client != nil
}

// Lease is a held lock; call Release when the critical section is done.
type Lease struct {
	key    string
	token  string
	client *redis.Client
}

func executionKey(scriptID int64) string {
	return fmt.Sprintf("engine:execlock:%d", scriptID)
}

// Acquire attempts to take the execution lock for scriptID for ttl. A nil
// Lease with ok=false means another instance currently holds it.
func (l *Locker) Acquire(ctx context.Context, scriptID int64, ttl time.Duration) (*Lease, bool, error) {
	if l.client == nil {
		return &Lease{}, true, nil
	}

	key := executionKey(scriptID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock for script %d: %w", scriptID, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{key: key, token: token, client: l.client}, true, nil
}

// dependencyCheckKey namespaces the short-TTL cache of
// HasUninstalledDependencies results the Coordinator/Scheduler consult
// before repeatedly shelling out to pip list for the same script (e.g. the
// Cron Scheduler revalidating every active schedule at startup).
func dependencyCheckKey(scriptID int64) string {
	return fmt.Sprintf("engine:depcheck:%d", scriptID)
}

const dependencyCheckTTL = 10 * time.Second

// CacheDependencyCheck records a has_uninstalled_dependencies result for
// scriptID for a short TTL. A no-op when the Locker is disabled.
func (l *Locker) CacheDependencyCheck(ctx context.Context, scriptID int64, hasUninstalled bool) {
	if l.client == nil {
		return
	}
	val := "0"
	if hasUninstalled {
		val = "1"
	}
	if err := l.client.Set(ctx, dependencyCheckKey(scriptID), val, dependencyCheckTTL).Err(); err != nil {
		logger.Store().Warn().Err(err).Int64("script_id", scriptID).Msg("failed to cache dependency check")
	}
}

// CachedDependencyCheck returns a cached has_uninstalled_dependencies
// result for scriptID, if one is still within its TTL. ok is false when
// the Locker is disabled or there is no live cache entry, in which case
// the caller must fall back to querying the Environment Provisioner
// directly.
func (l *Locker) CachedDependencyCheck(ctx context.Context, scriptID int64) (hasUninstalled bool, ok bool) {
	if l.client == nil {
		return false, false
	}
	val, err := l.client.Get(ctx, dependencyCheckKey(scriptID)).Result()
	if err != nil {
		return false, false
	}
	return val == "1", true
}

// releaseScript is a compare-and-delete so a Lease never releases a lock
// it no longer owns (e.g. after its TTL already expired and was reacquired
// by another instance).
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Release gives up the lease. Safe to call on a Lease from a disabled
// Locker (no-op).
func (lease *Lease) Release(ctx context.Context) error {
	if lease.client == nil {
		return nil
	}
	if err := lease.client.Eval(ctx, releaseScript, []string{lease.key}, lease.token).Err(); err != nil {
		logger.Store().Warn().Err(err).Str("key", lease.key).Msg("failed to release execution lock")
		return err
	}
	return nil
}
