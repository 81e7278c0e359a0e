package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"affilnet/observability"
)

// ErrHeld is returned when the lease is already owned by another holder.
var ErrHeld = errors.New("lock: lease held")

// Lease is a held lock; releasing it is owner-checked, so a lease that
// expired and was re-acquired elsewhere cannot be released by the old owner.
type Lease struct {
	Key      string
	Token    string
	Acquired time.Time
	release  func(ctx context.Context) error
}

// Release returns the lease. Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release(ctx)
}

// Locker hands out exclusive leases keyed by string.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// WithLock runs fn while holding the lease, releasing it afterwards. A busy
// lease surfaces as ErrHeld without invoking fn.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()
	return fn(ctx)
}

// releaseScript deletes the key only when the stored token still matches the
// releasing owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker over a shared Redis instance so concurrent
// daemon replicas serialise on the same leases.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	metrics *observability.LockMetrics
	now     func() time.Time
}

// NewRedisLocker constructs a Redis-backed locker. Keys are namespaced under
// the supplied prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("lock: redis client required")
	}
	if prefix == "" {
		prefix = "affilnet:lock"
	}
	return &RedisLocker{
		client:  client,
		prefix:  prefix,
		metrics: observability.Locks(),
		now:     time.Now,
	}, nil
}

// Acquire takes the lease via SET NX with the TTL as expiry.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: key required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive")
	}
	full := r.prefix + ":" + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		r.metrics.RecordAcquisition(classOf(key), "error")
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		r.metrics.RecordAcquisition(classOf(key), "busy")
		r.metrics.RecordContention(classOf(key))
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	r.metrics.RecordAcquisition(classOf(key), "acquired")
	acquired := r.now()
	return &Lease{
		Key:      key,
		Token:    token,
		Acquired: acquired,
		release: func(ctx context.Context) error {
			r.metrics.ObserveHold(classOf(key), r.now().Sub(acquired))
			if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("lock: release %s: %w", key, err)
			}
			return nil
		},
	}, nil
}

// MemoryLocker is a single-process Locker used in tests and single-replica
// deployments without Redis.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

// Acquire takes the lease if it is free or its previous holder's TTL lapsed.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: key required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.leases[key]; ok && existing.expires.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	token := uuid.NewString()
	m.leases[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return &Lease{
		Key:      key,
		Token:    token,
		Acquired: now,
		release: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if existing, ok := m.leases[key]; ok && existing.token == token {
				delete(m.leases, key)
			}
			return nil
		},
	}, nil
}

// classOf folds per-entity keys into a bounded label set: the text before the
// first colon names the key class.
func classOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
