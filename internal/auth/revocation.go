package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRevocationPrefix namespaces revocation keys in Redis.
const DefaultRevocationPrefix = "easynotify:revoked"

// RevocationList remembers revoked token IDs until their expiry.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RedisRevocationList stores one key per revoked token with a TTL matching
// the token's remaining lifetime.
type RedisRevocationList struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisRevocationList(client redis.UniversalClient, prefix string) *RedisRevocationList {
	if prefix == "" {
		prefix = DefaultRevocationPrefix
	}
	return &RedisRevocationList{client: client, prefix: prefix, clock: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (l *RedisRevocationList) WithClock(clock func() time.Time) *RedisRevocationList {
	l.clock = clock
	return l
}

func (l *RedisRevocationList) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(l.clock())
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, l.key(tokenID), "1", ttl).Err(); err != nil {
		return errors.Wrap(err, "redis revoke")
	}
	return nil
}

func (l *RedisRevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(tokenID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis revocation lookup")
	}
	return n > 0, nil
}

func (l *RedisRevocationList) key(tokenID string) string {
	return l.prefix + ":" + tokenID
}

// MemoryRevocationList is the single-process fallback when Redis is not
// configured. Expired entries are pruned on write.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{entries: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (l *MemoryRevocationList) WithClock(clock func() time.Time) *MemoryRevocationList {
	l.clock = clock
	return l
}

func (l *MemoryRevocationList) Revoke(_ context.Context, tokenID string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for id, exp := range l.entries {
		if !exp.After(now) {
			delete(l.entries, id)
		}
	}
	if until.After(now) {
		l.entries[tokenID] = until
	}
	return nil
}

func (l *MemoryRevocationList) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.entries[tokenID]
	return ok && exp.After(l.clock()), nil
}

// Len returns the number of tracked entries, expired or not.
func (l *MemoryRevocationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
