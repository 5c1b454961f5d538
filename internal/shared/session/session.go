// Package session keeps the current refresh token per user so that refresh
// tokens rotate and can be revoked.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/healthnexus/platform/internal/shared/types"
)

// Store holds one refresh token per user
type Store interface {
	Save(ctx context.Context, userID types.ID, token string, ttl time.Duration) error
	Matches(ctx context.Context, userID types.ID, token string) (bool, error)
	Revoke(ctx context.Context, userID types.ID) error
}

// Tokens are stored hashed.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RedisStore keeps refresh tokens in Redis with the token TTL
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "healthnexus:refresh:"}
}

func (s *RedisStore) key(userID types.ID) string {
	return s.prefix + userID.String()
}

func (s *RedisStore) Save(ctx context.Context, userID types.ID, token string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(userID), fingerprint(token), ttl).Err()
}

func (s *RedisStore) Matches(ctx context.Context, userID types.ID, token string) (bool, error) {
	stored, err := s.client.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return equal(stored, fingerprint(token)), nil
}

func (s *RedisStore) Revoke(ctx context.Context, userID types.ID) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}

// Health pings Redis
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type memoryEntry struct {
	hash      string
	expiresAt time.Time
}

// MemoryStore is the single-process fallback used when Redis is not configured
type MemoryStore struct {
	mu      sync.Mutex
	entries map[types.ID]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[types.ID]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Save(ctx context.Context, userID types.ID, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = memoryEntry{hash: fingerprint(token), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Matches(ctx context.Context, userID types.ID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, userID)
		return false, nil
	}
	return equal(e.hash, fingerprint(token)), nil
}

func (s *MemoryStore) Revoke(ctx context.Context, userID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
