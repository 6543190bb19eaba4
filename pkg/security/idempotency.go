package security

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// DefaultIdempotencyCapacity bounds the number of tracked keys
	DefaultIdempotencyCapacity = 10000

	// DefaultIdempotencyTTL is how long a key blocks duplicates
	DefaultIdempotencyTTL = 10 * time.Minute
)

// IdempotencyStore is a bounded, time-limited deduplication cache guarding
// the inbound submission endpoint against duplicate and replayed requests.
// Capacity overflow evicts least-recently-used keys; expired keys are pruned
// by the underlying cache.
type IdempotencyStore struct {
	cache  *expirable.LRU[string, time.Time]
	logger *zap.Logger
	mu     sync.Mutex
}

// NewIdempotencyStore creates a store with the given capacity and TTL.
// Zero values select the defaults.
func NewIdempotencyStore(capacity int, ttl time.Duration, logger *zap.Logger) *IdempotencyStore {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{
		cache:  expirable.NewLRU[string, time.Time](capacity, nil, ttl),
		logger: logger,
	}
}

// CheckAndInsert returns true if the key was already present within its TTL
// (the caller should reject the request as a duplicate) and false if the key
// was newly inserted (the caller proceeds).
func (s *IdempotencyStore) CheckAndInsert(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.cache.Get(key); seen {
		s.logger.Debug("Duplicate idempotency key", zap.String("key", key))
		return true
	}
	s.cache.Add(key, time.Now())
	return false
}

// Len returns the number of live keys
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Purge drops all keys
func (s *IdempotencyStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}
