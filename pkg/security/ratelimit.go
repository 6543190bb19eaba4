package security

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Rate limit tiers: a short burst window and a longer sustained window.
// A request is admitted only when both have capacity.
const (
	DefaultBurstRequests = 20
	DefaultBurstWindow   = 10 * time.Second

	DefaultSustainedRequests = 100
	DefaultSustainedWindow   = 60 * time.Second

	// Bound on the number of distinct scopes tracked at once
	maxTrackedScopes = 4096
)

// Violation reasons, kept stable for logs and metrics
const (
	ViolationBurst     = "burst"
	ViolationSustained = "sustained"
)

// Scope kinds for admission control
const (
	ScopePeer  = "peer"
	ScopeToken = "token"
)

// RateLimitConfig parameterizes both windows
type RateLimitConfig struct {
	BurstRequests     int           `mapstructure:"burst_requests"`
	BurstWindow       time.Duration `mapstructure:"burst_window"`
	SustainedRequests int           `mapstructure:"sustained_requests"`
	SustainedWindow   time.Duration `mapstructure:"sustained_window"`
}

// DefaultRateLimitConfig returns the standard dual-window limits
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		BurstRequests:     DefaultBurstRequests,
		BurstWindow:       DefaultBurstWindow,
		SustainedRequests: DefaultSustainedRequests,
		SustainedWindow:   DefaultSustainedWindow,
	}
}

// ViolationFunc is invoked on every rejected request for metrics
type ViolationFunc func(scope, reason string)

// scopeWindows holds the admission timestamps for one scope, oldest first
type scopeWindows struct {
	burst     []time.Time
	sustained []time.Time
}

// RateLimiter implements dual sliding-window admission control per scope
// (peer address, auth token). Each window counts the requests admitted
// inside it; a request is rejected while a full window's worth of earlier
// requests has not yet aged out. Scopes are tracked in a bounded LRU so an
// attacker rotating source addresses cannot grow memory without bound.
type RateLimiter struct {
	cfg         RateLimitConfig
	scopes      *lru.Cache[string, *scopeWindows]
	onViolation ViolationFunc
	logger      *zap.Logger
	now         func() time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a rate limiter; onViolation may be nil
func NewRateLimiter(cfg RateLimitConfig, onViolation ViolationFunc, logger *zap.Logger) *RateLimiter {
	if cfg.BurstRequests <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	scopes, _ := lru.New[string, *scopeWindows](maxTrackedScopes)
	return &RateLimiter{
		cfg:         cfg,
		scopes:      scopes,
		onViolation: onViolation,
		logger:      logger,
		now:         time.Now,
	}
}

// Allow admits the request if both the burst and sustained windows have
// capacity for the given scope. On rejection it returns the violated window
// as the reason (burst or sustained).
func (rl *RateLimiter) Allow(scope, key string) (bool, string) {
	rl.mu.Lock()
	now := rl.now()
	sw := rl.windowsFor(scope + ":" + key)
	sw.burst = pruneBefore(sw.burst, now.Add(-rl.cfg.BurstWindow))
	sw.sustained = pruneBefore(sw.sustained, now.Add(-rl.cfg.SustainedWindow))

	var reason string
	switch {
	case len(sw.burst) >= rl.cfg.BurstRequests:
		reason = ViolationBurst
	case len(sw.sustained) >= rl.cfg.SustainedRequests:
		reason = ViolationSustained
	default:
		sw.burst = append(sw.burst, now)
		sw.sustained = append(sw.sustained, now)
	}
	rl.mu.Unlock()

	if reason != "" {
		rl.reject(scope, key, reason)
		return false, reason
	}
	return true, ""
}

func (rl *RateLimiter) windowsFor(key string) *scopeWindows {
	if sw, ok := rl.scopes.Get(key); ok {
		return sw
	}
	sw := &scopeWindows{}
	rl.scopes.Add(key, sw)
	return sw
}

// pruneBefore drops timestamps at or before the cutoff. Entries are appended
// in admission order, so the survivors are a suffix.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

func (rl *RateLimiter) reject(scope, key, reason string) {
	display := key
	if scope == ScopeToken {
		display = MaskToken(key)
	}
	rl.logger.Warn("Rate limit exceeded",
		zap.String("scope", scope),
		zap.String("key", display),
		zap.String("reason", reason))
	if rl.onViolation != nil {
		rl.onViolation(scope, reason)
	}
}

// TrackedScopes returns the number of scopes currently held
func (rl *RateLimiter) TrackedScopes() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.scopes.Len()
}

// MaskToken hides all but a short prefix of a token for logging
func MaskToken(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return "***"
}
