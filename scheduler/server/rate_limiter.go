package server

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"k8s.io/utils/clock"

	"github.com/twitter/gpusched/scheduler/domain"
)

// Max number of (user, type) windows remembered. Evicting an idle bucket only forgets its window.
const DefaultMaxRateBuckets = 100000

// RateRule allows Limit submissions per Window. A Limit <= 0 means unlimited.
type RateRule struct {
	Limit  int
	Window time.Duration
}

func (r RateRule) enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// TierLimits are the quotas of one plan tier.
type TierLimits struct {
	// Per job type windows. A type without a rule is unlimited.
	PerType map[domain.JobType]RateRule
	// Optional window across all job types, e.g. a daily cap.
	AllTypes RateRule
}

type RateLimitConfig struct {
	Tiers map[domain.Tier]TierLimits
	// Distinct users with queued or running jobs, 0 for unlimited. Only new users are refused.
	MaxConcurrentUsers int
	// Total queued jobs across types, including those waiting on a retry, 0 for unlimited.
	MaxQueueSize int
	MaxBuckets   int
}

// Usage is the scheduler's view of current load, sampled by the caller.
type Usage struct {
	ActiveUsers int
	UserActive  bool
	Queued      int
}

type CheckRequest struct {
	UserID string
	Tier   domain.Tier
	Type   domain.JobType
	Usage  Usage
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Scope      domain.LimitScope
	RetryAfter time.Duration
	Reason     string
}

// Err returns the error a denied Decision should surface, nil if allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitError{Scope: d.Scope, RetryAfter: d.RetryAfter, Reason: d.Reason}
}

type rateBucket struct {
	WindowStart time.Time
	Count       int
	Limit       int
	Window      time.Duration
}

// resets the window if it has expired
func (b *rateBucket) roll(now time.Time) {
	if !now.Before(b.WindowStart.Add(b.Window)) {
		b.WindowStart = now
		b.Count = 0
	}
}

// RateLimiter enforces the global ceilings and fixed window quotas per
// (user, job type), plus an optional tier wide window per user.
// It is safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	clock   clock.PassiveClock
	buckets *lru.Cache
}

func NewRateLimiter(config RateLimitConfig, clk clock.PassiveClock) (*RateLimiter, error) {
	size := config.MaxBuckets
	if size <= 0 {
		size = DefaultMaxRateBuckets
	}
	buckets, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{config: config, clock: clk, buckets: buckets}, nil
}

type keyedRule struct {
	key  string
	rule RateRule
	desc string
}

func (rl *RateLimiter) rulesFor(userID string, tier domain.Tier, jobType domain.JobType) []keyedRule {
	if tier == "" {
		tier = domain.Free
	}
	limits := rl.config.Tiers[tier]
	var rules []keyedRule
	if rule, ok := limits.PerType[jobType]; ok && rule.enabled() {
		rules = append(rules, keyedRule{
			key:  fmt.Sprintf("%s/%s", userID, jobType),
			rule: rule,
			desc: fmt.Sprintf("%s tier %s quota of %d per %v", tier, jobType, rule.Limit, rule.Window),
		})
	}
	if limits.AllTypes.enabled() {
		rules = append(rules, keyedRule{
			key:  fmt.Sprintf("%s/*", userID),
			rule: limits.AllTypes,
			desc: fmt.Sprintf("%s tier quota of %d per %v", tier, limits.AllTypes.Limit, limits.AllTypes.Window),
		})
	}
	return rules
}

func (rl *RateLimiter) bucket(kr keyedRule, now time.Time) *rateBucket {
	if iface, ok := rl.buckets.Get(kr.key); ok {
		b := iface.(*rateBucket)
		b.Limit, b.Window = kr.rule.Limit, kr.rule.Window
		b.roll(now)
		return b
	}
	b := &rateBucket{WindowStart: now, Limit: kr.rule.Limit, Window: kr.rule.Window}
	rl.buckets.Add(kr.key, b)
	return b
}

// Check decides whether a submission may proceed and, if so, consumes one
// unit from every window that applies. Global ceilings are checked first and
// reported with GlobalScope. Either every window is charged or none is.
func (rl *RateLimiter) Check(req CheckRequest) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if max := rl.config.MaxConcurrentUsers; max > 0 && !req.Usage.UserActive && req.Usage.ActiveUsers >= max {
		return Decision{Scope: domain.GlobalScope, Reason: fmt.Sprintf("system busy: %d active users", req.Usage.ActiveUsers)}
	}
	if max := rl.config.MaxQueueSize; max > 0 && req.Usage.Queued >= max {
		return Decision{Scope: domain.GlobalScope, Reason: fmt.Sprintf("system busy: %d jobs queued", req.Usage.Queued)}
	}

	now := rl.clock.Now()
	rules := rl.rulesFor(req.UserID, req.Tier, req.Type)
	buckets := make([]*rateBucket, 0, len(rules))
	for _, kr := range rules {
		b := rl.bucket(kr, now)
		if b.Count >= b.Limit {
			return Decision{
				Scope:      domain.UserScope,
				RetryAfter: b.WindowStart.Add(b.Window).Sub(now),
				Reason:     kr.desc + " used",
			}
		}
		buckets = append(buckets, b)
	}
	for _, b := range buckets {
		b.Count++
	}
	return Decision{Allowed: true}
}

// Refund gives back the unit a prior allowed Check consumed, as long as the
// window it was charged to is still live.
func (rl *RateLimiter) Refund(userID string, tier domain.Tier, jobType domain.JobType) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for _, kr := range rl.rulesFor(userID, tier, jobType) {
		iface, ok := rl.buckets.Get(kr.key)
		if !ok {
			continue
		}
		b := iface.(*rateBucket)
		if now.Before(b.WindowStart.Add(b.Window)) && b.Count > 0 {
			b.Count--
		}
	}
}

// Remaining reports how many submissions the user has left in the per type
// window and when it resets. Unlimited types report -1. A user with no live
// window gets the full limit and a zero reset time. It never opens a window.
func (rl *RateLimiter) Remaining(userID string, tier domain.Tier, jobType domain.JobType) (int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for _, kr := range rl.rulesFor(userID, tier, jobType) {
		if kr.key != fmt.Sprintf("%s/%s", userID, jobType) {
			continue
		}
		iface, ok := rl.buckets.Peek(kr.key)
		if !ok {
			return kr.rule.Limit, time.Time{}
		}
		b := iface.(*rateBucket)
		resetAt := b.WindowStart.Add(b.Window)
		if !now.Before(resetAt) {
			return kr.rule.Limit, time.Time{}
		}
		return kr.rule.Limit - b.Count, resetAt
	}
	return -1, time.Time{}
}
