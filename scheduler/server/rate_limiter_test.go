package server

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/twitter/gpusched/scheduler/domain"
)

func testRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Tiers: map[domain.Tier]TierLimits{
			domain.Free: {
				PerType: map[domain.JobType]RateRule{
					domain.LLM:    {Limit: 10, Window: time.Hour},
					domain.Image:  {Limit: 5, Window: time.Hour},
					domain.Render: {Limit: 3, Window: time.Hour},
				},
				AllTypes: RateRule{Limit: 15, Window: 24 * time.Hour},
			},
			domain.Paid: {
				PerType: map[domain.JobType]RateRule{
					domain.LLM: {Limit: 100, Window: time.Hour},
				},
			},
		},
	}
}

func makeRateLimiter(t *testing.T, config RateLimitConfig) (*RateLimiter, *testingclock.FakeClock) {
	clk := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	rl, err := NewRateLimiter(config, clk)
	require.NoError(t, err)
	return rl, clk
}

func llmRequest(user string, tier domain.Tier) CheckRequest {
	return CheckRequest{UserID: user, Tier: tier, Type: domain.LLM, Usage: Usage{UserActive: true}}
}

func Test_RateLimiter_FreeTierEleventhLLMRequestDenied(t *testing.T) {
	rl, clk := makeRateLimiter(t, testRateLimitConfig())

	for i := 0; i < 10; i++ {
		d := rl.Check(llmRequest("alice", domain.Free))
		require.True(t, d.Allowed, "request %d", i+1)
		clk.Step(time.Minute)
	}
	d := rl.Check(llmRequest("alice", domain.Free))
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.UserScope, d.Scope)
	// window opened at the first request, 10 minutes ago
	assert.Equal(t, 50*time.Minute, d.RetryAfter)

	err := d.Err()
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	var rlErr *domain.RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, 50*time.Minute, rlErr.RetryAfter)

	// other users and tiers are unaffected
	assert.True(t, rl.Check(llmRequest("bob", domain.Free)).Allowed)
	assert.True(t, rl.Check(llmRequest("alice", domain.Paid)).Allowed)

	clk.Step(50 * time.Minute)
	assert.True(t, rl.Check(llmRequest("alice", domain.Free)).Allowed)
}

func Test_RateLimiter_EmptyTierIsFree(t *testing.T) {
	rl, _ := makeRateLimiter(t, testRateLimitConfig())
	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(CheckRequest{UserID: "carol", Type: domain.Render}).Allowed)
	}
	assert.False(t, rl.Check(CheckRequest{UserID: "carol", Type: domain.Render}).Allowed)
}

func Test_RateLimiter_TypeWithoutRuleIsUnlimited(t *testing.T) {
	rl, _ := makeRateLimiter(t, testRateLimitConfig())
	for i := 0; i < 50; i++ {
		require.True(t, rl.Check(CheckRequest{UserID: "dave", Tier: domain.Paid, Type: domain.TTS}).Allowed)
	}
	remaining, _ := rl.Remaining("dave", domain.Paid, domain.TTS)
	assert.Equal(t, -1, remaining)
}

func Test_RateLimiter_GlobalCeilings(t *testing.T) {
	config := testRateLimitConfig()
	config.MaxConcurrentUsers = 2
	config.MaxQueueSize = 5
	rl, _ := makeRateLimiter(t, config)

	d := rl.Check(CheckRequest{UserID: "new", Tier: domain.Paid, Type: domain.LLM, Usage: Usage{ActiveUsers: 2}})
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.GlobalScope, d.Scope)
	assert.Equal(t, time.Duration(0), d.RetryAfter)

	// a user already holding jobs is not a new user
	d = rl.Check(CheckRequest{UserID: "old", Tier: domain.Paid, Type: domain.LLM, Usage: Usage{ActiveUsers: 2, UserActive: true}})
	assert.True(t, d.Allowed)

	d = rl.Check(CheckRequest{UserID: "old", Tier: domain.Paid, Type: domain.LLM, Usage: Usage{ActiveUsers: 1, UserActive: true, Queued: 5}})
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.GlobalScope, d.Scope)

	// global denials don't consume user quota
	remaining, _ := rl.Remaining("new", domain.Paid, domain.LLM)
	assert.Equal(t, 100, remaining)
}

func Test_RateLimiter_AllWindowsMustAllow(t *testing.T) {
	config := testRateLimitConfig()
	free := config.Tiers[domain.Free]
	free.AllTypes = RateRule{Limit: 2, Window: 24 * time.Hour}
	config.Tiers[domain.Free] = free
	rl, _ := makeRateLimiter(t, config)

	assert.True(t, rl.Check(llmRequest("erin", domain.Free)).Allowed)
	assert.True(t, rl.Check(CheckRequest{UserID: "erin", Tier: domain.Free, Type: domain.Image}).Allowed)

	d := rl.Check(llmRequest("erin", domain.Free))
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.UserScope, d.Scope)
	assert.Equal(t, 24*time.Hour, d.RetryAfter)

	// the per type window was not charged by the denied request
	remaining, _ := rl.Remaining("erin", domain.Free, domain.LLM)
	assert.Equal(t, 9, remaining)
}

func Test_RateLimiter_Refund(t *testing.T) {
	rl, clk := makeRateLimiter(t, testRateLimitConfig())
	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(CheckRequest{UserID: "frank", Tier: domain.Free, Type: domain.Render}).Allowed)
	}
	rl.Refund("frank", domain.Free, domain.Render)
	remaining, resetAt := rl.Remaining("frank", domain.Free, domain.Render)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, clk.Now().Add(time.Hour), resetAt)
	assert.True(t, rl.Check(CheckRequest{UserID: "frank", Tier: domain.Free, Type: domain.Render}).Allowed)

	// refunds never go below an empty window
	clk.Step(time.Hour)
	rl.Refund("frank", domain.Free, domain.Render)
	remaining, _ = rl.Remaining("frank", domain.Free, domain.Render)
	assert.Equal(t, 3, remaining)
}

func Test_RateLimiter_RemainingDoesNotOpenWindow(t *testing.T) {
	rl, clk := makeRateLimiter(t, testRateLimitConfig())

	remaining, resetAt := rl.Remaining("gina", domain.Free, domain.LLM)
	assert.Equal(t, 10, remaining)
	assert.True(t, resetAt.IsZero())
	assert.Equal(t, 0, rl.buckets.Len())

	// the first submission opens the window, not the earlier lookup
	clk.Step(30 * time.Minute)
	require.True(t, rl.Check(llmRequest("gina", domain.Free)).Allowed)
	remaining, resetAt = rl.Remaining("gina", domain.Free, domain.LLM)
	assert.Equal(t, 9, remaining)
	assert.Equal(t, clk.Now().Add(time.Hour), resetAt)
	// per type and all types windows
	assert.Equal(t, 2, rl.buckets.Len())
}

func Test_RateLimiter_WindowProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("limit allowed, limit+1 denied, next window allowed", prop.ForAll(
		func(limit int, windowSec int) bool {
			window := time.Duration(windowSec) * time.Second
			config := RateLimitConfig{Tiers: map[domain.Tier]TierLimits{
				domain.Free: {PerType: map[domain.JobType]RateRule{domain.TTS: {Limit: limit, Window: window}}},
			}}
			clk := testingclock.NewFakeClock(time.Unix(0, 0))
			rl, err := NewRateLimiter(config, clk)
			if err != nil {
				return false
			}
			req := CheckRequest{UserID: "u", Tier: domain.Free, Type: domain.TTS}
			for i := 0; i < limit; i++ {
				if !rl.Check(req).Allowed {
					return false
				}
			}
			d := rl.Check(req)
			if d.Allowed || d.RetryAfter <= 0 || d.RetryAfter > window {
				return false
			}
			clk.Step(d.RetryAfter)
			return rl.Check(req).Allowed
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 7200),
	))

	properties.TestingRun(t)
}
