package server

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/twitter/gpusched/scheduler/domain"
)

type retryOutcome int

const (
	// Put back in the queue now without charging the retry budget.
	requeueNow retryOutcome = iota
	// Park on a timer, then requeue with RetryCount+1.
	retryLater
	// Budget spent, the job fails.
	retryExhausted
)

func (o retryOutcome) String() string {
	switch o {
	case requeueNow:
		return "requeueNow"
	case retryLater:
		return "retryLater"
	}
	return "retryExhausted"
}

type retryDecision struct {
	outcome retryOutcome
	delay   time.Duration
	// Terminal error when exhausted.
	err error
}

// retryCoordinator classifies failures and computes retry delays from the
// per type RetryPolicy. It holds no job state; the scheduler loop acts on
// its decisions.
type retryCoordinator struct {
	policies map[domain.JobType]domain.RetryPolicy
}

func newRetryCoordinator(policies map[domain.JobType]domain.RetryPolicy) *retryCoordinator {
	return &retryCoordinator{policies: policies}
}

// HandleFailure decides what happens to a job whose attempt failed with err.
// Node outages never consume retry budget.
func (rc *retryCoordinator) HandleFailure(job domain.Job, err error, outage bool) retryDecision {
	if outage {
		return retryDecision{outcome: requeueNow}
	}
	policy := rc.policies[job.Type]
	if job.RetryCount < policy.MaxRetries {
		return retryDecision{outcome: retryLater, delay: retryDelay(policy, job.RetryCount)}
	}
	return retryDecision{
		outcome: retryExhausted,
		err: errors.Wrapf(domain.ErrRetryExhausted, "job %s failed after %d retries: %v",
			job.ID, job.RetryCount, err),
	}
}

// retryDelay is the delay before retry number retryCount+1:
// fixed base, linear base*(n+1), exponential base*2^n, capped by MaxDelay.
func retryDelay(policy domain.RetryPolicy, retryCount int) time.Duration {
	b := newBackOff(policy)
	d := b.NextBackOff()
	for i := 0; i < retryCount && d != backoff.Stop; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d < 0 {
		return policy.MaxDelay
	}
	// jitter and a base above the cap can overshoot MaxInterval
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		return policy.MaxDelay
	}
	return d
}

func newBackOff(policy domain.RetryPolicy) backoff.BackOff {
	switch policy.Backoff {
	case domain.LinearBackoff:
		return &linearBackOff{base: policy.BaseDelay, max: policy.MaxDelay}
	case domain.ExponentialBackoff:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = policy.BaseDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = policy.Jitter
		eb.MaxInterval = policy.MaxDelay
		if eb.MaxInterval <= 0 {
			eb.MaxInterval = time.Duration(math.MaxInt64)
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	default:
		return &cappedBackOff{backoff.NewConstantBackOff(policy.BaseDelay), policy.MaxDelay}
	}
}

// linearBackOff waits base, 2*base, 3*base... up to max when max > 0.
type linearBackOff struct {
	base time.Duration
	max  time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := b.base * time.Duration(b.n)
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }

type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}
