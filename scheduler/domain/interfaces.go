package domain

//go:generate mockgen -source=interfaces.go -package=domain -destination=interfaces_mock.go

import (
	"context"
)

// Executor runs one attempt of a job on a node. Execute blocks until the
// attempt finishes; it is called on a worker goroutine, never on the
// scheduling loop. It must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, assignment Assignment) (Output, error)
}

// Prober checks a node's health and samples its resources. Probe runs on a
// worker goroutine and should return once ctx is done. A check that has not
// answered by the health timeout counts as a miss and its result is discarded.
type Prober interface {
	Probe(ctx context.Context, nodeID string) (ProbeResult, error)
}

// FallbackProvider supplies a degraded output for a job whose retries are exhausted.
type FallbackProvider interface {
	Fallback(job Job) (Output, bool)
}

// Reestimator may revise a job's resource estimates before it is requeued for a retry.
type Reestimator interface {
	Reestimate(job Job, lastErr error) Job
}

// IdleHandler is invoked once per idle period after a node has had no running
// jobs for the configured idle timeout, e.g. to unload models.
type IdleHandler interface {
	Idle(ctx context.Context, nodeID string) error
}
