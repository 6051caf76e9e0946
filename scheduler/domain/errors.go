package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrQueueFull        = errors.New("queue full")
	ErrNodeUnavailable  = errors.New("no node available for job type")
	ErrRetryExhausted   = errors.New("retry budget exhausted")
	ErrCancelled        = errors.New("job cancelled")
	ErrTimedOut         = errors.New("job timed out waiting for dispatch")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobFinished      = errors.New("job already finished")
	ErrInvalidJob       = errors.New("invalid job")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// LimitScope tells callers whether the system or the user's quota refused a job.
type LimitScope string

const (
	GlobalScope LimitScope = "global"
	UserScope   LimitScope = "user"
)

// RateLimitError is returned by Submit when a quota denies a job.
// errors.Is(err, ErrRateLimited) holds for it.
type RateLimitError struct {
	Scope      LimitScope
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%s): %s, retry after %v", e.Scope, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (%s): %s", e.Scope, e.Reason)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// NodeOutageError is returned by an Executor when the attempt failed because
// of the node, not the job. Such failures don't consume retry budget.
type NodeOutageError struct {
	NodeID string
	Err    error
}

func NewNodeOutageError(nodeID string, err error) error {
	return &NodeOutageError{NodeID: nodeID, Err: err}
}

func (e *NodeOutageError) Error() string {
	return fmt.Sprintf("node %s outage: %v", e.NodeID, e.Err)
}

func (e *NodeOutageError) Unwrap() error {
	return e.Err
}

func IsNodeOutage(err error) bool {
	var outage *NodeOutageError
	return errors.As(err, &outage)
}
