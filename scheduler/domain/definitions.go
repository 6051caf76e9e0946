// Package domain provides definitions for gpusched Jobs, Nodes and the
// collaborators the scheduler calls out to.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobType selects the queue, concurrency ceiling, retry policy and executor a job uses.
type JobType string

const (
	LLM    JobType = "llm"
	Image  JobType = "image"
	TTS    JobType = "tts"
	Render JobType = "render"
)

// JobTypes lists every job type in dispatch order.
var JobTypes = []JobType{LLM, Image, TTS, Render}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseJobType(s string) (JobType, error) {
	t := JobType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

// Priority is the primary dispatch key. Lower values dispatch first.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

// NumPriorities is the number of priority buckets per queue.
const NumPriorities = 3

func (p Priority) Valid() bool {
	return p >= High && p <= Low
}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "medium", "":
		return Medium, nil
	case "low":
		return Low, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status for Jobs
type Status int

const (
	// Waiting in a queue or parked until its retry delay expires
	Queued Status = iota

	// Handed to an executor
	Running

	// Terminal states
	Succeeded
	Failed
	Cancelled
)

func (s Status) String() string {
	asString := [5]string{"queued", "running", "succeeded", "failed", "cancelled"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return asString[s]
}

func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Tier is the plan of the submitting user and selects its rate limits.
type Tier string

const (
	Free Tier = "free"
	Paid Tier = "paid"
)

type PowerMode string

const (
	Plugged PowerMode = "plugged"
	Battery PowerMode = "battery"
)

type NodeKind string

const (
	GPU NodeKind = "gpu"
	CPU NodeKind = "cpu"
)

// Health is a node's position in the failure recovery state machine.
type Health int

const (
	Healthy Health = iota
	Suspect
	Unhealthy
	Recovering
)

func (h Health) String() string {
	asString := [4]string{"healthy", "suspect", "unhealthy", "recovering"}
	if h < 0 || int(h) >= len(asString) {
		return fmt.Sprintf("Health(%d)", int(h))
	}
	return asString[h]
}

// Admitting reports whether a node in this state may receive new jobs.
func (h Health) Admitting() bool {
	return h == Healthy || h == Suspect
}

type BackoffKind string

const (
	FixedBackoff       BackoffKind = "fixed"
	LinearBackoff      BackoffKind = "linear"
	ExponentialBackoff BackoffKind = "exponential"
)

// RetryPolicy is looked up by job type and never mutated at runtime.
type RetryPolicy struct {
	MaxRetries int
	Backoff    BackoffKind
	BaseDelay  time.Duration
	// Cap on a single delay, 0 means uncapped.
	MaxDelay time.Duration
	// Randomization factor in [0,1), applied by exponential backoff only.
	Jitter float64
}

// Job is the unit of work the scheduler admits.
type Job struct {
	ID                string
	Type              JobType
	Priority          Priority
	UserID            string
	Tier              Tier
	EstimatedVRAMMB   int
	EstimatedDuration time.Duration

	// Stamped at acceptance, kept across retries.
	CreatedAt  time.Time
	RetryCount int
	Status     Status

	// Opaque to the scheduler, handed to the executor.
	Payload []byte
}

func (j *Job) String() string {
	return fmt.Sprintf("id:%s, type:%s, priority:%s, user:%s, tier:%s, vram:%dMB, retries:%d, status:%s",
		j.ID, j.Type, j.Priority, j.UserID, j.Tier, j.EstimatedVRAMMB, j.RetryCount, j.Status)
}

// Output is what an executor or fallback provider produced.
type Output struct {
	Data        []byte
	ContentType string
	// Set when Data came from the fallback provider rather than an executor.
	Fallback bool
}

// Assignment is handed to an Executor for one attempt of a job.
type Assignment struct {
	Job    Job
	NodeID string
	// 1 for the first attempt, incremented for every dispatch including outage requeues.
	Attempt int
	// Set when a gpu job type was routed to a cpu node.
	Degraded bool
	// Reports progress in [0,1]. Safe to call from any goroutine.
	Progress func(float64)
}

// NodeMetrics is a sample of a node's live resource state.
type NodeMetrics struct {
	VRAMUsedRatio float64
	TemperatureC  float64
	PowerMode     PowerMode
}

// ProbeResult is the outcome of a health probe. OK false counts as a miss.
type ProbeResult struct {
	OK bool
	NodeMetrics
}

// JobStatus is the user visible view of a job.
type JobStatus struct {
	JobID  string
	Type   JobType
	Status Status
	// Last progress reported by the executor, 1 once succeeded.
	Progress float64
	// 1-based position within its type queue, 0 when not waiting in a queue.
	QueuePosition   int
	RetryCount      int
	NodeID          string
	Output          *Output
	Err             error
	CancelRequested bool
}

// NodeStatus is a snapshot of one node for status queries and the admin endpoint.
type NodeStatus struct {
	NodeID    string
	Kind      NodeKind
	Types     []JobType
	Health    Health
	Admitting bool
	// Dispatch is held after an executor reported an outage on the node.
	OutageHeld        bool
	VRAMCapacityMB    int
	VRAMUsedRatio     float64
	PendingVRAMMB     int
	TemperatureC      float64
	PowerMode         PowerMode
	RunningCounts     map[JobType]int
	LastHealthCheckAt time.Time
	IdleSince         time.Time
}

// SubmitResult describes the decision made for a submitted job.
type SubmitResult struct {
	JobID    string
	Accepted bool
	// Populated when not accepted.
	Reason string
	// 0 when the job started immediately.
	EstimatedWait time.Duration
}
