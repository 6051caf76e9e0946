// Package joblog provides an audit log of job state transitions.
// Scheduler correctness never depends on it: jobs are not recovered from
// the log on restart, upstream resubmits instead.
package joblog

import (
	"time"

	"github.com/twitter/gpusched/scheduler/domain"
)

type EntryType string

const (
	Accepted       EntryType = "accepted"
	Started        EntryType = "started"
	Requeued       EntryType = "requeued"
	RetryScheduled EntryType = "retryScheduled"
	Succeeded      EntryType = "succeeded"
	Failed         EntryType = "failed"
	Cancelled      EntryType = "cancelled"
)

// Entry is one transition of one job.
type Entry struct {
	JobID      string         `json:"jobID"`
	Type       EntryType      `json:"type"`
	JobType    domain.JobType `json:"jobType"`
	UserID     string         `json:"userID"`
	NodeID     string         `json:"nodeID,omitempty"`
	Attempt    int            `json:"attempt"`
	RetryCount int            `json:"retryCount"`
	Degraded   bool           `json:"degraded,omitempty"`
	Error      string         `json:"error,omitempty"`
	Time       time.Time      `json:"time"`
}

// JobLog stores entries. Implementations must be safe for concurrent use,
// the scheduler appends from worker goroutines.
type JobLog interface {
	Append(entry Entry) error

	// Entries for one job in the order appended, nil if the job is unknown.
	Entries(jobID string) ([]Entry, error)

	// Ids of every job with at least one entry.
	JobIDs() ([]string, error)
}
