package server

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/twitter/gpusched/scheduler/domain"
)

// Contains everything the scheduler tracks for a job that has not been
// forgotten yet. A jobState is owned by exactly one of: a queue bucket, a
// node's running set, the retry timer it is parked on, or the history.
type jobState struct {
	Job domain.Job

	seq      uint64 // acceptance order, breaks CreatedAt ties
	Attempt  int    // dispatches so far, including outage requeues
	NodeID   string // node of the current or last attempt
	Degraded bool   // current attempt runs on a cpu fallback node
	Progress float64

	CancelRequested bool
	cancel          context.CancelCauseFunc // set while running

	retryTimer clock.Timer // set while parked on a retry delay
	LastErr    error

	Output *domain.Output
	Err    error

	TimeStarted    time.Time // start of the current attempt
	FirstStartedAt time.Time
	TimeEnded      time.Time
}

func newJobState(job domain.Job, seq uint64) *jobState {
	job.Status = domain.Queued
	return &jobState{Job: job, seq: seq}
}

// parked reports whether the job is waiting on a retry timer rather than in a queue.
func (js *jobState) parked() bool {
	return js.retryTimer != nil
}

// Less orders jobs by priority, then acceptance time, then acceptance sequence.
func (js *jobState) Less(other *jobState) bool {
	if js.Job.Priority != other.Job.Priority {
		return js.Job.Priority < other.Job.Priority
	}
	if !js.Job.CreatedAt.Equal(other.Job.CreatedAt) {
		return js.Job.CreatedAt.Before(other.Job.CreatedAt)
	}
	return js.seq < other.seq
}

// status returns the user visible view of this job. Queue position is
// filled in by the caller since only the queue knows it.
func (js *jobState) status() domain.JobStatus {
	st := domain.JobStatus{
		JobID:           js.Job.ID,
		Type:            js.Job.Type,
		Status:          js.Job.Status,
		Progress:        js.Progress,
		RetryCount:      js.Job.RetryCount,
		NodeID:          js.NodeID,
		Output:          js.Output,
		Err:             js.Err,
		CancelRequested: js.CancelRequested,
	}
	if js.Job.Status == domain.Succeeded {
		st.Progress = 1
	}
	return st
}

// Used to keep a running average of observed run durations for a job type.
type averageDuration struct {
	count    int64
	duration time.Duration
}

func (ad *averageDuration) update(d time.Duration) {
	ad.count++
	ad.duration = ad.duration + time.Duration(int64(d-ad.duration)/ad.count)
}
