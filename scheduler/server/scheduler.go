package server

//go:generate mockgen -source=scheduler.go -package=server -destination=scheduler_mock.go

import (
	"github.com/twitter/gpusched/scheduler/domain"
)

type Scheduler interface {
	// Submit admits, queues or rejects a job. Rejections return an error
	// and a result with Accepted false.
	Submit(job domain.Job) (domain.SubmitResult, error)

	// CancelJob cancels a queued job immediately, or asks a running job's
	// executor to stop and cancels it once the executor returns.
	CancelJob(jobID string) error

	GetStatus(jobID string) (domain.JobStatus, error)

	NodeStatuses() []domain.NodeStatus

	// UpdateNodeMetrics pushes a resource sample for a node between probes.
	UpdateNodeMetrics(nodeID string, metrics domain.NodeMetrics) error

	// Stop ends the scheduling loop and cancels running executions.
	// Queued jobs are dropped.
	Stop()
}
