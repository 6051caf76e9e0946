package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/****************************** Submission Metrics ****************************************/
	/*
		number of Submit calls, accepted or not
	*/
	SchedSubmitCounter = "submitCounter"

	/*
		number of jobs accepted into a queue
	*/
	SchedAcceptedJobsCounter = "acceptedJobsCounter"

	/*
		submissions denied by a per user or per tier quota window
	*/
	SchedRejectedUserLimitCounter = "rejectedUserLimitCounter"

	/*
		submissions denied by the global user or queue ceiling
	*/
	SchedRejectedGlobalLimitCounter = "rejectedGlobalLimitCounter"

	/*
		submissions denied because the per type queue was full
	*/
	SchedRejectedQueueFullCounter = "rejectedQueueFullCounter"

	/*
		submissions denied because no node can serve the job type
	*/
	SchedRejectedNodeUnavailableCounter = "rejectedNodeUnavailableCounter"

	/*
		submissions denied for a malformed job
	*/
	SchedRejectedInvalidCounter = "rejectedInvalidCounter"

	/*
		time the Submit call took, including the wait on the scheduling loop
	*/
	SchedSubmitLatency_ms = "submitLatency_ms"

	/****************************** Dispatch Metrics ****************************************/
	/*
		number of job attempts handed to an executor
	*/
	SchedDispatchedCounter = "dispatchedCounter"

	/*
		dispatches routed to a cpu node because no gpu node for the type was admitting
	*/
	SchedDegradedDispatchCounter = "degradedDispatchCounter"

	/*
		dispatch passes that stopped because the global dispatch rate was exhausted
	*/
	SchedDispatchThrottledCounter = "dispatchThrottledCounter"

	/*
		time spent in one iteration of the scheduling loop
	*/
	SchedStepLatency_ms = "schedStepLatency_ms"

	/*
		time from dispatch to executor return, per attempt
	*/
	SchedRunLatency_ms = "runLatency_ms"

	/*
		time a job waited in the queue before its first dispatch
	*/
	SchedQueueWaitLatency_ms = "queueWaitLatency_ms"

	/****************************** Outcome Metrics ****************************************/
	SchedSucceededCounter = "succeededCounter"
	SchedFailedCounter    = "failedCounter"
	SchedCancelledCounter = "cancelledCounter"

	/*
		jobs failed by the queue timeout sweep
	*/
	SchedTimedOutCounter = "timedOutCounter"

	/*
		logic failures scheduled for another attempt after a backoff
	*/
	SchedRetriedCounter = "retriedCounter"

	/*
		attempts requeued because their node went away, not counted as retries
	*/
	SchedOutageRequeueCounter = "outageRequeueCounter"

	/*
		failed jobs that carry a fallback output
	*/
	SchedFallbackCounter = "fallbackCounter"

	/****************************** Queue Gauges ****************************************/
	/*
		jobs waiting, scoped by job type
	*/
	SchedQueuedJobsGauge = "queuedJobsGauge"

	/*
		jobs executing, scoped by job type
	*/
	SchedRunningJobsGauge = "runningJobsGauge"

	/*
		jobs parked until their retry backoff expires
	*/
	SchedRetryWaitingJobsGauge = "retryWaitingJobsGauge"

	/*
		distinct users holding a queued or running job
	*/
	SchedActiveUsersGauge = "activeUsersGauge"

	SchedServerStartedGauge = "schedStartGauge"
	SchedUptime_ms          = "schedUptimeGauge_ms"

	/****************************** Node Metrics ****************************************/
	/*
		the following are scoped by node name
	*/
	NodeVRAMUsedRatioGauge = "vramUsedRatioGauge"
	NodeTemperatureGauge   = "temperatureGauge"
	NodeRunningJobsGauge   = "runningJobsGauge"

	/*
		the node health state as an int: 0 healthy, 1 suspect, 2 unhealthy, 3 recovering
	*/
	NodeHealthGauge = "healthGauge"

	NodeProbeCounter        = "probeCounter"
	NodeProbeFailureCounter = "probeFailureCounter"
	NodeProbeLatency_ms     = "probeLatency_ms"

	/*
		probes that reported VRAM usage over the alert threshold
	*/
	NodeVRAMAlertCounter = "vramAlertCounter"

	/*
		times a node was taken out of admission by consecutive probe misses
	*/
	NodeMarkedUnhealthyCounter = "markedUnhealthyCounter"

	/*
		executor reported outages that held dispatch to the node, and health checks abandoned at the timeout
	*/
	NodeOutageHoldCounter   = "outageHoldCounter"
	NodeProbeTimeoutCounter = "probeTimeoutCounter"

	/*
		idle handler invocations after the node sat idle past the idle timeout
	*/
	NodeIdleUnloadCounter = "idleUnloadCounter"

	/****************************** Job Log Metrics ****************************************/
	JobLogWriteCounter    = "jobLogWriteCounter"
	JobLogWriteErrCounter = "jobLogWriteErrCounter"
)
