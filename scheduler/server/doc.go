/*
package server provides StatefulScheduler which admits generation jobs and dispatches them onto a fixed pool of nodes.

* Concepts *
JobType:

	llm, image, tts or render. Each type has its own queue, per node concurrency ceiling (MaxConcurrent),
	queue depth (MaxQueueSize), retry policy, execution timeout and executor.

Priority:

	high, medium, low. A free slot goes to the highest priority waiting job, FIFO by acceptance time within a
	priority. Running jobs are never preempted.

Admission:

	Submit validates the job, checks some admitting node can serve its type, then asks the RateLimiter, then
	checks the type's queue depth. Only then is the job queued and a dispatch pass run. Node availability is
	checked before quota so outages don't burn user quota. A job refused for queue depth gets its quota unit back.

RateLimiter:

	Global ceilings first (distinct active users, total queued jobs), then fixed windows per (user, type) from the
	user's tier, plus an optional window across all types. Every window must allow before any is charged.

Headroom:

	A node takes a job when it is admitting (healthy or suspect), under the type's ceiling, under the battery cap
	when on battery, under the throttle temperature and, for gpu nodes, when reported VRAM usage plus reservations
	for jobs admitted since the last probe plus the job's estimate stays within VRAMLimit.
	Jobs that don't fit anywhere right now stay queued without blocking jobs behind them.

Health:

	Healthy -miss-> Suspect -miss-> Unhealthy -ok-> Recovering -ok after RecoveryCoolDown-> Healthy.
	Jobs running on a node that goes Unhealthy are requeued at once without consuming retry budget.

Retry:

	Executor failures are retried after a fixed, linear or exponential backoff until the type's MaxRetries is
	spent. The job then fails carrying a fallback output when its type has one. Failures reported as
	NodeOutageError are requeued like a node going unhealthy.

CPU fallback:

	Optionally, listed types run on cpu nodes while no gpu node serving them admits. Executors see
	Assignment.Degraded.

* Scheduler Loop *
One goroutine owns all scheduler state. Every public call posts a request to the loop and waits for the reply.
Executors, probes, idle handlers and job log writes run on async.Runner workers; their callbacks, retry timers
and wake ups are handled by the loop. Each iteration:

	handle pending requests and timer events
	run callbacks of finished async work
	dispatch queued jobs onto nodes with headroom
	flush the job log and update gauges

Nothing survives a restart. Queued and running jobs are lost and upstream must resubmit.
*/
package server
