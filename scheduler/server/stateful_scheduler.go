package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/twitter/gpusched/async"
	"github.com/twitter/gpusched/common/log/hooks"
	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/joblog"
	"github.com/twitter/gpusched/scheduler/domain"
)

const (
	// Provide defaults for config settings that should never be uninitialized/zero.
	// These match a single workstation or small server with a handful of nodes.

	DefaultVRAMLimit            = 0.8
	DefaultThrottleTemperature  = 80.0
	DefaultVRAMAlertThreshold   = 0.85
	DefaultBatteryMaxConcurrent = 1
	DefaultIdleTimeout          = 5 * time.Minute

	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 10 * time.Second
	DefaultRecoveryCoolDown    = 30 * time.Second

	// Max time a job may wait in a queue before it fails.
	DefaultJobTimeout = 10 * time.Minute

	// Per type queue depth.
	DefaultMaxQueueSize = 100

	DefaultCPUFallbackMaxConcurrent = 1

	// Number of finished jobs kept for GetStatus.
	DefaultMaxJobHistory = 10000

	DefaultDispatchBurst = 1

	// Room for requests and timer events posted to the loop between steps.
	eventChSize = 1024
)

// DefaultTypeConfigs are the per type ceilings, retry policies and execution
// timeouts used for any type the configuration leaves out.
var DefaultTypeConfigs = map[domain.JobType]TypeConfig{
	domain.LLM: {
		MaxConcurrent:    2,
		MaxQueueSize:     DefaultMaxQueueSize,
		Retry:            domain.RetryPolicy{MaxRetries: 2, Backoff: domain.ExponentialBackoff, BaseDelay: time.Second},
		ExecutionTimeout: 60 * time.Second,
	},
	domain.Image: {
		MaxConcurrent:    1,
		MaxQueueSize:     DefaultMaxQueueSize,
		Retry:            domain.RetryPolicy{MaxRetries: 1, Backoff: domain.FixedBackoff, BaseDelay: 5 * time.Second},
		ExecutionTimeout: 120 * time.Second,
	},
	domain.TTS: {
		MaxConcurrent:    3,
		MaxQueueSize:     DefaultMaxQueueSize,
		Retry:            domain.RetryPolicy{MaxRetries: 3, Backoff: domain.LinearBackoff, BaseDelay: time.Second},
		ExecutionTimeout: 30 * time.Second,
	},
	domain.Render: {
		MaxConcurrent:    2,
		MaxQueueSize:     DefaultMaxQueueSize,
		Retry:            domain.RetryPolicy{MaxRetries: 1, Backoff: domain.FixedBackoff, BaseDelay: 10 * time.Second},
		ExecutionTimeout: 300 * time.Second,
	},
}

var (
	errExecutionTimeout = errors.New("execution timeout")
	errNodeFailedOver   = errors.New("node failed over")
	errHealthTimeout    = errors.New("health check timeout")
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("GPUSCHED_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

// TypeConfig holds the settings of one job type.
type TypeConfig struct {
	// Default ceiling per node, nodes may override it.
	MaxConcurrent int
	MaxQueueSize  int
	Retry         domain.RetryPolicy
	// Per attempt, 0 for none.
	ExecutionTimeout time.Duration
}

// SchedulerConfiguration variables read at initialization
//
// DebugMode - if true, starts the scheduler up but does not start
//
//	the update loop.  Instead the loop must be advanced manually
//	by calling step()
//
// DispatchRate - max dispatches per second across all types, 0 for unlimited.
//
// JobTimeout - how long a job may wait in a queue before it fails.
//
// MaxJobHistory - number of finished jobs GetStatus can still answer for.
type SchedulerConfiguration struct {
	DebugMode     bool
	Nodes         []NodeConfig
	Types         map[domain.JobType]TypeConfig
	RateLimits    RateLimitConfig
	Resources     ResourceLimits
	Health        HealthConfig
	CPUFallback   CPUFallbackConfig
	JobTimeout    time.Duration
	DispatchRate  float64
	DispatchBurst int
	MaxJobHistory int
}

func (sc *SchedulerConfiguration) String() string {
	return fmt.Sprintf("SchedulerConfiguration: DebugMode: %t, Nodes: %d, Types: %v, MaxConcurrentUsers: %d, MaxQueueSize: %d, "+
		"Resources: %+v, Health: %+v, CPUFallback: %+v, JobTimeout: %s, DispatchRate: %g, DispatchBurst: %d, MaxJobHistory: %d",
		sc.DebugMode, len(sc.Nodes), sc.Types, sc.RateLimits.MaxConcurrentUsers, sc.RateLimits.MaxQueueSize,
		sc.Resources, sc.Health, sc.CPUFallback, sc.JobTimeout, sc.DispatchRate, sc.DispatchBurst, sc.MaxJobHistory)
}

// withDefaults returns a copy of sc with zero values replaced by defaults.
func (sc SchedulerConfiguration) withDefaults() SchedulerConfiguration {
	types := make(map[domain.JobType]TypeConfig, len(DefaultTypeConfigs))
	for t, def := range DefaultTypeConfigs {
		tc, ok := sc.Types[t]
		if !ok {
			types[t] = def
			continue
		}
		if tc.MaxConcurrent == 0 {
			tc.MaxConcurrent = def.MaxConcurrent
		}
		if tc.MaxQueueSize == 0 {
			tc.MaxQueueSize = DefaultMaxQueueSize
		}
		if tc.Retry.Backoff == "" {
			tc.Retry.Backoff = domain.FixedBackoff
		}
		types[t] = tc
	}
	sc.Types = types

	if sc.Resources.VRAMLimit == 0 {
		sc.Resources.VRAMLimit = DefaultVRAMLimit
	}
	if sc.Resources.ThrottleTemperature == 0 {
		sc.Resources.ThrottleTemperature = DefaultThrottleTemperature
	}
	if sc.Resources.VRAMAlertThreshold == 0 {
		sc.Resources.VRAMAlertThreshold = DefaultVRAMAlertThreshold
	}
	if sc.Resources.BatteryMaxConcurrent == 0 {
		sc.Resources.BatteryMaxConcurrent = DefaultBatteryMaxConcurrent
	}
	if sc.Resources.IdleTimeout == 0 {
		sc.Resources.IdleTimeout = DefaultIdleTimeout
	}
	if sc.Health.Interval == 0 {
		sc.Health.Interval = DefaultHealthCheckInterval
	}
	if sc.Health.Timeout == 0 {
		sc.Health.Timeout = DefaultHealthCheckTimeout
	}
	if sc.Health.RecoveryCoolDown == 0 {
		sc.Health.RecoveryCoolDown = DefaultRecoveryCoolDown
	}
	if sc.CPUFallback.MaxConcurrent == 0 {
		sc.CPUFallback.MaxConcurrent = DefaultCPUFallbackMaxConcurrent
	}
	if sc.CPUFallback.Enabled && len(sc.CPUFallback.Types) == 0 {
		sc.CPUFallback.Types = []domain.JobType{domain.LLM}
	}
	if sc.JobTimeout == 0 {
		sc.JobTimeout = DefaultJobTimeout
	}
	if sc.DispatchBurst == 0 {
		sc.DispatchBurst = DefaultDispatchBurst
	}
	if sc.MaxJobHistory == 0 {
		sc.MaxJobHistory = DefaultMaxJobHistory
	}
	return sc
}

// Collaborators are the pieces the scheduler calls out to. Only Executors is required.
type Collaborators struct {
	// One per job type served by some node.
	Executors map[domain.JobType]domain.Executor
	// nil disables health probes, nodes then stay healthy.
	Prober domain.Prober
	// Defaults to NewDefaultFallbacks().
	Fallback    domain.FallbackProvider
	Reestimator domain.Reestimator
	IdleHandler domain.IdleHandler
	JobLog      joblog.JobLog
	// Defaults to clock.RealClock.
	Clock clock.WithTickerAndDelayedExecution
}

// Scheduler that admits, queues and dispatches jobs onto a fixed set of nodes.
//
// Scheduler Concurrency: The Scheduler runs an update loop in its own go routine.
// Public methods post a request on eventCh and wait for the loop's reply.
// Executors, probes, idle handlers and job log writes run via async.Runner in
// their own go routines; nothing in async functions should read or modify
// scheduler state directly. Their callbacks, like timer events, are executed
// as part of the scheduler loop and can safely read & modify scheduler state.
type statefulScheduler struct {
	config      *SchedulerConfiguration
	clock       clock.WithTickerAndDelayedExecution
	asyncRunner async.Runner
	eventCh     chan interface{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once

	executors   map[domain.JobType]domain.Executor
	prober      domain.Prober
	fallback    domain.FallbackProvider
	reestimator domain.Reestimator
	idleHandler domain.IdleHandler

	// Scheduler State
	queue       *priorityQueue
	rateLimiter *RateLimiter
	retry       *retryCoordinator
	monitor     *resourceMonitor
	recovery    *failureRecovery
	limiter     *rate.Limiter // nil when dispatch is unthrottled
	wakeTimer   clock.Timer

	seq       uint64
	jobs      map[string]*jobState // every queued, parked or running job
	parked    map[string]*jobState // jobs waiting on a retry timer
	userJobs  map[string]int       // user to number of jobs in jobs
	history   *lru.Cache           // finished jobs by id
	durations *lru.Cache           // job type to *averageDuration of successful runs

	jobLog        joblog.JobLog
	jobLogBacklog []joblog.Entry
	jobLogWriting bool

	stat stats.StatsReceiver
}

var _ Scheduler = &statefulScheduler{}

func (s *statefulScheduler) String() string {
	return fmt.Sprintf("%s, num executors: %d, prober: %t, joblog: %t",
		s.config, len(s.executors), s.prober != nil, s.jobLog != nil)
}

// Create a New StatefulScheduler that implements the Scheduler interface
// specifying debugMode true, starts the scheduler up but does not start
// the update loop.  Instead the loop must be advanced manually by calling
// step(), intended for debugging and test cases
func NewStatefulScheduler(
	config SchedulerConfiguration,
	collab Collaborators,
	stat stats.StatsReceiver,
) (*statefulScheduler, error) {
	config = config.withDefaults()
	if len(config.Nodes) == 0 {
		return nil, errors.New("no nodes configured")
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	clk := collab.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	fallback := collab.Fallback
	if fallback == nil {
		fallback = NewDefaultFallbacks()
	}

	seen := map[string]bool{}
	for _, nc := range config.Nodes {
		if seen[nc.ID] {
			return nil, errors.Errorf("duplicate node %q", nc.ID)
		}
		seen[nc.ID] = true
		for _, t := range nc.Types {
			if _, ok := collab.Executors[t]; !ok {
				return nil, errors.Errorf("node %s serves %s but no executor is registered for it", nc.ID, t)
			}
		}
	}
	if config.CPUFallback.Enabled {
		for _, t := range config.CPUFallback.Types {
			if _, ok := collab.Executors[t]; !ok {
				return nil, errors.Errorf("cpu fallback covers %s but no executor is registered for it", t)
			}
		}
	}

	maxConcurrent := make(map[domain.JobType]int, len(config.Types))
	policies := make(map[domain.JobType]domain.RetryPolicy, len(config.Types))
	for t, tc := range config.Types {
		maxConcurrent[t] = tc.MaxConcurrent
		policies[t] = tc.Retry
	}

	rateLimiter, err := NewRateLimiter(config.RateLimits, clk)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rate limiter")
	}
	history, err := lru.New(config.MaxJobHistory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create job history cache")
	}
	durations, err := lru.New(len(domain.JobTypes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create duration cache")
	}
	var limiter *rate.Limiter
	if config.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.DispatchRate), config.DispatchBurst)
	}

	sched := &statefulScheduler{
		config:      &config,
		clock:       clk,
		asyncRunner: async.NewRunner(),
		eventCh:     make(chan interface{}, eventChSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),

		executors:   collab.Executors,
		prober:      collab.Prober,
		fallback:    fallback,
		reestimator: collab.Reestimator,
		idleHandler: collab.IdleHandler,

		queue:       newPriorityQueue(),
		rateLimiter: rateLimiter,
		retry:       newRetryCoordinator(policies),
		monitor: newResourceMonitor(config.Nodes, config.Resources, maxConcurrent,
			config.CPUFallback.MaxConcurrent, clk.Now(), stat),
		recovery: newFailureRecovery(config.Health, stat),
		limiter:  limiter,

		jobs:      map[string]*jobState{},
		parked:    map[string]*jobState{},
		userJobs:  map[string]int{},
		history:   history,
		durations: durations,
		jobLog:    collab.JobLog,
		stat:      stat,
	}

	log.Info(sched)

	if !config.DebugMode {
		// start the scheduler loop
		log.Info("Starting scheduler loop")
		go func() {
			sched.loop()
		}()
	}
	return sched, nil
}

func generateJobId() string {
	// uuid.NewV4() should never actually return an error the code uses
	// rand.Read Api to generate the uuid, which according to golang docs
	// "Read always returns ... a nil error" https://golang.org/pkg/math/rand/#Read
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}

// Requests and events handled by the loop.
type submitReq struct {
	job      domain.Job
	resultCh chan submitReply
}

type submitReply struct {
	result domain.SubmitResult
	err    error
}

type cancelReq struct {
	jobID    string
	resultCh chan error
}

type statusReq struct {
	jobID    string
	resultCh chan statusReply
}

type statusReply struct {
	status domain.JobStatus
	err    error
}

type nodesReq struct {
	resultCh chan []domain.NodeStatus
}

type metricsReq struct {
	nodeID   string
	metrics  domain.NodeMetrics
	resultCh chan error
}

type retryReadyMsg struct {
	jobID string
}

type progressMsg struct {
	jobID    string
	attempt  int
	progress float64
}

type wakeMsg struct{}

type probeTimeoutMsg struct {
	nodeID string
	gen    uint64
}

type releaseHoldMsg struct {
	nodeID string
	heldAt time.Time
}

// post hands an event to the loop, returning false once stopped.
func (s *statefulScheduler) post(ev interface{}) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.eventCh <- ev:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *statefulScheduler) Submit(job domain.Job) (domain.SubmitResult, error) {
	defer s.stat.Latency(stats.SchedSubmitLatency_ms).Time().Stop()
	s.stat.Counter(stats.SchedSubmitCounter).Inc(1)

	resultCh := s.sendSubmit(job)
	select {
	case rsp := <-resultCh:
		return rsp.result, rsp.err
	case <-s.doneCh:
		return domain.SubmitResult{JobID: job.ID, Reason: domain.ErrSchedulerStopped.Error()}, domain.ErrSchedulerStopped
	}
}

func (s *statefulScheduler) sendSubmit(job domain.Job) chan submitReply {
	resultCh := make(chan submitReply, 1)
	if !s.post(submitReq{job: job, resultCh: resultCh}) {
		resultCh <- submitReply{
			result: domain.SubmitResult{JobID: job.ID, Reason: domain.ErrSchedulerStopped.Error()},
			err:    domain.ErrSchedulerStopped,
		}
	}
	return resultCh
}

func (s *statefulScheduler) CancelJob(jobID string) error {
	select {
	case err := <-s.sendCancel(jobID):
		return err
	case <-s.doneCh:
		return domain.ErrSchedulerStopped
	}
}

func (s *statefulScheduler) sendCancel(jobID string) chan error {
	resultCh := make(chan error, 1)
	if !s.post(cancelReq{jobID: jobID, resultCh: resultCh}) {
		resultCh <- domain.ErrSchedulerStopped
	}
	return resultCh
}

func (s *statefulScheduler) GetStatus(jobID string) (domain.JobStatus, error) {
	select {
	case rsp := <-s.sendStatus(jobID):
		return rsp.status, rsp.err
	case <-s.doneCh:
		return domain.JobStatus{}, domain.ErrSchedulerStopped
	}
}

func (s *statefulScheduler) sendStatus(jobID string) chan statusReply {
	resultCh := make(chan statusReply, 1)
	if !s.post(statusReq{jobID: jobID, resultCh: resultCh}) {
		resultCh <- statusReply{err: domain.ErrSchedulerStopped}
	}
	return resultCh
}

// NodeStatuses returns nil once the scheduler is stopped.
func (s *statefulScheduler) NodeStatuses() []domain.NodeStatus {
	resultCh := make(chan []domain.NodeStatus, 1)
	if !s.post(nodesReq{resultCh: resultCh}) {
		return nil
	}
	select {
	case nodes := <-resultCh:
		return nodes
	case <-s.doneCh:
		return nil
	}
}

func (s *statefulScheduler) UpdateNodeMetrics(nodeID string, metrics domain.NodeMetrics) error {
	resultCh := make(chan error, 1)
	if !s.post(metricsReq{nodeID: nodeID, metrics: metrics, resultCh: resultCh}) {
		return domain.ErrSchedulerStopped
	}
	select {
	case err := <-resultCh:
		return err
	case <-s.doneCh:
		return domain.ErrSchedulerStopped
	}
}

// reportProgress is handed to executors. It never blocks, progress is
// dropped when the loop is backed up.
func (s *statefulScheduler) reportProgress(jobID string, attempt int, progress float64) {
	select {
	case s.eventCh <- progressMsg{jobID: jobID, attempt: attempt, progress: progress}:
	default:
	}
}

func (s *statefulScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.config.DebugMode {
			s.shutdown()
		}
	})
	<-s.doneCh
}

func (s *statefulScheduler) loop() {
	defer s.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stats.ReportUptime(ctx, s.clock, s.stat, stats.SchedUptime_ms, stats.SchedServerStartedGauge)

	s.probeAll()
	healthTicker := s.clock.NewTicker(s.config.Health.Interval)
	defer healthTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.eventCh:
			s.handleEvent(ev)
		case <-s.asyncRunner.Ready():
		case <-healthTicker.C():
			s.healthTick()
		}
		s.step()
	}
}

// step handles pending events and completed async work, then runs a dispatch pass.
func (s *statefulScheduler) step() {
	defer s.stat.Latency(stats.SchedStepLatency_ms).Time().Stop()

	s.drainEvents()
	s.asyncRunner.ProcessMessages()
	s.dispatch()
	s.flushJobLog()
	s.updateStats()
}

func (s *statefulScheduler) drainEvents() {
	for {
		select {
		case ev := <-s.eventCh:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *statefulScheduler) handleEvent(ev interface{}) {
	switch ev := ev.(type) {
	case submitReq:
		result, err := s.admit(ev.job)
		ev.resultCh <- submitReply{result: result, err: err}
	case cancelReq:
		ev.resultCh <- s.cancel(ev.jobID)
	case statusReq:
		st, err := s.status(ev.jobID)
		ev.resultCh <- statusReply{status: st, err: err}
	case nodesReq:
		ev.resultCh <- s.nodeStatuses()
	case metricsReq:
		ev.resultCh <- s.applyMetrics(ev.nodeID, ev.metrics)
	case retryReadyMsg:
		s.handleRetryReady(ev.jobID)
	case progressMsg:
		s.handleProgress(ev)
	case wakeMsg:
		s.wakeTimer = nil
	case probeTimeoutMsg:
		s.probeTimedOut(ev)
	case releaseHoldMsg:
		s.releaseHold(ev)
	default:
		log.Errorf("Unknown scheduler event %T", ev)
	}
}

func (s *statefulScheduler) healthTick() {
	s.probeAll()
	s.sweepTimeouts()
	s.checkIdle()
}

// admit runs a submission through validation, node availability, rate
// limits and queue depth, in that order, then enqueues it and dispatches.
func (s *statefulScheduler) admit(job domain.Job) (domain.SubmitResult, error) {
	if job.ID == "" {
		job.ID = generateJobId()
	}
	if job.Tier == "" {
		job.Tier = domain.Free
	}
	result := domain.SubmitResult{JobID: job.ID}

	if err := s.validate(job); err != nil {
		s.stat.Counter(stats.SchedRejectedInvalidCounter).Inc(1)
		return s.reject(result, job, err)
	}
	if !s.hasRoute(job.Type) {
		s.stat.Counter(stats.SchedRejectedNodeUnavailableCounter).Inc(1)
		return s.reject(result, job, errors.Wrapf(domain.ErrNodeUnavailable, "no admitting node serves %s", job.Type))
	}

	_, userActive := s.userJobs[job.UserID]
	decision := s.rateLimiter.Check(CheckRequest{
		UserID: job.UserID,
		Tier:   job.Tier,
		Type:   job.Type,
		Usage: Usage{
			ActiveUsers: len(s.userJobs),
			UserActive:  userActive,
			Queued:      s.queue.Total() + len(s.parked),
		},
	})
	if !decision.Allowed {
		if decision.Scope == domain.GlobalScope {
			s.stat.Counter(stats.SchedRejectedGlobalLimitCounter).Inc(1)
		} else {
			s.stat.Counter(stats.SchedRejectedUserLimitCounter).Inc(1)
		}
		return s.reject(result, job, decision.Err())
	}

	if max := s.config.Types[job.Type].MaxQueueSize; max > 0 && s.queuedOfType(job.Type) >= max {
		s.rateLimiter.Refund(job.UserID, job.Tier, job.Type)
		s.stat.Counter(stats.SchedRejectedQueueFullCounter).Inc(1)
		return s.reject(result, job, errors.Wrapf(domain.ErrQueueFull, "%s queue holds %d jobs", job.Type, max))
	}

	job.CreatedAt = s.clock.Now()
	job.RetryCount = 0
	s.seq++
	js := newJobState(job, s.seq)
	s.jobs[job.ID] = js
	s.userJobs[job.UserID]++
	s.enqueue(js)

	s.stat.Counter(stats.SchedAcceptedJobsCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"jobID":    job.ID,
			"userID":   job.UserID,
			"jobType":  job.Type,
			"priority": job.Priority,
			"tier":     job.Tier,
		}).Info("Accepted job")
	s.logJob(js, joblog.Accepted, nil)

	s.dispatch()

	result.Accepted = true
	result.EstimatedWait = s.estimateWait(js)
	return result, nil
}

func (s *statefulScheduler) reject(result domain.SubmitResult, job domain.Job, err error) (domain.SubmitResult, error) {
	result.Reason = err.Error()
	log.WithFields(
		log.Fields{
			"jobID":   job.ID,
			"userID":  job.UserID,
			"jobType": job.Type,
			"err":     err,
		}).Info("Rejected job")
	return result, err
}

func (s *statefulScheduler) validate(job domain.Job) error {
	switch {
	case !job.Type.Valid():
		return errors.Wrapf(domain.ErrInvalidJob, "unknown job type %q", job.Type)
	case !job.Priority.Valid():
		return errors.Wrapf(domain.ErrInvalidJob, "unknown priority %d", job.Priority)
	case job.UserID == "":
		return errors.Wrap(domain.ErrInvalidJob, "missing user")
	case job.Tier != domain.Free && job.Tier != domain.Paid:
		return errors.Wrapf(domain.ErrInvalidJob, "unknown tier %q", job.Tier)
	case job.EstimatedVRAMMB < 0 || job.EstimatedDuration < 0:
		return errors.Wrap(domain.ErrInvalidJob, "negative resource estimate")
	}
	if _, ok := s.jobs[job.ID]; ok || s.history.Contains(job.ID) {
		return errors.Wrapf(domain.ErrInvalidJob, "duplicate job id %s", job.ID)
	}
	if served, fits := s.fitsAnywhere(job); served && !fits {
		return errors.Wrapf(domain.ErrInvalidJob, "estimated %dMB VRAM exceeds every node serving %s",
			job.EstimatedVRAMMB, job.Type)
	}
	return nil
}

// placement is a node a job type may run on, degraded when it is a cpu
// node standing in for unavailable gpu nodes.
type placement struct {
	ns       *nodeState
	degraded bool
}

// candidates returns the nodes serving jobType in node order, followed by
// cpu fallback nodes when the type allows it and no gpu node serving it admits.
func (s *statefulScheduler) candidates(jobType domain.JobType) []placement {
	var candidates []placement
	gpuAdmitting := false
	for _, ns := range s.monitor.order {
		if ns.serves(jobType) {
			candidates = append(candidates, placement{ns: ns})
			if ns.config.Kind == domain.GPU && ns.health.Admitting() {
				gpuAdmitting = true
			}
		}
	}
	if gpuAdmitting || !s.config.CPUFallback.covers(jobType) {
		return candidates
	}
	for _, ns := range s.monitor.order {
		if ns.config.Kind == domain.CPU && !ns.serves(jobType) {
			candidates = append(candidates, placement{ns: ns, degraded: true})
		}
	}
	return candidates
}

// hasRoute reports whether some node could take jobType now or once it frees up.
func (s *statefulScheduler) hasRoute(jobType domain.JobType) bool {
	for _, c := range s.candidates(jobType) {
		if c.ns.health.Admitting() {
			return true
		}
	}
	return false
}

func (s *statefulScheduler) fitsAnywhere(job domain.Job) (served, fits bool) {
	fallback := s.config.CPUFallback.covers(job.Type)
	for _, ns := range s.monitor.order {
		if ns.serves(job.Type) {
			served = true
			if s.monitor.Fits(ns, job) {
				return true, true
			}
		} else if fallback && ns.config.Kind == domain.CPU {
			return true, true
		}
	}
	return served, false
}

func (s *statefulScheduler) queuedOfType(jobType domain.JobType) int {
	n := s.queue.Len(jobType)
	for _, js := range s.parked {
		if js.Job.Type == jobType {
			n++
		}
	}
	return n
}

func (s *statefulScheduler) enqueue(js *jobState) {
	js.Job.Status = domain.Queued
	s.queue.Enqueue(js)
}

// estimateWait is 0 for a job that already started, otherwise the number of
// rounds of the type's slots ahead of it times its average run time.
func (s *statefulScheduler) estimateWait(js *jobState) time.Duration {
	if js.Job.Status != domain.Queued {
		return 0
	}
	pos := s.queue.Position(js.Job.ID)
	if pos == 0 {
		return 0
	}
	slots := 0
	for _, c := range s.candidates(js.Job.Type) {
		if c.ns.health.Admitting() {
			slots += s.monitor.MaxConcurrent(c.ns, js.Job.Type, c.degraded)
		}
	}
	if slots < 1 {
		slots = 1
	}
	avg := js.Job.EstimatedDuration
	if iface, ok := s.durations.Get(js.Job.Type); ok {
		avg = iface.(*averageDuration).duration
	}
	rounds := (pos + slots - 1) / slots
	return time.Duration(rounds) * avg
}

func (s *statefulScheduler) recordDuration(jobType domain.JobType, d time.Duration) {
	if iface, ok := s.durations.Get(jobType); ok {
		iface.(*averageDuration).update(d)
		return
	}
	ad := &averageDuration{}
	ad.update(d)
	s.durations.Add(jobType, ad)
}

// dispatch starts every queued job that has a node with headroom, visiting
// types in fixed order. Jobs that can't be placed keep their queue position.
func (s *statefulScheduler) dispatch() {
	for _, t := range domain.JobTypes {
		candidates := s.candidates(t)
		if len(candidates) == 0 {
			continue
		}
		for {
			var target placement
			js := s.queue.DequeueEligible(t, func(js *jobState) bool {
				for _, c := range candidates {
					if c.ns.dispatchable() && s.monitor.HasHeadroom(c.ns, js.Job, c.degraded) {
						target = c
						return true
					}
				}
				return false
			})
			if js == nil {
				break
			}
			if !s.dispatchAllowed() {
				// ordering is by (priority, CreatedAt, seq) so it goes back to the same place
				s.queue.Enqueue(js)
				return
			}
			s.start(js, target)
		}
	}
}

// dispatchAllowed takes a token from the global dispatch limiter. When none is
// left it arms a wake timer for when the next one is due.
func (s *statefulScheduler) dispatchAllowed() bool {
	if s.limiter == nil {
		return true
	}
	now := s.clock.Now()
	if s.limiter.AllowN(now, 1) {
		return true
	}
	s.stat.Counter(stats.SchedDispatchThrottledCounter).Inc(1)
	if s.wakeTimer == nil {
		r := s.limiter.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)
		s.wakeTimer = s.clock.AfterFunc(delay, func() { s.post(wakeMsg{}) })
	}
	return false
}

// contextWithTimeout returns a context cancelled with errExecutionTimeout
// once timeout elapses on the scheduler's clock. 0 means no timeout.
func (s *statefulScheduler) contextWithTimeout(timeout time.Duration) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	if timeout <= 0 {
		return ctx, cancel
	}
	timer := s.clock.AfterFunc(timeout, func() { cancel(errExecutionTimeout) })
	return ctx, func(cause error) {
		timer.Stop()
		cancel(cause)
	}
}

// start moves js onto the target node and hands it to the executor.
func (s *statefulScheduler) start(js *jobState, target placement) {
	now := s.clock.Now()
	job := &js.Job
	job.Status = domain.Running
	js.Attempt++
	js.NodeID = target.ns.config.ID
	js.Degraded = target.degraded
	js.Progress = 0
	js.TimeStarted = now
	if js.FirstStartedAt.IsZero() {
		js.FirstStartedAt = now
		s.stat.Latency(stats.SchedQueueWaitLatency_ms).Observe(now.Sub(job.CreatedAt))
	}
	s.monitor.Admit(target.ns, js)

	tc := s.config.Types[job.Type]
	ctx, cancel := s.contextWithTimeout(tc.ExecutionTimeout)
	js.cancel = cancel

	jobID, attempt := job.ID, js.Attempt
	assignment := domain.Assignment{
		Job:      *job,
		NodeID:   js.NodeID,
		Attempt:  attempt,
		Degraded: js.Degraded,
		Progress: func(p float64) { s.reportProgress(jobID, attempt, p) },
	}
	executor := s.executors[job.Type]

	s.stat.Counter(stats.SchedDispatchedCounter).Inc(1)
	if js.Degraded {
		s.stat.Counter(stats.SchedDegradedDispatchCounter).Inc(1)
	}
	log.WithFields(
		log.Fields{
			"jobID":      jobID,
			"userID":     job.UserID,
			"jobType":    job.Type,
			"node":       js.NodeID,
			"attempt":    attempt,
			"retryCount": job.RetryCount,
			"degraded":   js.Degraded,
		}).Info("Starting job")
	s.logJob(js, joblog.Started, nil)

	var out domain.Output
	s.asyncRunner.RunAsync(
		func() (err error) {
			out, err = executor.Execute(ctx, assignment)
			return err
		},
		func(err error) {
			cause := context.Cause(ctx)
			cancel(nil)
			if err != nil && cause == errExecutionTimeout {
				err = errors.Wrapf(err, "execution exceeded %v", tc.ExecutionTimeout)
			}
			s.onComplete(js, attempt, out, err)
		})
}

// onComplete handles the executor's return for one attempt.
func (s *statefulScheduler) onComplete(js *jobState, attempt int, out domain.Output, err error) {
	if js.Job.Status != domain.Running || js.Attempt != attempt {
		log.WithFields(
			log.Fields{
				"jobID":   js.Job.ID,
				"attempt": attempt,
				"err":     err,
			}).Info("Ignoring completion of a failed over attempt")
		return
	}
	now := s.clock.Now()
	s.stat.Latency(stats.SchedRunLatency_ms).Observe(now.Sub(js.TimeStarted))
	if ns, ok := s.monitor.node(js.NodeID); ok {
		s.monitor.Release(ns, js, now)
	}
	js.cancel = nil

	switch {
	case js.CancelRequested:
		s.finish(js, domain.Cancelled, nil, domain.ErrCancelled)
	case err == nil:
		js.Progress = 1
		s.recordDuration(js.Job.Type, now.Sub(js.TimeStarted))
		s.finish(js, domain.Succeeded, &out, nil)
	default:
		outage := domain.IsNodeOutage(err)
		if ns, ok := s.monitor.node(js.NodeID); ok && outage {
			s.holdNode(ns, err)
		}
		s.handleFailure(js, err, outage)
	}
}

// holdNode stops dispatch to a node whose executor reported an outage. With
// a prober the report counts as a health miss and the hold lifts on the next
// passing check. Without one it lifts after a health interval.
func (s *statefulScheduler) holdNode(ns *nodeState, cause error) {
	now := s.clock.Now()
	nodeID := ns.config.ID
	ns.outageHeld = true
	ns.heldAt = now
	ns.heldGen = ns.probeGen
	s.stat.Scope("node", nodeID).Counter(stats.NodeOutageHoldCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"node":   nodeID,
			"health": ns.health,
			"err":    cause,
		}).Warn("Executor reported node outage, holding dispatch")

	if s.prober == nil {
		s.clock.AfterFunc(s.config.Health.Interval, func() { s.post(releaseHoldMsg{nodeID: nodeID, heldAt: now}) })
		return
	}
	from, to := s.recovery.Observe(ns, false, now)
	if to == domain.Unhealthy && from != domain.Unhealthy {
		s.failOver(ns, cause)
	}
}

func (s *statefulScheduler) releaseHold(msg releaseHoldMsg) {
	ns, ok := s.monitor.node(msg.nodeID)
	if !ok || !ns.outageHeld || !ns.heldAt.Equal(msg.heldAt) {
		return
	}
	s.liftHold(ns)
}

func (s *statefulScheduler) liftHold(ns *nodeState) {
	ns.outageHeld = false
	log.WithFields(
		log.Fields{
			"node":   ns.config.ID,
			"health": ns.health,
		}).Info("Lifting outage hold")
}

// handleFailure acts on the retry coordinator's decision for a failed attempt.
// The job must not be in a queue or on a node.
func (s *statefulScheduler) handleFailure(js *jobState, err error, outage bool) {
	js.LastErr = err
	if js.CancelRequested {
		s.finish(js, domain.Cancelled, nil, domain.ErrCancelled)
		return
	}

	logFields := log.Fields{
		"jobID":      js.Job.ID,
		"userID":     js.Job.UserID,
		"jobType":    js.Job.Type,
		"node":       js.NodeID,
		"attempt":    js.Attempt,
		"retryCount": js.Job.RetryCount,
		"err":        err,
	}
	decision := s.retry.HandleFailure(js.Job, err, outage)
	switch decision.outcome {
	case requeueNow:
		s.stat.Counter(stats.SchedOutageRequeueCounter).Inc(1)
		log.WithFields(logFields).Info("Requeueing job after node outage")
		s.logJob(js, joblog.Requeued, err)
		s.enqueue(js)
	case retryLater:
		s.stat.Counter(stats.SchedRetriedCounter).Inc(1)
		logFields["delay"] = decision.delay
		log.WithFields(logFields).Info("Retrying job after backoff")
		s.logJob(js, joblog.RetryScheduled, err)
		js.Job.Status = domain.Queued
		if decision.delay <= 0 {
			s.requeueRetry(js)
			return
		}
		jobID := js.Job.ID
		js.retryTimer = s.clock.AfterFunc(decision.delay, func() { s.post(retryReadyMsg{jobID: jobID}) })
		s.parked[jobID] = js
	default:
		var out *domain.Output
		if fb, ok := s.fallback.Fallback(js.Job); ok {
			out = &fb
			s.stat.Counter(stats.SchedFallbackCounter).Inc(1)
		}
		s.finish(js, domain.Failed, out, decision.err)
	}
}

func (s *statefulScheduler) handleRetryReady(jobID string) {
	js, ok := s.parked[jobID]
	if !ok {
		return
	}
	delete(s.parked, jobID)
	js.retryTimer = nil
	s.requeueRetry(js)
}

func (s *statefulScheduler) requeueRetry(js *jobState) {
	js.Job.RetryCount++
	if s.reestimator != nil {
		revised := s.reestimator.Reestimate(js.Job, js.LastErr)
		js.Job.EstimatedVRAMMB = revised.EstimatedVRAMMB
		js.Job.EstimatedDuration = revised.EstimatedDuration
	}
	s.enqueue(js)
}

func (s *statefulScheduler) handleProgress(msg progressMsg) {
	js, ok := s.jobs[msg.jobID]
	if !ok || js.Job.Status != domain.Running || js.Attempt != msg.attempt {
		return
	}
	p := msg.progress
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	js.Progress = p
}

// finish moves a job to a terminal state and into the history.
func (s *statefulScheduler) finish(js *jobState, status domain.Status, out *domain.Output, err error) {
	js.Job.Status = status
	js.Output = out
	js.Err = err
	js.TimeEnded = s.clock.Now()
	js.cancel = nil
	js.retryTimer = nil

	delete(s.jobs, js.Job.ID)
	if n := s.userJobs[js.Job.UserID] - 1; n > 0 {
		s.userJobs[js.Job.UserID] = n
	} else {
		delete(s.userJobs, js.Job.UserID)
	}
	s.history.Add(js.Job.ID, js)

	fields := log.Fields{
		"jobID":      js.Job.ID,
		"userID":     js.Job.UserID,
		"jobType":    js.Job.Type,
		"node":       js.NodeID,
		"attempts":   js.Attempt,
		"retryCount": js.Job.RetryCount,
		"status":     status,
	}
	switch status {
	case domain.Succeeded:
		s.stat.Counter(stats.SchedSucceededCounter).Inc(1)
		log.WithFields(fields).Info("Job succeeded")
		s.logJob(js, joblog.Succeeded, nil)
	case domain.Cancelled:
		s.stat.Counter(stats.SchedCancelledCounter).Inc(1)
		log.WithFields(fields).Info("Job cancelled")
		s.logJob(js, joblog.Cancelled, nil)
	default:
		s.stat.Counter(stats.SchedFailedCounter).Inc(1)
		fields["err"] = err
		fields["fallback"] = out != nil
		log.WithFields(fields).Info("Job failed")
		s.logJob(js, joblog.Failed, err)
	}
}

func (s *statefulScheduler) cancel(jobID string) error {
	js, ok := s.jobs[jobID]
	if !ok {
		if s.history.Contains(jobID) {
			return errors.Wrapf(domain.ErrJobFinished, "job %s", jobID)
		}
		return errors.Wrapf(domain.ErrJobNotFound, "job %s", jobID)
	}

	switch {
	case js.Job.Status == domain.Running:
		// The slot stays held until the executor returns.
		if !js.CancelRequested {
			js.CancelRequested = true
			js.cancel(domain.ErrCancelled)
			log.WithFields(
				log.Fields{
					"jobID": jobID,
					"node":  js.NodeID,
				}).Info("Cancelling running job")
		}
	case js.parked():
		js.retryTimer.Stop()
		delete(s.parked, jobID)
		js.CancelRequested = true
		s.finish(js, domain.Cancelled, nil, domain.ErrCancelled)
	default:
		s.queue.Remove(jobID)
		js.CancelRequested = true
		s.finish(js, domain.Cancelled, nil, domain.ErrCancelled)
	}
	return nil
}

func (s *statefulScheduler) status(jobID string) (domain.JobStatus, error) {
	if js, ok := s.jobs[jobID]; ok {
		st := js.status()
		st.QueuePosition = s.queue.Position(jobID)
		return st, nil
	}
	if iface, ok := s.history.Get(jobID); ok {
		return iface.(*jobState).status(), nil
	}
	return domain.JobStatus{JobID: jobID}, errors.Wrapf(domain.ErrJobNotFound, "job %s", jobID)
}

func (s *statefulScheduler) nodeStatuses() []domain.NodeStatus {
	statuses := make([]domain.NodeStatus, 0, len(s.monitor.order))
	for _, ns := range s.monitor.order {
		statuses = append(statuses, s.monitor.Status(ns))
	}
	return statuses
}

func (s *statefulScheduler) applyMetrics(nodeID string, metrics domain.NodeMetrics) error {
	ns, ok := s.monitor.node(nodeID)
	if !ok {
		return errors.Errorf("unknown node %q", nodeID)
	}
	s.monitor.ApplySample(ns, metrics)
	return nil
}

// probeAll starts a probe for every node without one in flight.
func (s *statefulScheduler) probeAll() {
	if s.prober == nil {
		return
	}
	for _, ns := range s.monitor.order {
		if !ns.probing {
			s.probe(ns)
		}
	}
}

// probe starts one health check of ns. When the timeout passes first the
// check is scored as a miss in the loop and whatever it returns later is dropped.
func (s *statefulScheduler) probe(ns *nodeState) {
	ns.probing = true
	ns.probeGen++
	gen := ns.probeGen
	nodeID := ns.config.ID
	nodeStat := s.stat.Scope("node", nodeID)
	nodeStat.Counter(stats.NodeProbeCounter).Inc(1)

	ctx, cancel := context.WithCancelCause(context.Background())
	var timer clock.Timer
	if timeout := s.config.Health.Timeout; timeout > 0 {
		timer = s.clock.AfterFunc(timeout, func() {
			cancel(errHealthTimeout)
			s.post(probeTimeoutMsg{nodeID: nodeID, gen: gen})
		})
	}
	started := s.clock.Now()
	var result domain.ProbeResult
	s.asyncRunner.RunAsync(
		func() (err error) {
			result, err = s.prober.Probe(ctx, nodeID)
			return err
		},
		func(err error) {
			if timer != nil {
				timer.Stop()
			}
			cancel(nil)
			if !ns.probing || ns.probeGen != gen {
				log.WithFields(
					log.Fields{
						"node": nodeID,
						"err":  err,
					}).Info("Dropping late health check result")
				return
			}
			ns.probing = false
			nodeStat.Latency(stats.NodeProbeLatency_ms).Observe(s.clock.Since(started))
			s.observeProbe(ns, gen, result, err)
		})
}

func (s *statefulScheduler) probeTimedOut(msg probeTimeoutMsg) {
	ns, ok := s.monitor.node(msg.nodeID)
	if !ok || !ns.probing || ns.probeGen != msg.gen {
		return
	}
	ns.probing = false
	s.stat.Scope("node", msg.nodeID).Counter(stats.NodeProbeTimeoutCounter).Inc(1)
	err := errors.Wrapf(errHealthTimeout, "no answer within %v", s.config.Health.Timeout)
	s.observeProbe(ns, msg.gen, domain.ProbeResult{}, err)
}

func (s *statefulScheduler) observeProbe(ns *nodeState, gen uint64, result domain.ProbeResult, err error) {
	ok := err == nil && result.OK
	if ok {
		s.monitor.ApplySample(ns, result.NodeMetrics)
		if ns.outageHeld && gen > ns.heldGen {
			s.liftHold(ns)
		}
	} else {
		log.WithFields(
			log.Fields{
				"node":   ns.config.ID,
				"health": ns.health,
				"err":    err,
			}).Warn("Node probe missed")
	}
	from, to := s.recovery.Observe(ns, ok, s.clock.Now())
	if to == domain.Unhealthy && from != domain.Unhealthy {
		if err == nil {
			err = errors.New("probe reported not ok")
		}
		s.failOver(ns, err)
	}
}

// failOver requeues every job running on a node that just went unhealthy.
// Their executors are cancelled and any later completion is ignored.
func (s *statefulScheduler) failOver(ns *nodeState, cause error) {
	now := s.clock.Now()
	for _, js := range ns.runningJobs() {
		if js.cancel != nil {
			js.cancel(errNodeFailedOver)
		}
		js.cancel = nil
		s.monitor.Release(ns, js, now)
		s.handleFailure(js, domain.NewNodeOutageError(ns.config.ID, cause), true)
	}
	log.WithFields(
		log.Fields{
			"node": ns.config.ID,
			"err":  cause,
		}).Warn("Node unhealthy, failed over its jobs")
}

// sweepTimeouts fails queued jobs accepted more than JobTimeout ago. Outage
// requeues don't reset the clock.
func (s *statefulScheduler) sweepTimeouts() {
	now := s.clock.Now()
	var expired []*jobState
	for _, t := range domain.JobTypes {
		s.queue.Each(t, func(js *jobState) {
			if now.Sub(js.Job.CreatedAt) >= s.config.JobTimeout {
				expired = append(expired, js)
			}
		})
	}
	for _, js := range expired {
		s.queue.Remove(js.Job.ID)
		waited := now.Sub(js.Job.CreatedAt)
		var err error
		if s.hasRoute(js.Job.Type) {
			err = errors.Wrapf(domain.ErrTimedOut, "job %s waited %v", js.Job.ID, waited)
		} else {
			err = errors.Wrapf(domain.ErrNodeUnavailable, "job %s waited %v with no admitting node for %s",
				js.Job.ID, waited, js.Job.Type)
		}
		s.stat.Counter(stats.SchedTimedOutCounter).Inc(1)
		s.finish(js, domain.Failed, nil, err)
	}
}

// checkIdle invokes the idle handler once per idle period for nodes idle past the idle timeout.
func (s *statefulScheduler) checkIdle() {
	if s.idleHandler == nil {
		return
	}
	for _, ns := range s.monitor.IdleNodes(s.clock.Now()) {
		ns.idleNotified = true
		nodeID := ns.config.ID
		s.stat.Scope("node", nodeID).Counter(stats.NodeIdleUnloadCounter).Inc(1)
		ctx, cancel := s.contextWithTimeout(s.config.Health.Timeout)
		s.asyncRunner.RunAsync(
			func() error {
				return s.idleHandler.Idle(ctx, nodeID)
			},
			func(err error) {
				cancel(nil)
				if err != nil {
					log.WithFields(
						log.Fields{
							"node": nodeID,
							"err":  err,
						}).Warn("Idle handler failed")
					return
				}
				log.WithFields(log.Fields{"node": nodeID}).Info("Node idle, handler ran")
			})
	}
}

func (s *statefulScheduler) logJob(js *jobState, entryType joblog.EntryType, err error) {
	if s.jobLog == nil {
		return
	}
	entry := joblog.Entry{
		JobID:      js.Job.ID,
		Type:       entryType,
		JobType:    js.Job.Type,
		UserID:     js.Job.UserID,
		NodeID:     js.NodeID,
		Attempt:    js.Attempt,
		RetryCount: js.Job.RetryCount,
		Degraded:   js.Degraded,
		Time:       s.clock.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.jobLogBacklog = append(s.jobLogBacklog, entry)
}

// flushJobLog writes the backlog on a worker, one batch at a time so
// entries land in the order they were logged.
func (s *statefulScheduler) flushJobLog() {
	if s.jobLog == nil || s.jobLogWriting || len(s.jobLogBacklog) == 0 {
		return
	}
	batch := s.jobLogBacklog
	s.jobLogBacklog = nil
	s.jobLogWriting = true
	s.asyncRunner.RunAsync(
		func() error {
			return appendEntries(s.jobLog, batch)
		},
		func(err error) {
			s.jobLogWriting = false
			s.stat.Counter(stats.JobLogWriteCounter).Inc(int64(len(batch)))
			if err != nil {
				s.countJobLogErr(err)
			}
		})
}

func (s *statefulScheduler) countJobLogErr(err error) {
	n := 1
	if merr, ok := err.(*multierror.Error); ok {
		n = merr.Len()
	}
	s.stat.Counter(stats.JobLogWriteErrCounter).Inc(int64(n))
	log.WithFields(log.Fields{"err": err}).Error("Failed to write job log")
}

func appendEntries(jl joblog.JobLog, entries []joblog.Entry) error {
	var result *multierror.Error
	for _, entry := range entries {
		if err := jl.Append(entry); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "job %s %s", entry.JobID, entry.Type))
		}
	}
	return result.ErrorOrNil()
}

func (s *statefulScheduler) updateStats() {
	running := map[domain.JobType]int{}
	for _, ns := range s.monitor.order {
		for t, n := range ns.runningCounts {
			running[t] += n
		}
		s.stat.Scope("node", ns.config.ID).Gauge(stats.NodeRunningJobsGauge).Update(int64(ns.totalRunning()))
	}
	for _, t := range domain.JobTypes {
		typeStat := s.stat.Scope(string(t))
		typeStat.Gauge(stats.SchedQueuedJobsGauge).Update(int64(s.queue.Len(t)))
		typeStat.Gauge(stats.SchedRunningJobsGauge).Update(int64(running[t]))
	}
	s.stat.Gauge(stats.SchedRetryWaitingJobsGauge).Update(int64(len(s.parked)))
	s.stat.Gauge(stats.SchedActiveUsersGauge).Update(int64(len(s.userJobs)))
}

// shutdown cancels running executions and pending timers. Queued jobs are dropped.
func (s *statefulScheduler) shutdown() {
	for _, js := range s.jobs {
		if js.cancel != nil {
			js.cancel(domain.ErrSchedulerStopped)
		}
		if js.retryTimer != nil {
			js.retryTimer.Stop()
		}
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
	}
	if s.jobLog != nil && len(s.jobLogBacklog) > 0 {
		if err := appendEntries(s.jobLog, s.jobLogBacklog); err != nil {
			s.countJobLogErr(err)
		}
		s.jobLogBacklog = nil
	}
	log.WithFields(
		log.Fields{
			"queued":  s.queue.Total(),
			"parked":  len(s.parked),
			"running": len(s.jobs) - s.queue.Total() - len(s.parked),
		}).Info("Scheduler stopped")
	close(s.doneCh)
}
