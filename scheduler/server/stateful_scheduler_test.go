package server

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/joblog"
	"github.com/twitter/gpusched/scheduler/domain"
)

type executorFunc func(ctx context.Context, a domain.Assignment) (domain.Output, error)

func (f executorFunc) Execute(ctx context.Context, a domain.Assignment) (domain.Output, error) {
	return f(ctx, a)
}

var succeed = executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
	return domain.Output{Data: []byte("done:" + a.Job.ID)}, nil
})

func executorsFor(e domain.Executor) map[domain.JobType]domain.Executor {
	executors := map[domain.JobType]domain.Executor{}
	for _, t := range domain.JobTypes {
		executors[t] = e
	}
	return executors
}

type execResult struct {
	out domain.Output
	err error
}

// blockingExecutor holds every attempt until the test finishes it or its
// context is done.
type blockingExecutor struct {
	mu      sync.Mutex
	waiting map[string]chan execResult
	started chan domain.Assignment
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		waiting: map[string]chan execResult{},
		started: make(chan domain.Assignment, 1000),
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, a domain.Assignment) (domain.Output, error) {
	ch := make(chan execResult, 1)
	e.mu.Lock()
	e.waiting[a.Job.ID] = ch
	e.mu.Unlock()
	e.started <- a
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return domain.Output{}, context.Cause(ctx)
	}
}

func (e *blockingExecutor) finish(t *testing.T, jobID string, err error) {
	t.Helper()
	e.mu.Lock()
	ch, ok := e.waiting[jobID]
	delete(e.waiting, jobID)
	e.mu.Unlock()
	require.True(t, ok, "job %s isn't executing", jobID)
	ch <- execResult{out: domain.Output{Data: []byte(jobID)}, err: err}
}

// objects needed to initialize a stateful scheduler
type schedulerDeps struct {
	config        SchedulerConfiguration
	collab        Collaborators
	clock         *testingclock.FakeClock
	statsRegistry stats.StatsRegistry
}

// returns default scheduler deps: one 24GB gpu node serving every type,
// executors that succeed at once, an in memory job log and a fake clock.
func getDefaultSchedDeps() *schedulerDeps {
	clk := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	return &schedulerDeps{
		config: SchedulerConfiguration{
			DebugMode: true,
			Nodes:     []NodeConfig{gpuNode("gpu-0", 24000, domain.JobTypes...)},
		},
		collab: Collaborators{
			Executors: executorsFor(succeed),
			JobLog:    joblog.MakeInMemoryJobLog(),
			Clock:     clk,
		},
		clock:         clk,
		statsRegistry: stats.NewFinagleStatsRegistry(),
	}
}

func (d *schedulerDeps) setType(jobType domain.JobType, tc TypeConfig) {
	if d.config.Types == nil {
		d.config.Types = map[domain.JobType]TypeConfig{}
	}
	d.config.Types[jobType] = tc
}

func makeStatefulSchedulerDeps(t *testing.T, deps *schedulerDeps) *statefulScheduler {
	statsReceiver := stats.NewStatsReceiver(deps.statsRegistry)
	s, err := NewStatefulScheduler(deps.config, deps.collab, statsReceiver)
	require.NoError(t, err)
	return s
}

func testJob(id string, jobType domain.JobType, p domain.Priority) domain.Job {
	return domain.Job{
		ID:                id,
		Type:              jobType,
		Priority:          p,
		UserID:            "user1",
		Tier:              domain.Paid,
		EstimatedDuration: 10 * time.Second,
	}
}

// submit runs a Submit through one step of the loop.
func submit(s *statefulScheduler, job domain.Job) (domain.SubmitResult, error) {
	resultCh := s.sendSubmit(job)
	s.step()
	rsp := <-resultCh
	return rsp.result, rsp.err
}

func mustSubmit(t *testing.T, s *statefulScheduler, job domain.Job) domain.SubmitResult {
	t.Helper()
	result, err := submit(s, job)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	return result
}

func stepUntil(t *testing.T, s *statefulScheduler, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.step()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, jobs: %s", render.Render(snapshot(s)))
		}
		time.Sleep(time.Millisecond)
	}
}

func snapshot(s *statefulScheduler) map[string]domain.JobStatus {
	statuses := map[string]domain.JobStatus{}
	for id := range s.jobs {
		statuses[id], _ = s.status(id)
	}
	return statuses
}

func jobStatus(t *testing.T, s *statefulScheduler, jobID string) domain.JobStatus {
	t.Helper()
	st, err := s.status(jobID)
	require.NoError(t, err)
	return st
}

func waitForStatus(t *testing.T, s *statefulScheduler, jobID string, status domain.Status) domain.JobStatus {
	t.Helper()
	stepUntil(t, s, func() bool {
		st, err := s.status(jobID)
		return err == nil && st.Status == status
	})
	return jobStatus(t, s, jobID)
}

func nextStarted(t *testing.T, e *blockingExecutor) domain.Assignment {
	t.Helper()
	select {
	case a := <-e.started:
		return a
	case <-time.After(5 * time.Second):
		t.Fatalf("no attempt started")
	}
	return domain.Assignment{}
}

func probeRound(t *testing.T, s *statefulScheduler) {
	t.Helper()
	s.healthTick()
	stepUntil(t, s, func() bool {
		for _, ns := range s.monitor.order {
			if ns.probing {
				return false
			}
		}
		return true
	})
}

// ensure a scheduler initializes to the correct state
func Test_StatefulScheduler_Initialize(t *testing.T) {
	s := makeStatefulSchedulerDeps(t, getDefaultSchedDeps())

	nodes := s.nodeStatuses()
	require.Len(t, nodes, 1)
	assert.Equal(t, "gpu-0", nodes[0].NodeID)
	assert.Equal(t, domain.Healthy, nodes[0].Health)
	assert.True(t, nodes[0].Admitting)
	assert.Equal(t, 0, s.queue.Total())

	assert.Equal(t, DefaultVRAMLimit, s.config.Resources.VRAMLimit)
	assert.Equal(t, DefaultJobTimeout, s.config.JobTimeout)
	assert.Equal(t, 2, s.config.Types[domain.LLM].MaxConcurrent)
}

func Test_StatefulScheduler_ConstructorErrors(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.collab.Executors = map[domain.JobType]domain.Executor{domain.LLM: succeed}
	_, err := NewStatefulScheduler(deps.config, deps.collab, nil)
	assert.Error(t, err)

	deps = getDefaultSchedDeps()
	deps.config.Nodes = append(deps.config.Nodes, deps.config.Nodes[0])
	_, err = NewStatefulScheduler(deps.config, deps.collab, nil)
	assert.Error(t, err)

	deps = getDefaultSchedDeps()
	deps.config.Nodes = nil
	_, err = NewStatefulScheduler(deps.config, deps.collab, nil)
	assert.Error(t, err)
}

func Test_StatefulScheduler_JobRunsToCompletion(t *testing.T) {
	deps := getDefaultSchedDeps()
	s := makeStatefulSchedulerDeps(t, deps)

	result := mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium))
	assert.Equal(t, "job1", result.JobID)
	assert.Equal(t, time.Duration(0), result.EstimatedWait)

	st := waitForStatus(t, s, "job1", domain.Succeeded)
	require.NotNil(t, st.Output)
	assert.Equal(t, "done:job1", string(st.Output.Data))
	assert.False(t, st.Output.Fallback)
	assert.Equal(t, 1.0, st.Progress)
	assert.Equal(t, "gpu-0", st.NodeID)
	assert.Empty(t, s.userJobs)

	stepUntil(t, s, func() bool {
		entries, _ := deps.collab.JobLog.Entries("job1")
		return len(entries) == 3 && !s.jobLogWriting
	})
	entries, _ := deps.collab.JobLog.Entries("job1")
	assert.Equal(t, joblog.Accepted, entries[0].Type)
	assert.Equal(t, joblog.Started, entries[1].Type)
	assert.Equal(t, "gpu-0", entries[1].NodeID)
	assert.Equal(t, joblog.Succeeded, entries[2].Type)

	stats.VerifyStats("completion", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedAcceptedJobsCounter:                   {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedDispatchedCounter:                     {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedSucceededCounter:                      {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedFailedCounter:                         {Checker: stats.DoesNotExistTest},
			stats.JobLogWriteCounter:                         {Checker: stats.Int64EqTest, Value: 3},
			"llm/" + stats.SchedRunningJobsGauge:             {Checker: stats.Int64EqTest, Value: 0},
			"node/gpu-0/" + stats.NodeRunningJobsGauge:       {Checker: stats.Int64EqTest, Value: 0},
			stats.SchedActiveUsersGauge:                      {Checker: stats.Int64EqTest, Value: 0},
			stats.SchedRunLatency_ms + ".count":              {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedQueueWaitLatency_ms + ".count":        {Checker: stats.Int64EqTest, Value: 1},
			"llm/" + stats.SchedQueuedJobsGauge:              {Checker: stats.Int64EqTest, Value: 0},
			stats.SchedRejectedInvalidCounter:                {Checker: stats.DoesNotExistTest},
			stats.SchedRejectedNodeUnavailableCounter:        {Checker: stats.DoesNotExistTest},
			stats.SchedRejectedQueueFullCounter:              {Checker: stats.DoesNotExistTest},
			stats.SchedRejectedUserLimitCounter:              {Checker: stats.DoesNotExistTest},
			stats.SchedRejectedGlobalLimitCounter:            {Checker: stats.DoesNotExistTest},
			stats.SchedRetriedCounter:                        {Checker: stats.DoesNotExistTest},
			stats.SchedOutageRequeueCounter:                  {Checker: stats.DoesNotExistTest},
			stats.SchedDegradedDispatchCounter:               {Checker: stats.DoesNotExistTest},
			stats.SchedDispatchThrottledCounter:              {Checker: stats.DoesNotExistTest},
			stats.SchedCancelledCounter:                      {Checker: stats.DoesNotExistTest},
			stats.SchedTimedOutCounter:                       {Checker: stats.DoesNotExistTest},
			stats.SchedFallbackCounter:                       {Checker: stats.DoesNotExistTest},
			stats.JobLogWriteErrCounter:                      {Checker: stats.DoesNotExistTest},
			"node/gpu-0/" + stats.NodeMarkedUnhealthyCounter: {Checker: stats.DoesNotExistTest},
		})
}

func Test_StatefulScheduler_GeneratesJobIDAndDefaultsTier(t *testing.T) {
	s := makeStatefulSchedulerDeps(t, getDefaultSchedDeps())
	job := testJob("", domain.TTS, domain.Low)
	job.Tier = ""
	result := mustSubmit(t, s, job)
	assert.NotEmpty(t, result.JobID)
	js, ok := s.jobs[result.JobID]
	require.True(t, ok)
	assert.Equal(t, domain.Free, js.Job.Tier)
}

func Test_StatefulScheduler_RejectsInvalidJobs(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.Nodes = []NodeConfig{gpuNode("gpu-0", 8000, domain.JobTypes...)}
	s := makeStatefulSchedulerDeps(t, deps)
	mustSubmit(t, s, testJob("dup", domain.LLM, domain.High))

	noUser := testJob("noUser", domain.LLM, domain.High)
	noUser.UserID = ""
	badType := testJob("badType", "video", domain.High)
	badPriority := testJob("badPriority", domain.LLM, domain.Priority(7))
	negative := testJob("negative", domain.LLM, domain.High)
	negative.EstimatedVRAMMB = -1
	badTier := testJob("badTier", domain.LLM, domain.High)
	badTier.Tier = "gold"
	tooBig := testJob("tooBig", domain.Image, domain.High)
	tooBig.EstimatedVRAMMB = 7000

	for _, job := range []domain.Job{noUser, badType, badPriority, negative, badTier, tooBig, testJob("dup", domain.LLM, domain.High)} {
		result, err := submit(s, job)
		assert.True(t, errors.Is(err, domain.ErrInvalidJob), "%s: %v", job.ID, err)
		assert.False(t, result.Accepted, job.ID)
		assert.NotEmpty(t, result.Reason, job.ID)
	}
	stats.VerifyStats("invalid", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedRejectedInvalidCounter: {Checker: stats.Int64EqTest, Value: 7},
			stats.SchedAcceptedJobsCounter:    {Checker: stats.Int64EqTest, Value: 1},
		})
}

// A high priority job waits for a running low priority job rather than preempting it.
func Test_StatefulScheduler_NoPreemption(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("J1", domain.LLM, domain.Low))
	assert.Equal(t, "J1", nextStarted(t, e).Job.ID)

	result := mustSubmit(t, s, testJob("J2", domain.LLM, domain.High))
	assert.Equal(t, 10*time.Second, result.EstimatedWait)
	st := jobStatus(t, s, "J2")
	assert.Equal(t, domain.Queued, st.Status)
	assert.Equal(t, 1, st.QueuePosition)
	assert.Equal(t, domain.Running, jobStatus(t, s, "J1").Status)

	e.finish(t, "J1", nil)
	waitForStatus(t, s, "J1", domain.Succeeded)
	assert.Equal(t, "J2", nextStarted(t, e).Job.ID)
	assert.Equal(t, domain.Running, jobStatus(t, s, "J2").Status)
}

func Test_StatefulScheduler_PriorityThenFIFO(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.TTS, TypeConfig{MaxConcurrent: 1})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("blocker", domain.TTS, domain.Low))
	nextStarted(t, e)
	for _, job := range []domain.Job{
		testJob("low1", domain.TTS, domain.Low),
		testJob("med1", domain.TTS, domain.Medium),
		testJob("high1", domain.TTS, domain.High),
		testJob("med2", domain.TTS, domain.Medium),
		testJob("high2", domain.TTS, domain.High),
	} {
		mustSubmit(t, s, job)
		deps.clock.Step(time.Millisecond)
	}
	assert.Equal(t, 3, jobStatus(t, s, "med1").QueuePosition)

	current := "blocker"
	var order []string
	for i := 0; i < 5; i++ {
		e.finish(t, current, nil)
		current = nextStarted(t, e).Job.ID
		order = append(order, current)
	}
	assert.Equal(t, []string{"high1", "high2", "med1", "med2", "low1"}, order)
}

// A job that doesn't fit doesn't hold back smaller jobs behind it.
func Test_StatefulScheduler_NoStarvationBehindIneligibleJob(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.Nodes = []NodeConfig{gpuNode("gpu-0", 10000, domain.JobTypes...)}
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)
	require.NoError(t, s.applyMetrics("gpu-0", domain.NodeMetrics{VRAMUsedRatio: 0.5}))

	big := testJob("big", domain.LLM, domain.High)
	big.EstimatedVRAMMB = 4000
	small := testJob("small", domain.LLM, domain.Low)
	small.EstimatedVRAMMB = 2000
	mustSubmit(t, s, big)
	mustSubmit(t, s, small)

	assert.Equal(t, "small", nextStarted(t, e).Job.ID)
	st := jobStatus(t, s, "big")
	assert.Equal(t, domain.Queued, st.Status)
	assert.Equal(t, 1, st.QueuePosition)

	// memory frees up
	require.NoError(t, s.applyMetrics("gpu-0", domain.NodeMetrics{VRAMUsedRatio: 0.2}))
	s.step()
	assert.Equal(t, "big", nextStarted(t, e).Job.ID)
}

func Test_StatefulScheduler_RateLimited(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.RateLimits = RateLimitConfig{Tiers: map[domain.Tier]TierLimits{
		domain.Free: {PerType: map[domain.JobType]RateRule{domain.LLM: {Limit: 2, Window: time.Hour}}},
	}}
	s := makeStatefulSchedulerDeps(t, deps)

	for i := 0; i < 2; i++ {
		job := testJob(fmt.Sprintf("job%d", i), domain.LLM, domain.Medium)
		job.Tier = domain.Free
		mustSubmit(t, s, job)
	}
	deps.clock.Step(10 * time.Minute)
	job := testJob("job2", domain.LLM, domain.Medium)
	job.Tier = domain.Free
	result, err := submit(s, job)
	assert.False(t, result.Accepted)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	var rlErr *domain.RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, domain.UserScope, rlErr.Scope)
	assert.Equal(t, 50*time.Minute, rlErr.RetryAfter)

	// paid users aren't limited for llm here
	mustSubmit(t, s, testJob("paid", domain.LLM, domain.Medium))

	stats.VerifyStats("ratelimit", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedRejectedUserLimitCounter: {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedAcceptedJobsCounter:      {Checker: stats.Int64EqTest, Value: 3},
		})
}

func Test_StatefulScheduler_GlobalUserCeiling(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.RateLimits = RateLimitConfig{MaxConcurrentUsers: 1}
	deps.collab.Executors = executorsFor(newBlockingExecutor())
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium))
	mustSubmit(t, s, testJob("job2", domain.LLM, domain.Medium))

	other := testJob("job3", domain.LLM, domain.Medium)
	other.UserID = "user2"
	_, err := submit(s, other)
	var rlErr *domain.RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, domain.GlobalScope, rlErr.Scope)
}

func Test_StatefulScheduler_QueueFullRefundsQuota(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1, MaxQueueSize: 1})
	deps.config.RateLimits = RateLimitConfig{Tiers: map[domain.Tier]TierLimits{
		domain.Paid: {PerType: map[domain.JobType]RateRule{domain.LLM: {Limit: 10, Window: time.Hour}}},
	}}
	deps.collab.Executors = executorsFor(newBlockingExecutor())
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("running", domain.LLM, domain.Medium))
	mustSubmit(t, s, testJob("queued", domain.LLM, domain.Medium))
	result, err := submit(s, testJob("full", domain.LLM, domain.Medium))
	assert.True(t, errors.Is(err, domain.ErrQueueFull))
	assert.False(t, result.Accepted)

	remaining, _ := s.rateLimiter.Remaining("user1", domain.Paid, domain.LLM)
	assert.Equal(t, 8, remaining)
	// other types have their own queue
	mustSubmit(t, s, testJob("tts", domain.TTS, domain.Medium))
}

// Outages don't burn quota: availability is checked first.
func Test_StatefulScheduler_NodeUnavailable(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.RateLimits = RateLimitConfig{Tiers: map[domain.Tier]TierLimits{
		domain.Paid: {PerType: map[domain.JobType]RateRule{domain.LLM: {Limit: 10, Window: time.Hour}}},
	}}
	s := makeStatefulSchedulerDeps(t, deps)
	ns, _ := s.monitor.node("gpu-0")
	ns.health = domain.Unhealthy

	result, err := submit(s, testJob("job1", domain.LLM, domain.High))
	assert.True(t, errors.Is(err, domain.ErrNodeUnavailable))
	assert.False(t, result.Accepted)
	remaining, _ := s.rateLimiter.Remaining("user1", domain.Paid, domain.LLM)
	assert.Equal(t, 10, remaining)

	// suspect nodes still admit
	ns.health = domain.Suspect
	mustSubmit(t, s, testJob("job2", domain.LLM, domain.High))
}

func Test_StatefulScheduler_EstimatedWait(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	assert.Equal(t, time.Duration(0), mustSubmit(t, s, testJob("job0", domain.LLM, domain.Medium)).EstimatedWait)
	nextStarted(t, e)
	assert.Equal(t, 10*time.Second, mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium)).EstimatedWait)
	assert.Equal(t, 20*time.Second, mustSubmit(t, s, testJob("job2", domain.LLM, domain.Medium)).EstimatedWait)

	// observed run times replace the estimate
	deps.clock.Step(4 * time.Second)
	e.finish(t, "job0", nil)
	waitForStatus(t, s, "job0", domain.Succeeded)
	nextStarted(t, e)
	assert.Equal(t, 8*time.Second, mustSubmit(t, s, testJob("job3", domain.LLM, domain.Medium)).EstimatedWait)
}

// A node outage requeues the job without charging a retry. The node takes
// no new work until the hold lifts.
func Test_StatefulScheduler_OutageIsTransparent(t *testing.T) {
	deps := getDefaultSchedDeps()
	var mu sync.Mutex
	attempts := 0
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if a.Attempt == 1 {
			return domain.Output{}, domain.NewNodeOutageError(a.NodeID, errors.New("driver reset"))
		}
		return domain.Output{Data: []byte("ok")}, nil
	}))
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.Image, domain.Medium))
	stepUntil(t, s, func() bool { return jobStatus(t, s, "job1").Status == domain.Queued })
	s.step()
	assert.Equal(t, domain.Queued, jobStatus(t, s, "job1").Status)
	node := s.nodeStatuses()[0]
	assert.True(t, node.OutageHeld)
	assert.Equal(t, domain.Healthy, node.Health)

	deps.clock.Step(DefaultHealthCheckInterval)
	st := waitForStatus(t, s, "job1", domain.Succeeded)
	assert.Equal(t, 0, st.RetryCount)
	assert.False(t, s.nodeStatuses()[0].OutageHeld)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	stats.VerifyStats("outage", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedOutageRequeueCounter:             {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedRetriedCounter:                   {Checker: stats.DoesNotExistTest},
			stats.SchedDispatchedCounter:                {Checker: stats.Int64EqTest, Value: 2},
			"node/gpu-0/" + stats.NodeOutageHoldCounter: {Checker: stats.Int64EqTest, Value: 1},
		})
}

// An executor that keeps reporting outages on a node whose health never
// changes gets one attempt per health interval, and the job still ends at
// JobTimeout counted from acceptance.
func Test_StatefulScheduler_RepeatedOutageEndsAtJobTimeout(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.JobTimeout = time.Minute
	var attempts int32
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		atomic.AddInt32(&attempts, 1)
		return domain.Output{}, domain.NewNodeOutageError(a.NodeID, errors.New("driver reset"))
	}))
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.Image, domain.Medium))
	stepUntil(t, s, func() bool { return jobStatus(t, s, "job1").Status == domain.Queued })
	for i := 0; i < 50; i++ {
		s.step()
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))

	deps.clock.Step(30 * time.Second)
	stepUntil(t, s, func() bool {
		return atomic.LoadInt32(&attempts) == 2 && jobStatus(t, s, "job1").Status == domain.Queued
	})
	s.healthTick()
	assert.Equal(t, domain.Queued, jobStatus(t, s, "job1").Status)

	deps.clock.Step(30 * time.Second)
	s.healthTick()
	st := jobStatus(t, s, "job1")
	assert.Equal(t, domain.Failed, st.Status)
	assert.True(t, errors.Is(st.Err, domain.ErrTimedOut))
	assert.Equal(t, 0, st.RetryCount)

	for i := 0; i < 10; i++ {
		s.step()
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
	stats.VerifyStats("repeated outage", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedOutageRequeueCounter:             {Checker: stats.Int64EqTest, Value: 2},
			stats.SchedTimedOutCounter:                  {Checker: stats.Int64EqTest, Value: 1},
			"node/gpu-0/" + stats.NodeOutageHoldCounter: {Checker: stats.Int64EqTest, Value: 2},
		})
}

// With a prober, an executor reported outage counts as a health miss and the
// next passing check lifts the hold.
func Test_StatefulScheduler_OutageHoldLiftsOnHealthCheck(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	prober := domain.NewMockProber(mockCtrl)
	prober.EXPECT().Probe(gomock.Any(), "gpu-0").Return(domain.ProbeResult{OK: true}, nil).Times(1)

	deps := getDefaultSchedDeps()
	deps.collab.Prober = prober
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		if a.Attempt == 1 {
			return domain.Output{}, domain.NewNodeOutageError(a.NodeID, errors.New("driver reset"))
		}
		return domain.Output{}, nil
	}))
	s := makeStatefulSchedulerDeps(t, deps)
	ns, _ := s.monitor.node("gpu-0")

	mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium))
	stepUntil(t, s, func() bool { return jobStatus(t, s, "job1").Status == domain.Queued })
	assert.Equal(t, domain.Suspect, ns.health)
	assert.True(t, ns.outageHeld)

	// the interval alone doesn't lift it when a prober is configured
	deps.clock.Step(DefaultHealthCheckInterval)
	s.step()
	assert.Equal(t, domain.Queued, jobStatus(t, s, "job1").Status)

	probeRound(t, s)
	assert.Equal(t, domain.Healthy, ns.health)
	assert.False(t, ns.outageHeld)
	waitForStatus(t, s, "job1", domain.Succeeded)

	stats.VerifyStats("outage hold", deps.statsRegistry, t,
		map[string]stats.Rule{
			"node/gpu-0/" + stats.NodeProbeFailureCounter: {Checker: stats.Int64EqTest, Value: 1},
			"node/gpu-0/" + stats.NodeOutageHoldCounter:   {Checker: stats.Int64EqTest, Value: 1},
		})
}

type blockingProber struct {
	calls   int32
	release chan struct{}
}

// Probe ignores ctx and answers ok once released.
func (p *blockingProber) Probe(ctx context.Context, nodeID string) (domain.ProbeResult, error) {
	atomic.AddInt32(&p.calls, 1)
	<-p.release
	return domain.ProbeResult{OK: true}, nil
}

// A health check that overruns the timeout is a miss, the node is checked
// again on the next tick and the stale answer changes nothing.
func Test_StatefulScheduler_HealthCheckTimeoutIsMiss(t *testing.T) {
	prober := &blockingProber{release: make(chan struct{})}
	deps := getDefaultSchedDeps()
	deps.collab.Prober = prober
	s := makeStatefulSchedulerDeps(t, deps)
	ns, _ := s.monitor.node("gpu-0")

	s.healthTick()
	require.True(t, ns.probing)
	deps.clock.Step(s.config.Health.Timeout)
	s.step()
	assert.False(t, ns.probing)
	assert.Equal(t, domain.Suspect, ns.health)

	s.healthTick()
	require.True(t, ns.probing)
	deps.clock.Step(s.config.Health.Timeout)
	s.step()
	assert.Equal(t, domain.Unhealthy, ns.health)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&prober.calls) == 2 }, 5*time.Second, time.Millisecond)

	close(prober.release)
	stepUntil(t, s, func() bool { return s.asyncRunner.NumRunning() == 0 })
	assert.Equal(t, domain.Unhealthy, ns.health)
	assert.False(t, ns.probing)

	stats.VerifyStats("health timeout", deps.statsRegistry, t,
		map[string]stats.Rule{
			"node/gpu-0/" + stats.NodeProbeTimeoutCounter:    {Checker: stats.Int64EqTest, Value: 2},
			"node/gpu-0/" + stats.NodeProbeFailureCounter:    {Checker: stats.Int64EqTest, Value: 2},
			"node/gpu-0/" + stats.NodeMarkedUnhealthyCounter: {Checker: stats.Int64EqTest, Value: 1},
		})
}

func Test_StatefulScheduler_UnhealthyNodeFailsOver(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	prober := domain.NewMockProber(mockCtrl)
	prober.EXPECT().Probe(gomock.Any(), "gpu-0").Return(domain.ProbeResult{}, errors.New("probe timeout")).Times(2)
	prober.EXPECT().Probe(gomock.Any(), "gpu-1").Return(domain.ProbeResult{OK: true, NodeMetrics: domain.NodeMetrics{VRAMUsedRatio: 0.1}}, nil).Times(2)

	deps := getDefaultSchedDeps()
	deps.config.Nodes = []NodeConfig{gpuNode("gpu-0", 24000, domain.LLM), gpuNode("gpu-1", 24000, domain.LLM)}
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	deps.collab.Prober = prober
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium))
	assert.Equal(t, "gpu-0", nextStarted(t, e).NodeID)

	probeRound(t, s)
	ns, _ := s.monitor.node("gpu-0")
	assert.Equal(t, domain.Suspect, ns.health)
	assert.Equal(t, "gpu-0", jobStatus(t, s, "job1").NodeID)

	probeRound(t, s)
	assert.Equal(t, domain.Unhealthy, ns.health)
	assert.Equal(t, 0, ns.totalRunning())

	second := nextStarted(t, e)
	assert.Equal(t, "gpu-1", second.NodeID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, 0, second.Job.RetryCount)

	e.finish(t, "job1", nil)
	st := waitForStatus(t, s, "job1", domain.Succeeded)
	assert.Equal(t, "gpu-1", st.NodeID)
	assert.Equal(t, 0, st.RetryCount)

	stats.VerifyStats("failover", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedOutageRequeueCounter:                  {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedSucceededCounter:                      {Checker: stats.Int64EqTest, Value: 1},
			"node/gpu-0/" + stats.NodeMarkedUnhealthyCounter: {Checker: stats.Int64EqTest, Value: 1},
			"node/gpu-0/" + stats.NodeProbeFailureCounter:    {Checker: stats.Int64EqTest, Value: 2},
			"node/gpu-1/" + stats.NodeProbeCounter:           {Checker: stats.Int64EqTest, Value: 2},
			"node/gpu-1/" + stats.NodeVRAMUsedRatioGauge:     {Checker: stats.FloatEqTest, Value: 0.1},
		})
}

func Test_StatefulScheduler_RetryExhaustedWithFallback(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.LLM, TypeConfig{
		MaxConcurrent: 2,
		Retry:         domain.RetryPolicy{MaxRetries: 2, Backoff: domain.ExponentialBackoff, BaseDelay: time.Second},
	})
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		return domain.Output{}, fmt.Errorf("model crashed on attempt %d", a.Attempt)
	}))
	s := makeStatefulSchedulerDeps(t, deps)

	job := testJob("job1", domain.LLM, domain.Medium)
	job.Payload = []byte("what time is it?")
	mustSubmit(t, s, job)

	for retry, delay := range []time.Duration{time.Second, 2 * time.Second} {
		stepUntil(t, s, func() bool { return len(s.parked) == 1 })
		st := jobStatus(t, s, "job1")
		assert.Equal(t, domain.Queued, st.Status, "retry %d", retry)
		assert.Equal(t, retry, st.RetryCount)
		assert.Equal(t, 0, st.QueuePosition)

		deps.clock.Step(delay - time.Millisecond)
		s.step()
		assert.Len(t, s.parked, 1, "retry %d fired early", retry)
		deps.clock.Step(time.Millisecond)
		stepUntil(t, s, func() bool { return len(s.parked) == 0 })
	}

	st := waitForStatus(t, s, "job1", domain.Failed)
	assert.Equal(t, 2, st.RetryCount)
	assert.True(t, errors.Is(st.Err, domain.ErrRetryExhausted))
	assert.Contains(t, st.Err.Error(), "attempt 3")
	require.NotNil(t, st.Output)
	assert.True(t, st.Output.Fallback)
	assert.Contains(t, string(st.Output.Data), "what time is it?")

	stats.VerifyStats("exhausted", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedRetriedCounter:    {Checker: stats.Int64EqTest, Value: 2},
			stats.SchedFailedCounter:     {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedFallbackCounter:   {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedDispatchedCounter: {Checker: stats.Int64EqTest, Value: 3},
		})
}

func Test_StatefulScheduler_RenderHasNoFallback(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.Render, TypeConfig{MaxConcurrent: 1})
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		return domain.Output{}, errors.New("bad scene")
	}))
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.Render, domain.Medium))
	st := waitForStatus(t, s, "job1", domain.Failed)
	assert.Nil(t, st.Output)
	assert.True(t, errors.Is(st.Err, domain.ErrRetryExhausted))
}

func Test_StatefulScheduler_ReestimatesBeforeRetry(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	reestimator := domain.NewMockReestimator(mockCtrl)
	reestimator.EXPECT().Reestimate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(job domain.Job, lastErr error) domain.Job {
			assert.Equal(t, 1, job.RetryCount)
			assert.Contains(t, lastErr.Error(), "out of memory")
			job.EstimatedVRAMMB = 8000
			job.Priority = domain.High
			return job
		})

	deps := getDefaultSchedDeps()
	deps.setType(domain.Image, TypeConfig{
		MaxConcurrent: 1,
		Retry:         domain.RetryPolicy{MaxRetries: 1, Backoff: domain.FixedBackoff, BaseDelay: 5 * time.Second},
	})
	assignments := make(chan domain.Assignment, 10)
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		assignments <- a
		if a.Attempt == 1 {
			return domain.Output{}, errors.New("out of memory")
		}
		return domain.Output{}, nil
	}))
	deps.collab.Reestimator = reestimator
	s := makeStatefulSchedulerDeps(t, deps)

	job := testJob("job1", domain.Image, domain.Low)
	job.EstimatedVRAMMB = 4000
	mustSubmit(t, s, job)
	stepUntil(t, s, func() bool { return len(s.parked) == 1 })
	deps.clock.Step(5 * time.Second)
	waitForStatus(t, s, "job1", domain.Succeeded)

	first, second := <-assignments, <-assignments
	assert.Equal(t, 4000, first.Job.EstimatedVRAMMB)
	assert.Equal(t, 8000, second.Job.EstimatedVRAMMB)
	// only estimates are taken from the reestimator
	assert.Equal(t, domain.Low, second.Job.Priority)
	assert.Equal(t, 1, second.Job.RetryCount)
}

func Test_StatefulScheduler_ExecutionTimeout(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.Image, TypeConfig{MaxConcurrent: 1, ExecutionTimeout: 30 * time.Second})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.Image, domain.Medium))
	nextStarted(t, e)
	deps.clock.Step(30 * time.Second)

	st := waitForStatus(t, s, "job1", domain.Failed)
	assert.Contains(t, st.Err.Error(), "execution exceeded 30s")
	require.NotNil(t, st.Output)
	assert.Equal(t, DefaultImageAsset, st.Output.Data)
}

func Test_StatefulScheduler_CancelQueuedJob(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("running", domain.LLM, domain.Medium))
	nextStarted(t, e)
	mustSubmit(t, s, testJob("queued", domain.LLM, domain.Medium))

	require.NoError(t, s.cancel("queued"))
	st := jobStatus(t, s, "queued")
	assert.Equal(t, domain.Cancelled, st.Status)
	assert.True(t, errors.Is(st.Err, domain.ErrCancelled))
	assert.True(t, st.CancelRequested)
	assert.Equal(t, 0, s.queue.Total())

	assert.True(t, errors.Is(s.cancel("queued"), domain.ErrJobFinished))
	assert.True(t, errors.Is(s.cancel("nope"), domain.ErrJobNotFound))
}

func Test_StatefulScheduler_CancelRunningJob(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium))
	nextStarted(t, e)
	mustSubmit(t, s, testJob("job2", domain.LLM, domain.Medium))

	respCh := s.sendCancel("job1")
	s.step()
	require.NoError(t, <-respCh)

	// the slot is held until the executor returns
	st := jobStatus(t, s, "job1")
	assert.True(t, st.CancelRequested)

	waitForStatus(t, s, "job1", domain.Cancelled)
	assert.Equal(t, "job2", nextStarted(t, e).Job.ID)
	stats.VerifyStats("cancel", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedCancelledCounter: {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedFailedCounter:    {Checker: stats.DoesNotExistTest},
		})
}

func Test_StatefulScheduler_CancelParkedJob(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.setType(domain.TTS, TypeConfig{
		MaxConcurrent: 1,
		Retry:         domain.RetryPolicy{MaxRetries: 3, Backoff: domain.FixedBackoff, BaseDelay: 5 * time.Second},
	})
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		return domain.Output{}, errors.New("voice model failed")
	}))
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.TTS, domain.Medium))
	stepUntil(t, s, func() bool { return len(s.parked) == 1 })

	require.NoError(t, s.cancel("job1"))
	assert.Equal(t, domain.Cancelled, jobStatus(t, s, "job1").Status)
	assert.Empty(t, s.parked)

	deps.clock.Step(5 * time.Second)
	s.step()
	assert.Equal(t, domain.Cancelled, jobStatus(t, s, "job1").Status)
	assert.Equal(t, 0, s.queue.Total())
}

func Test_StatefulScheduler_QueuedJobTimesOut(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.JobTimeout = time.Minute
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1})
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("running", domain.LLM, domain.Medium))
	nextStarted(t, e)
	mustSubmit(t, s, testJob("waiting", domain.LLM, domain.Medium))

	deps.clock.Step(59 * time.Second)
	s.healthTick()
	assert.Equal(t, domain.Queued, jobStatus(t, s, "waiting").Status)

	deps.clock.Step(time.Second)
	s.healthTick()
	st := jobStatus(t, s, "waiting")
	assert.Equal(t, domain.Failed, st.Status)
	assert.True(t, errors.Is(st.Err, domain.ErrTimedOut))
	// running jobs aren't swept
	assert.Equal(t, domain.Running, jobStatus(t, s, "running").Status)
}

func Test_StatefulScheduler_QueuedJobTimesOutWithoutNode(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.JobTimeout = time.Minute
	deps.collab.Executors = executorsFor(newBlockingExecutor())
	deps.setType(domain.LLM, TypeConfig{MaxConcurrent: 1})
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("running", domain.LLM, domain.Medium))
	mustSubmit(t, s, testJob("waiting", domain.LLM, domain.Medium))
	ns, _ := s.monitor.node("gpu-0")
	ns.health = domain.Recovering

	deps.clock.Step(time.Minute)
	s.healthTick()
	st := jobStatus(t, s, "waiting")
	assert.Equal(t, domain.Failed, st.Status)
	assert.True(t, errors.Is(st.Err, domain.ErrNodeUnavailable))
}

func Test_StatefulScheduler_CPUFallbackRoute(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.Nodes = []NodeConfig{
		gpuNode("gpu-0", 24000, domain.LLM),
		{ID: "cpu-0", Kind: domain.CPU},
	}
	deps.config.CPUFallback = CPUFallbackConfig{Enabled: true}
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)
	gpu, _ := s.monitor.node("gpu-0")

	mustSubmit(t, s, testJob("onGPU", domain.LLM, domain.Medium))
	a := nextStarted(t, e)
	assert.Equal(t, "gpu-0", a.NodeID)
	assert.False(t, a.Degraded)

	gpu.health = domain.Unhealthy
	mustSubmit(t, s, testJob("onCPU", domain.LLM, domain.Medium))
	a = nextStarted(t, e)
	assert.Equal(t, "cpu-0", a.NodeID)
	assert.True(t, a.Degraded)

	// the cpu fallback ceiling defaults to 1
	mustSubmit(t, s, testJob("waits", domain.LLM, domain.Medium))
	assert.Equal(t, domain.Queued, jobStatus(t, s, "waits").Status)

	_, err := submit(s, testJob("image", domain.Image, domain.Medium))
	assert.True(t, errors.Is(err, domain.ErrNodeUnavailable))

	stats.VerifyStats("degraded", deps.statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedDegradedDispatchCounter: {Checker: stats.Int64EqTest, Value: 1},
		})
}

func Test_StatefulScheduler_NoCPUFallbackByDefault(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.Nodes = []NodeConfig{gpuNode("gpu-0", 24000, domain.LLM), {ID: "cpu-0", Kind: domain.CPU}}
	s := makeStatefulSchedulerDeps(t, deps)
	gpu, _ := s.monitor.node("gpu-0")
	gpu.health = domain.Unhealthy

	_, err := submit(s, testJob("job1", domain.LLM, domain.Medium))
	assert.True(t, errors.Is(err, domain.ErrNodeUnavailable))
}

func Test_StatefulScheduler_IdleHandlerOncePerIdlePeriod(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	idle := domain.NewMockIdleHandler(mockCtrl)
	idle.EXPECT().Idle(gomock.Any(), "gpu-0").Return(nil).Times(2)

	deps := getDefaultSchedDeps()
	deps.collab.IdleHandler = idle
	s := makeStatefulSchedulerDeps(t, deps)

	deps.clock.Step(DefaultIdleTimeout)
	s.healthTick()
	stepUntil(t, s, func() bool { return s.asyncRunner.NumRunning() == 0 })
	s.healthTick()
	stepUntil(t, s, func() bool { return s.asyncRunner.NumRunning() == 0 })

	// a job resets the idle period
	mustSubmit(t, s, testJob("job1", domain.TTS, domain.Medium))
	waitForStatus(t, s, "job1", domain.Succeeded)
	deps.clock.Step(DefaultIdleTimeout)
	s.healthTick()
	stepUntil(t, s, func() bool { return s.asyncRunner.NumRunning() == 0 })

	stats.VerifyStats("idle", deps.statsRegistry, t,
		map[string]stats.Rule{
			"node/gpu-0/" + stats.NodeIdleUnloadCounter: {Checker: stats.Int64EqTest, Value: 2},
		})
}

func Test_StatefulScheduler_ProgressReported(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
		a.Progress(0.5)
		<-ctx.Done()
		return domain.Output{}, context.Cause(ctx)
	}))
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.Render, domain.Medium))
	stepUntil(t, s, func() bool { return jobStatus(t, s, "job1").Progress == 0.5 })
	require.NoError(t, s.cancel("job1"))
	waitForStatus(t, s, "job1", domain.Cancelled)
}

func Test_StatefulScheduler_DispatchRateLimit(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.DispatchRate = 1
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)

	mustSubmit(t, s, testJob("job1", domain.TTS, domain.Medium))
	mustSubmit(t, s, testJob("job2", domain.TTS, domain.Medium))
	deps.clock.Step(time.Millisecond)
	mustSubmit(t, s, testJob("job3", domain.TTS, domain.Medium))
	nextStarted(t, e)
	assert.Equal(t, domain.Queued, jobStatus(t, s, "job2").Status)
	require.NotNil(t, s.wakeTimer)

	// a throttled job keeps its place ahead of younger ones
	s.step()
	assert.Equal(t, 1, jobStatus(t, s, "job2").QueuePosition)
	assert.Equal(t, 2, jobStatus(t, s, "job3").QueuePosition)
	assert.Equal(t, 2, s.queue.Len(domain.TTS))

	deps.clock.Step(time.Second)
	s.step()
	assert.Equal(t, "job2", nextStarted(t, e).Job.ID)
	assert.Equal(t, 1, jobStatus(t, s, "job3").QueuePosition)
	// rearmed for job3
	assert.NotNil(t, s.wakeTimer)
}

func Test_StatefulScheduler_UpdateNodeMetrics(t *testing.T) {
	s := makeStatefulSchedulerDeps(t, getDefaultSchedDeps())
	assert.Error(t, s.applyMetrics("nope", domain.NodeMetrics{}))
	require.NoError(t, s.applyMetrics("gpu-0", domain.NodeMetrics{VRAMUsedRatio: 0.3, TemperatureC: 55, PowerMode: domain.Battery}))
	node := s.nodeStatuses()[0]
	assert.Equal(t, 0.3, node.VRAMUsedRatio)
	assert.Equal(t, 55.0, node.TemperatureC)
	assert.Equal(t, domain.Battery, node.PowerMode)
}

func Test_StatefulScheduler_StopInDebugMode(t *testing.T) {
	deps := getDefaultSchedDeps()
	e := newBlockingExecutor()
	deps.collab.Executors = executorsFor(e)
	s := makeStatefulSchedulerDeps(t, deps)
	mustSubmit(t, s, testJob("job1", domain.LLM, domain.Medium))
	nextStarted(t, e)

	s.Stop()
	s.Stop()
	_, err := s.Submit(testJob("job2", domain.LLM, domain.Medium))
	assert.True(t, errors.Is(err, domain.ErrSchedulerStopped))
	assert.True(t, errors.Is(s.CancelJob("job1"), domain.ErrSchedulerStopped))
	assert.Nil(t, s.NodeStatuses())
}

// The loop, driven by real time, through the public interface.
func Test_StatefulScheduler_Loop(t *testing.T) {
	deps := getDefaultSchedDeps()
	deps.config.DebugMode = false
	deps.collab.Clock = nil
	s := makeStatefulSchedulerDeps(t, deps)
	defer s.Stop()

	var sched Scheduler = s
	result, err := sched.Submit(testJob("job1", domain.LLM, domain.High))
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	assert.Eventually(t, func() bool {
		st, err := sched.GetStatus("job1")
		return err == nil && st.Status == domain.Succeeded
	}, 5*time.Second, 5*time.Millisecond)

	_, err = sched.GetStatus("nope")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
	assert.Len(t, sched.NodeStatuses(), 1)
	assert.Error(t, sched.UpdateNodeMetrics("nope", domain.NodeMetrics{}))
	assert.NoError(t, sched.UpdateNodeMetrics("gpu-0", domain.NodeMetrics{VRAMUsedRatio: 0.2}))
	assert.True(t, errors.Is(sched.CancelJob("job1"), domain.ErrJobFinished))
}

// Under random load no node ever exceeds a type's ceiling and every live job
// is in exactly one place.
func Test_StatefulScheduler_ConcurrencyCeilingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("ceilings hold and jobs have one owner", prop.ForAll(
		func(jobs []domain.Job) bool {
			deps := getDefaultSchedDeps()
			deps.config.Nodes = []NodeConfig{gpuNode("gpu-0", 24000, domain.JobTypes...), gpuNode("gpu-1", 24000, domain.LLM, domain.TTS)}
			deps.collab.Executors = executorsFor(executorFunc(func(ctx context.Context, a domain.Assignment) (domain.Output, error) {
				time.Sleep(time.Duration(len(a.Job.ID)%3) * time.Millisecond)
				return domain.Output{}, nil
			}))
			deps.collab.JobLog = nil
			s := makeStatefulSchedulerDeps(t, deps)

			for _, job := range jobs {
				job.EstimatedVRAMMB = 0
				if _, err := s.admit(job); err != nil {
					return false
				}
				if !invariantsHold(s) {
					return false
				}
			}
			deadline := time.Now().Add(5 * time.Second)
			for len(s.jobs) > 0 {
				if time.Now().After(deadline) {
					return false
				}
				s.step()
				if !invariantsHold(s) {
					return false
				}
				time.Sleep(100 * time.Microsecond)
			}
			return true
		},
		domain.GopterGenJobs(30),
	))

	properties.TestingRun(t)
}

// ceilingExecutor counts attempts in flight per node and type and records
// any count above the type's ceiling. Outcomes are drawn from rng.
type ceilingExecutor struct {
	ceilings map[domain.JobType]int

	mu       sync.Mutex
	rng      *rand.Rand
	running  map[string]int
	exceeded []string
}

func (e *ceilingExecutor) Execute(ctx context.Context, a domain.Assignment) (domain.Output, error) {
	key := a.NodeID + "/" + string(a.Job.Type)
	e.mu.Lock()
	e.running[key]++
	if n := e.running[key]; n > e.ceilings[a.Job.Type] {
		e.exceeded = append(e.exceeded, fmt.Sprintf("%s ran %d", key, n))
	}
	roll := e.rng.Intn(10)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running[key]--
		e.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return domain.Output{}, context.Cause(ctx)
	case <-time.After(time.Duration(roll) * 100 * time.Microsecond):
	}
	switch {
	case roll < 2 && a.Attempt == 1:
		return domain.Output{}, domain.NewNodeOutageError(a.NodeID, errors.New("driver reset"))
	case roll < 4:
		return domain.Output{}, errors.New("out of memory")
	}
	return domain.Output{Data: []byte(a.Job.ID)}, nil
}

// Several callers submit and cancel through the running loop while attempts
// succeed, fail or hit outages at random. No node ever runs more of a type
// than its ceiling and every accepted job ends.
func Test_StatefulScheduler_ConcurrentSubmitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 5
	properties := gopter.NewProperties(parameters)

	properties.Property("ceilings hold and every job ends", prop.ForAll(
		func(seed int64) string {
			deps := getDefaultSchedDeps()
			deps.config.DebugMode = false
			deps.config.Nodes = []NodeConfig{gpuNode("gpu-0", 24000, domain.JobTypes...), gpuNode("gpu-1", 24000, domain.LLM, domain.TTS)}
			deps.config.Health.Interval = 5 * time.Millisecond
			retry := domain.RetryPolicy{MaxRetries: 2, Backoff: domain.FixedBackoff, BaseDelay: time.Millisecond}
			for _, jt := range domain.JobTypes {
				deps.setType(jt, TypeConfig{Retry: retry})
			}
			e := &ceilingExecutor{rng: rand.New(rand.NewSource(seed)), running: map[string]int{}}
			deps.collab.Executors = executorsFor(e)
			deps.collab.Clock = nil
			deps.collab.JobLog = nil
			s := makeStatefulSchedulerDeps(t, deps)
			defer s.Stop()
			e.ceilings = map[domain.JobType]int{}
			for jt, tc := range s.config.Types {
				e.ceilings[jt] = tc.MaxConcurrent
			}

			priorities := []domain.Priority{domain.High, domain.Medium, domain.Low}
			var wg sync.WaitGroup
			var mu sync.Mutex
			var accepted []string
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed + int64(w)))
					var mine []string
					for i := 0; i < 15; i++ {
						job := testJob(fmt.Sprintf("w%d-job%d", w, i),
							domain.JobTypes[rng.Intn(len(domain.JobTypes))], priorities[rng.Intn(len(priorities))])
						job.UserID = fmt.Sprintf("user%d", w)
						if result, err := s.Submit(job); err == nil && result.Accepted {
							mine = append(mine, result.JobID)
						}
						if len(mine) > 0 && rng.Intn(4) == 0 {
							_ = s.CancelJob(mine[rng.Intn(len(mine))])
						}
					}
					mu.Lock()
					accepted = append(accepted, mine...)
					mu.Unlock()
				}(w)
			}
			wg.Wait()

			deadline := time.Now().Add(10 * time.Second)
			for _, id := range accepted {
				for {
					st, err := s.GetStatus(id)
					if err != nil {
						return fmt.Sprintf("%s: %v", id, err)
					}
					if st.Status.Terminal() {
						break
					}
					if time.Now().After(deadline) {
						return fmt.Sprintf("%s still %s", id, st.Status)
					}
					time.Sleep(time.Millisecond)
				}
			}
			for _, node := range s.NodeStatuses() {
				if len(node.RunningCounts) > 0 {
					return fmt.Sprintf("%s still running %v", node.NodeID, node.RunningCounts)
				}
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			return strings.Join(e.exceeded, ", ")
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func invariantsHold(s *statefulScheduler) bool {
	for _, ns := range s.monitor.order {
		for t, n := range ns.runningCounts {
			if n > s.monitor.MaxConcurrent(ns, t, false) {
				return false
			}
		}
	}
	for id, js := range s.jobs {
		_, queued := s.queue.Get(id)
		_, parked := s.parked[id]
		owners := 0
		for _, ns := range s.monitor.order {
			if _, ok := ns.running[id]; ok {
				owners++
			}
		}
		if queued {
			owners++
		}
		if parked {
			owners++
		}
		if owners != 1 {
			return false
		}
		if (js.Job.Status == domain.Running) != (!queued && !parked) {
			return false
		}
	}
	return true
}
