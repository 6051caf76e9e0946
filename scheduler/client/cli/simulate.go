package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/twitter/gpusched/common/endpoints"
	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/scheduler/config"
	"github.com/twitter/gpusched/scheduler/domain"
	"github.com/twitter/gpusched/scheduler/executor"
	"github.com/twitter/gpusched/scheduler/prober"
	"github.com/twitter/gpusched/scheduler/server"
)

// Scripts run by the simulated executor for jobs without a payload.
var defaultSimScripts = map[domain.JobType]string{
	domain.LLM:    "sleep 40\nprogress 0.5\nsleep 40\noutput completion",
	domain.Image:  "sleep 120\noutput image",
	domain.TTS:    "sleep 30\noutput audio",
	domain.Render: "sleep 60\nprogress 0.3\nsleep 60\nprogress 0.6\nsleep 60\noutput frames",
}

const flakyScript = "sleep 20\nfail_attempts 1 model failed to load\nsleep 40\noutput completion"
const brokenScript = "sleep 20\nfail out of memory"

type simulateCmd struct {
	configName string
	numJobs    int
	seed       int64
	flakyRate  float64
	brokenRate float64
	downNodes  []string
	wait       time.Duration
	serveAdmin bool
}

func (c *simulateCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "simulate",
		Short: "Runs a generated workload through a scheduler with simulated executors",
		Args:  cobra.NoArgs,
	}
	r.Flags().StringVar(&c.configName, "config", "local.memory", "Named configuration to run")
	r.Flags().IntVar(&c.numJobs, "jobs", 20, "Number of jobs to submit")
	r.Flags().Int64Var(&c.seed, "seed", 0, "Workload seed, 0 picks one from the time")
	r.Flags().Float64Var(&c.flakyRate, "flaky_rate", 0.1, "Fraction of jobs whose first attempt fails")
	r.Flags().Float64Var(&c.brokenRate, "broken_rate", 0.05, "Fraction of jobs that fail every attempt")
	r.Flags().StringSliceVar(&c.downNodes, "down", nil, "Nodes whose simulated probes fail")
	r.Flags().DurationVar(&c.wait, "wait", time.Minute, "How long to wait for accepted jobs to finish")
	r.Flags().BoolVar(&c.serveAdmin, "admin", false, "Serve the admin endpoints on the configured address while simulating")
	return r
}

func (c *simulateCmd) Run(cl *CLI, cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(c.configName, cl.ConfigFile)
	if err != nil {
		return err
	}
	sc, err := cfg.CreateSchedulerConfig()
	if err != nil {
		return err
	}
	p, err := cfg.CreateProber()
	if err != nil {
		return err
	}
	if len(c.downNodes) > 0 {
		sim, ok := p.(*prober.SimProber)
		if !ok {
			return fmt.Errorf("--down needs the sim prober, config %s uses %s", c.configName, cfg.Prober.Type)
		}
		for _, n := range c.downNodes {
			sim.SetDown(n, true)
		}
	}
	jl, err := cfg.CreateJobLog()
	if err != nil {
		return err
	}

	exec := executor.NewSimExecutor(clock.RealClock{})
	for t, script := range defaultSimScripts {
		exec.DefaultScripts[t] = script
	}
	executors := map[domain.JobType]domain.Executor{}
	for _, t := range domain.JobTypes {
		executors[t] = exec
	}

	stat, reg := stats.NewFinagleStatsReceiver()
	sched, err := server.NewStatefulScheduler(sc, server.Collaborators{
		Executors: executors,
		Prober:    p,
		JobLog:    jl,
	}, stat)
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}
	defer sched.Stop()

	if c.serveAdmin {
		admin := endpoints.NewAdminServer(cfg.Admin.Addr, stat, reg, sched)
		go func() {
			if err := admin.Serve(); err != nil {
				log.Errorf("Admin server stopped: %v", err)
			}
		}()
		defer admin.Shutdown(context.Background())
	}

	seed := c.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Infof("Simulating %d jobs on %s, seed %d", c.numJobs, c.configName, seed)
	summary := runWorkload(sched, c.workload(rand.New(rand.NewSource(seed))), c.wait, 20*time.Millisecond)
	summary.print(cl.out())
	return nil
}

func (c *simulateCmd) workload(rng *rand.Rand) []domain.Job {
	jobs := make([]domain.Job, 0, c.numJobs)
	for i := 0; i < c.numJobs; i++ {
		job := domain.GenRandomJob(rng)
		job.ID = fmt.Sprintf("sim-%d", i)
		switch r := rng.Float64(); {
		case r < c.brokenRate:
			job.Payload = []byte(brokenScript)
		case r < c.brokenRate+c.flakyRate:
			job.Payload = []byte(flakyScript)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// Rejection sentinels in the order they are reported.
var rejectReasons = []error{
	domain.ErrInvalidJob,
	domain.ErrRateLimited,
	domain.ErrQueueFull,
	domain.ErrNodeUnavailable,
	domain.ErrSchedulerStopped,
}

type simSummary struct {
	Submitted  int
	Accepted   int
	Rejected   map[string]int
	Final      map[domain.Status]int
	Retries    int
	Fallbacks  int
	Unfinished int
	Nodes      []domain.NodeStatus
}

// runWorkload submits jobs in order, then polls until every accepted job
// is terminal or wait has passed.
func runWorkload(sched server.Scheduler, jobs []domain.Job, wait, poll time.Duration) *simSummary {
	summary := &simSummary{Rejected: map[string]int{}, Final: map[domain.Status]int{}}
	accepted := []string{}
	for _, job := range jobs {
		summary.Submitted++
		result, err := sched.Submit(job)
		if err != nil {
			reason := "other"
			for _, sentinel := range rejectReasons {
				if errors.Is(err, sentinel) {
					reason = sentinel.Error()
					break
				}
			}
			summary.Rejected[reason]++
			log.Debugf("Rejected %s: %v", job.ID, err)
			continue
		}
		summary.Accepted++
		accepted = append(accepted, result.JobID)
	}

	deadline := time.Now().Add(wait)
	pending := accepted
	statuses := map[string]domain.JobStatus{}
	for len(pending) > 0 {
		still := pending[:0]
		for _, id := range pending {
			st, err := sched.GetStatus(id)
			if err != nil {
				log.Errorf("Status of %s: %v", id, err)
				continue
			}
			statuses[id] = st
			if !st.Status.Terminal() {
				still = append(still, id)
			}
		}
		pending = still
		if len(pending) == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(poll)
	}

	for _, st := range statuses {
		if !st.Status.Terminal() {
			summary.Unfinished++
			continue
		}
		summary.Final[st.Status]++
		summary.Retries += st.RetryCount
		if st.Output != nil && st.Output.Fallback {
			summary.Fallbacks++
		}
	}
	summary.Nodes = sched.NodeStatuses()
	return summary
}

func (s *simSummary) print(w io.Writer) {
	fmt.Fprintf(w, "submitted %d, accepted %d\n", s.Submitted, s.Accepted)
	reasons := make([]string, 0, len(s.Rejected))
	for r := range s.Rejected {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "rejected (%s): %d\n", r, s.Rejected[r])
	}
	for _, st := range []domain.Status{domain.Succeeded, domain.Failed, domain.Cancelled} {
		fmt.Fprintf(w, "%s: %d\n", st, s.Final[st])
	}
	fmt.Fprintf(w, "retries: %d, fallback outputs: %d, unfinished: %d\n", s.Retries, s.Fallbacks, s.Unfinished)
	for _, n := range s.Nodes {
		fmt.Fprintf(w, "node %s (%s): %s, vram %.2f, running %d\n",
			n.NodeID, n.Kind, n.Health, n.VRAMUsedRatio, running(n))
	}
}

func running(n domain.NodeStatus) int {
	total := 0
	for _, c := range n.RunningCounts {
		total += c
	}
	return total
}
