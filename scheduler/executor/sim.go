package executor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/twitter/gpusched/scheduler/domain"
)

// NewSimExecutor returns a SimExecutor timed by clk, the real clock when nil.
func NewSimExecutor(clk clock.Clock) *SimExecutor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SimExecutor{clock: clk, resumeCh: make(chan struct{}), DefaultScripts: map[domain.JobType]string{}}
}

// SimExecutor executes a job by simulating the script in its payload.
// Each line of the payload is one step, run in order. Valid steps are:
// sleep <millis int>
//
//	sleep for millis milliseconds on the executor's clock
//
// progress <fraction float>
//
//	report progress
//
// output <text>
//
//	append text and a newline to the output
//
// fail <message>
//
//	fail the attempt with message
//
// outage <message>
//
//	fail the attempt with a NodeOutageError
//
// fail_attempts <n int> <message>
//
//	fail with message while the assignment's attempt is <= n
//
// pause
//
//	pause until SimExecutor.Resume() is called
//
// Lines starting with # are comments. A job with an empty payload runs the
// DefaultScripts entry for its type, and succeeds at once when there is none.
type SimExecutor struct {
	clock    clock.Clock
	resumeCh chan struct{}

	// Scripts used for jobs with an empty payload, by type. Set before use.
	DefaultScripts map[domain.JobType]string

	mu      sync.Mutex
	running int
}

var _ domain.Executor = &SimExecutor{}

func (e *SimExecutor) Execute(ctx context.Context, a domain.Assignment) (domain.Output, error) {
	script := string(a.Job.Payload)
	if script == "" {
		script = e.DefaultScripts[a.Job.Type]
	}
	steps, err := e.parse(script)
	if err != nil {
		return domain.Output{}, err
	}

	e.mu.Lock()
	e.running++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	r := &simRun{assignment: a, clock: e.clock}
	for _, step := range steps {
		if err := context.Cause(ctx); err != nil {
			return domain.Output{}, err
		}
		if err := step.run(ctx, r); err != nil {
			log.WithFields(
				log.Fields{
					"jobID":   a.Job.ID,
					"node":    a.NodeID,
					"attempt": a.Attempt,
					"err":     err,
				}).Debug("Simulated attempt failed")
			return domain.Output{}, err
		}
	}
	return domain.Output{Data: r.out.Bytes(), ContentType: "text/plain"}, nil
}

// Resume releases one paused execution.
func (e *SimExecutor) Resume() {
	e.resumeCh <- struct{}{}
}

// NumRunning is the number of executions in progress.
func (e *SimExecutor) NumRunning() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// parse parses a script into sim steps
func (e *SimExecutor) parse(script string) (steps []simStep, err error) {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s, err := e.parseLine(line)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (e *SimExecutor) parseLine(line string) (simStep, error) {
	if strings.HasPrefix(line, "#") {
		return &noopStep{}, nil
	}
	splits := strings.SplitN(line, " ", 2)
	opcode, rest := splits[0], ""
	if len(splits) == 2 {
		rest = splits[1]
	}
	switch opcode {
	case "sleep":
		i, err := strconv.Atoi(rest)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing <n> in sleep <n>")
		}
		return &sleepStep{time.Duration(i) * time.Millisecond}, nil
	case "progress":
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing <f> in progress <f>")
		}
		return &progressStep{f}, nil
	case "output":
		return &outputStep{rest}, nil
	case "fail":
		return &failStep{message: rest}, nil
	case "outage":
		return &failStep{message: rest, outage: true}, nil
	case "fail_attempts":
		parts := strings.SplitN(rest, " ", 2)
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errors.Wrap(err, "error parsing <n> in fail_attempts <n> <message>")
		}
		message := ""
		if len(parts) == 2 {
			message = parts[1]
		}
		return &failStep{message: message, attempts: n}, nil
	case "pause":
		return &pauseStep{e.resumeCh}, nil
	}
	return nil, fmt.Errorf("can't simulate step: %v", line)
}

type simRun struct {
	assignment domain.Assignment
	clock      clock.Clock
	out        bytes.Buffer
}

type simStep interface {
	run(ctx context.Context, r *simRun) error
}

type sleepStep struct {
	duration time.Duration
}

func (s *sleepStep) run(ctx context.Context, r *simRun) error {
	t := r.clock.NewTimer(s.duration)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

type progressStep struct {
	fraction float64
}

func (s *progressStep) run(ctx context.Context, r *simRun) error {
	if r.assignment.Progress != nil {
		r.assignment.Progress(s.fraction)
	}
	return nil
}

type outputStep struct {
	text string
}

func (s *outputStep) run(ctx context.Context, r *simRun) error {
	r.out.WriteString(s.text)
	r.out.WriteByte('\n')
	return nil
}

type failStep struct {
	message string
	outage  bool
	// Only fail attempts up to this one, 0 for every attempt.
	attempts int
}

func (s *failStep) run(ctx context.Context, r *simRun) error {
	if s.attempts > 0 && r.assignment.Attempt > s.attempts {
		return nil
	}
	err := errors.New(s.message)
	if s.outage {
		return domain.NewNodeOutageError(r.assignment.NodeID, err)
	}
	return err
}

type pauseStep struct {
	ch chan struct{}
}

func (s *pauseStep) run(ctx context.Context, r *simRun) error {
	// wait for the first of being cancelled or SimExecutor.Resume()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.ch:
		return nil
	}
}

type noopStep struct{}

func (s *noopStep) run(ctx context.Context, r *simRun) error {
	return nil
}
