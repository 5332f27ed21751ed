// Package scheduler runs named periodic jobs on an injectable clock. Each
// job runs on its own goroutine; a failing or panicking run is logged and
// counted and never affects other jobs or later runs of the same job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carewatch/internal/scheduler")

// ErrUnknownJob is returned by RunOnce for an unregistered name.
var ErrUnknownJob = errors.New("unknown job")

// Job is a periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration

	// Timeout bounds a single run. Zero means Interval.
	Timeout time.Duration

	// RunOnStart runs the job once immediately when the scheduler starts.
	RunOnStart bool

	Run func(ctx context.Context) error
}

// Hooks observe job runs. Nil fields are skipped.
type Hooks struct {
	OnRun func(job, outcome string, seconds float64)
}

// Options configure a Scheduler.
type Options struct {
	Clock  Clock
	Logger log.Logger
	Hooks  Hooks
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	clock  Clock
	logger log.Logger
	hooks  Hooks

	mu      sync.Mutex
	jobs    []Job
	running bool
}

// New creates a scheduler. A nil Clock means the wall clock.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Scheduler{clock: opts.Clock, logger: opts.Logger, hooks: opts.Hooks}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(j Job) error {
	var errs []error
	if j.Name == "" {
		errs = append(errs, errors.New("job name is required"))
	}
	if j.Interval <= 0 {
		errs = append(errs, fmt.Errorf("job %q: interval must be positive", j.Name))
	}
	if j.Run == nil {
		errs = append(errs, fmt.Errorf("job %q: run func is required", j.Name))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %q: scheduler already started", j.Name)
	}
	for _, existing := range s.jobs {
		if existing.Name == j.Name {
			return fmt.Errorf("job %q already registered", j.Name)
		}
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches every job and returns a stop function that cancels them
// and waits for in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	s.mu.Lock()
	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, j := range jobs {
		t := s.clock.NewTicker(j.Interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.Stop()
			s.loop(ctx, j, t)
		}()
	}
	s.logger.Info(ctx, "scheduler started", "jobs", len(jobs))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		})
	}
}

func (s *Scheduler) loop(ctx context.Context, j Job, t Ticker) {
	if j.RunOnStart {
		s.run(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.run(ctx, j)
		}
	}
}

// RunOnce runs the named job synchronously and returns its error.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		job   Job
		found bool
	)
	for _, j := range s.jobs {
		if j.Name == name {
			job, found = j, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, j Job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "scheduler."+j.Name, trace.WithAttributes(
		attribute.String("carewatch.job", j.Name),
	))
	L := s.logger.With("job", j.Name)
	start := s.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			L.Error(ctx, err, "job panicked", "stack", string(debug.Stack()))
		} else if err != nil {
			L.Error(ctx, err, "job failed")
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.hooks.OnRun != nil {
			s.hooks.OnRun(j.Name, outcome, s.clock.Now().Sub(start).Seconds())
		}
	}()

	return j.Run(ctx)
}
