// Package scheduler runs the gateway's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carlossalguero/authgate/internal/shared/logger"
)

// JobFunc is one run of a job. The context is cancelled on Stop or when the
// job timeout elapses.
type JobFunc func(ctx context.Context) error

// Job represents a scheduled job.
type Job struct {
	Name     string
	Schedule string
	EntryID  cron.EntryID

	fn JobFunc
}

// Scheduler manages scheduled jobs.
type Scheduler struct {
	cron    *cron.Cron
	log     *logger.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*Job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout bounds every job run. Zero disables the bound.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = timeout
	}
}

// New creates a new scheduler. Specs accept an optional seconds field and
// descriptors such as "@every 30s".
func New(log *logger.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("scheduler")

	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		timeout: 30 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob schedules fn under name, replacing any job with the same name.
// An empty schedule disables the job, removing any earlier entry.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	if schedule == "" {
		s.RemoveJob(name)
		s.log.Info("job disabled", "job", name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(schedule, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.EntryID)
	}
	s.jobs[name] = &Job{
		Name:     name,
		Schedule: schedule,
		EntryID:  entryID,
		fn:       fn,
	}
	return nil
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[name]; ok {
		s.cron.Remove(job.EntryID)
		delete(s.jobs, name)
	}
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(name, job.fn)
}

func (s *Scheduler) run(name string, fn JobFunc) error {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		s.log.Warn("job failed", "job", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	s.log.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Jobs returns all scheduled jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// NextRun returns the next scheduled run time for a job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(job.EntryID).Next, true
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
