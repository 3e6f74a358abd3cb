// Package scheduler invokes flows on cron schedules. Jobs live in memory and
// are declared at startup, usually from configuration.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/pkg/schema"
)

// DefaultInterval is how often due jobs are checked. Cron schedules have
// minute resolution.
const DefaultInterval = 60 * time.Second

// Job status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// FlowRunner is the interface the scheduler uses to run flows.
// Satisfied by *engine.Executor.
type FlowRunner interface {
	Invoke(ctx context.Context, flow string, input any) (any, error)
}

// Job invokes Flow with Input on every tick of Cron (five fields, minute
// resolution).
type Job struct {
	ID         string         `json:"id"`
	Cron       string         `json:"cron"`
	Flow       string         `json:"flow"`
	Input      map[string]any `json:"input,omitempty"`
	Disabled   bool           `json:"disabled,omitempty"`
	RunOnStart bool           `json:"run_on_start,omitempty"`
}

// JobState is a job with its run bookkeeping.
type JobState struct {
	Job
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastOutput    any        `json:"last_output,omitempty"`
	Runs          int        `json:"runs"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler checks its jobs on every interval and runs those that are due.
type Scheduler struct {
	runner   FlowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*JobState

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner FlowRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.OrDefault(logger),
		interval: DefaultInterval,
		now:      time.Now,
		jobs:     make(map[string]*JobState),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Its first run is the next cron tick, or the first
// scheduler tick when RunOnStart is set. Duplicate IDs fail with CONFLICT.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" || job.Flow == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job needs an id and a flow")
	}
	state := &JobState{Job: job}
	if !job.RunOnStart {
		next, err := s.CalculateNextRun(job.Cron, s.now().UTC())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "job %q: %s", job.ID, err.Error()).
				WithFlow(job.Flow).
				WithCause(err)
		}
		state.NextRunAt = &next
	} else if _, err := s.parser.Parse(job.Cron); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q: invalid cron expression %q", job.ID, job.Cron).
			WithFlow(job.Flow).
			WithCause(err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already scheduled", job.ID)
	}
	s.jobs[job.ID] = state
	return nil
}

// Remove deletes a job. Unknown IDs are ignored.
func (s *Scheduler) Remove(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.jobs, id)
}

// Jobs returns a snapshot of every job, sorted by ID.
func (s *Scheduler) Jobs() []JobState {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())), slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, job := range s.Jobs() {
		if job.Disabled {
			continue
		}
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job.Job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// RunNow runs a job immediately, whether or not it is due.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.jobsMu.Lock()
	state, ok := s.jobs[id]
	var job Job
	if ok {
		job = state.Job
	}
	s.jobsMu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q not scheduled", id)
	}

	if !s.tryAcquire(id) {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", id)
	}
	defer s.releaseJob(id)
	return s.runJob(ctx, job, s.now().UTC())
}

// runJob invokes the job's flow and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) error {
	ctx = logging.WithFlow(ctx, job.Flow)
	s.logger.InfoContext(ctx, "running scheduled job", slog.String("job_id", job.ID))

	out, err := s.runner.Invoke(ctx, job.Flow, job.Input)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.ErrorContext(ctx, "scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("code", schema.CodeOf(err)),
			slog.String("error", err.Error()),
		)
	}
	return s.updateJobStatus(job, now, status, out, err)
}

func (s *Scheduler) updateJobStatus(job Job, now time.Time, status string, out any, runErr error) error {
	nextRun, err := s.CalculateNextRun(job.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	state, ok := s.jobs[job.ID]
	if !ok {
		return nil // removed while running
	}
	state.LastRunAt = &now
	state.NextRunAt = &nextRun
	state.LastRunStatus = status
	state.LastOutput = out
	state.LastError = ""
	if runErr != nil {
		state.LastError = runErr.Error()
	}
	state.Runs++
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
