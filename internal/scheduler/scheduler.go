// Package scheduler triggers workflow executions on cron schedules.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/conductor/pkg/schema"
)

// DefaultInterval is how often due schedules are checked.
const DefaultInterval = time.Second

// Schedule fires one workflow on a cron expression. Both 5-field
// expressions and descriptors such as "@every 5m" or "@daily" are accepted.
type Schedule struct {
	Name       string         `mapstructure:"name" yaml:"name" json:"name"`
	Cron       string         `mapstructure:"cron" yaml:"cron" json:"cron"`
	WorkflowID string         `mapstructure:"workflow_id" yaml:"workflow_id" json:"workflowId"`
	CallerID   string         `mapstructure:"caller_id" yaml:"caller_id" json:"callerId"`
	CallerType string         `mapstructure:"caller_type" yaml:"caller_type" json:"callerType"`
	Parameters map[string]any `mapstructure:"parameters" yaml:"parameters" json:"parameters,omitempty"`
}

// Runner is the executor as seen by the scheduler.
type Runner interface {
	Execute(ctx context.Context, req schema.ExecutionRequest) *schema.ExecutionResponse
	Status(ctx context.Context, executionID string) (*schema.ExecutionResponse, error)
}

// JobStatus is the observable state of one schedule.
type JobStatus struct {
	Schedule        Schedule   `json:"schedule"`
	NextRunAt       time.Time  `json:"nextRunAt"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus   string     `json:"lastRunStatus,omitempty"`
	LastExecutionID string     `json:"lastExecutionId,omitempty"`
}

// Outcomes recorded in JobStatus.LastRunStatus.
const (
	RunAccepted = "accepted"
	RunRejected = "rejected"
	RunSkipped  = "skipped"
)

type job struct {
	Schedule
	spec   cron.Schedule
	status JobStatus
}

// Scheduler fires due schedules against a Runner.
type Scheduler struct {
	runner   Runner
	jobs     []*job
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu sync.Mutex
}

// Config configures a Scheduler.
type Config struct {
	Schedules []Schedule
	Interval  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates every schedule and computes its first run.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		runner:   runner,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	start := s.now()
	seen := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("%s#%d", sc.WorkflowID, i)
		}
		if seen[sc.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate schedule name %q", sc.Name)
		}
		seen[sc.Name] = true
		if sc.WorkflowID == "" || sc.CallerType == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: workflow_id and caller_type are required", sc.Name)
		}
		spec, err := parser.Parse(sc.Cron)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: parse cron expression %q", sc.Name, sc.Cron).WithCause(err)
		}
		s.jobs = append(s.jobs, &job{
			Schedule: sc,
			spec:     spec,
			status:   JobStatus{Schedule: sc, NextRunAt: spec.Next(start)},
		})
	}
	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every schedule that is due. A schedule whose previous
// execution is still running is skipped for this firing.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for _, j := range s.jobs {
		if j.status.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, j, now)
		j.status.NextRunAt = j.spec.Next(now)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job, now time.Time) {
	log := s.logger.With(slog.String("schedule", j.Name), slog.String("workflow_id", j.WorkflowID))
	j.status.LastRunAt = &now

	if prev := j.status.LastExecutionID; prev != "" {
		if st, err := s.runner.Status(ctx, prev); err == nil && st.Status == schema.StatusAccepted {
			j.status.LastRunStatus = RunSkipped
			log.Info("previous scheduled execution still running", slog.String("execution_id", prev))
			return
		}
	}

	resp := s.runner.Execute(ctx, schema.ExecutionRequest{
		WorkflowID: j.WorkflowID,
		CallerID:   j.CallerID,
		CallerType: j.CallerType,
		Parameters: maps.Clone(j.Parameters),
	})
	if resp.Status == schema.StatusRejected {
		j.status.LastRunStatus = RunRejected
		attrs := []any{}
		if resp.Error != nil {
			attrs = append(attrs, slog.String("code", resp.Error.Code), slog.String("reason", resp.Error.Message))
		}
		log.Warn("scheduled execution rejected", attrs...)
		return
	}
	j.status.LastRunStatus = RunAccepted
	j.status.LastExecutionID = resp.ExecutionID
	log.Info("scheduled execution accepted", slog.String("execution_id", resp.ExecutionID))
}

// Jobs returns the status of every schedule ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	slices.SortFunc(out, func(a, b JobStatus) int {
		return cmp.Compare(a.Schedule.Name, b.Schedule.Name)
	})
	return out
}

// Stop ends the loop and waits for an in-progress tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}
