package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNotFound is returned by stores for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by CreateJob when the id is taken.
	ErrJobExists = errors.New("job already exists")
)

// Job represents a scheduled job
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"` // Cron expression
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// JobType defines the type of scheduled job
type JobType string

const (
	// JobTypeSync starts a synchronization run.
	JobTypeSync JobType = "sync"
	// JobTypeCleanupRuns deletes run history older than the job's
	// retention_days setting.
	JobTypeCleanupRuns JobType = "cleanup_runs"
)

// DefaultSyncJobID names the sync job seeded from configuration.
const DefaultSyncJobID = "default-sync"

// JobExecution tracks job execution history
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

// ExecutionStatus represents job execution status
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler is a function that executes a job. The returned string is
// stored as the execution output.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store defines the interface for job persistence
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
	// PruneExecutions deletes finished executions that started before cutoff.
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateJob checks the fields a job needs before it can be stored.
func ValidateJob(job *Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	switch job.JobType {
	case JobTypeSync, JobTypeCleanupRuns:
	default:
		return fmt.Errorf("unknown job type: %q", job.JobType)
	}
	if _, err := parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if d, ok := job.Config["retention_days"]; ok {
		if n, err := strconv.Atoi(d); err != nil || n < 1 {
			return fmt.Errorf("retention_days must be a positive integer, got %q", d)
		}
	}
	return nil
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

// RegisterHandler registers a handler for a job type
func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Enabled {
			if err := s.scheduleJob(job); err != nil {
				s.logger.Error("failed to schedule job",
					"job_id", job.ID,
					"job_name", job.Name,
					"error", err)
			}
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs))

	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// EnsureJob creates job when no job with its id exists yet. Stored jobs win
// over the seed so API edits survive restarts.
func (s *Scheduler) EnsureJob(ctx context.Context, job *Job) error {
	existing, err := s.store.GetJob(ctx, job.ID)
	if err == nil && existing != nil {
		return nil
	}
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}
	// Another replica may have seeded it first.
	if err := s.store.CreateJob(ctx, job); err != nil && !errors.Is(err, ErrJobExists) {
		return err
	}
	return nil
}

// ListJobs returns every stored job.
func (s *Scheduler) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx)
}

// GetJob returns one stored job.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// Executions returns the most recent executions of a job.
func (s *Scheduler) Executions(ctx context.Context, id string, limit int) ([]*JobExecution, error) {
	return s.store.GetJobExecutions(ctx, id, limit)
}

// AddJob adds a new job
func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := ValidateJob(job); err != nil {
		return err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}

	return nil
}

// UpdateJob updates a job
func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	if err := ValidateJob(job); err != nil {
		return err
	}
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}

	return nil
}

// DeleteJob deletes a job
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

// EnableJob enables a job
func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	return s.scheduleJob(job)
}

// DisableJob disables a job
func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = false
	s.unscheduleJob(id)

	return s.store.UpdateJob(ctx, job)
}

// RunJobNow runs a job immediately, even when it is disabled.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job, true)
	}()
	return nil
}

// GetNextRuns returns the next N runs for a job
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	if next.IsZero() {
		// Not started yet.
		next = entry.Schedule.Next(time.Now())
	}
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}

	return runs
}

// scheduleJob adds a job to the cron scheduler
func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.executeJob(job, false)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Schedule.Next(time.Now())
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

// unscheduleJob removes a job from the cron scheduler
func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// executeJob runs the stored version of a job so config edits made since
// it was scheduled take effect. Jobs deleted or disabled in the meantime
// are skipped unless forced.
func (s *Scheduler) executeJob(job *Job, force bool) {
	ctx := context.Background()
	logger := s.logger.With("job_id", job.ID, "job_name", job.Name)

	current, err := s.store.GetJob(ctx, job.ID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		logger.Warn("skipping execution of deleted job")
		return
	case err != nil:
		logger.Error("failed to reload job, using scheduled copy", "error", err)
	case !current.Enabled && !force:
		logger.Info("skipping execution of disabled job")
		return
	default:
		job = current
	}

	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		logger.Error("failed to create execution record", "error", err)
	}
	logger = logger.With("execution_id", exec.ID)
	logger.Info("executing job")

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	if ok {
		exec.Output, err = handler(ctx, job)
	} else {
		err = fmt.Errorf("no handler registered for job type: %s", job.JobType)
	}

	ended := time.Now()
	exec.EndedAt = &ended
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		logger.Error("job execution failed", "error", err, "duration", ended.Sub(exec.StartedAt))
	} else {
		exec.Status = StatusCompleted
		logger.Info("job execution completed", "output", exec.Output, "duration", ended.Sub(exec.StartedAt))
	}

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		logger.Error("failed to update execution record", "error", err)
	}
	if err := s.store.UpdateLastRun(ctx, job.ID, exec.StartedAt); err != nil {
		logger.Error("failed to record last run", "error", err)
	}
}

// DefaultHandlers wires the job types to the service.
type DefaultHandlers struct {
	// SyncFunc starts a run and returns its id.
	SyncFunc func(ctx context.Context, triggeredBy string) (string, error)
	// CleanupFunc deletes history older than olderThan and returns the
	// number of runs removed.
	CleanupFunc func(ctx context.Context, olderThan time.Duration) (int64, error)
	// RetentionDays applies when a cleanup job sets no retention_days.
	RetentionDays int
}

// Register registers default handlers with the scheduler
func (h *DefaultHandlers) Register(s *Scheduler) {
	if h.SyncFunc != nil {
		s.RegisterHandler(JobTypeSync, func(ctx context.Context, job *Job) (string, error) {
			runID, err := h.SyncFunc(ctx, "scheduler:"+job.ID)
			if err != nil {
				return "", err
			}
			return "run " + runID, nil
		})
	}

	if h.CleanupFunc != nil {
		s.RegisterHandler(JobTypeCleanupRuns, func(ctx context.Context, job *Job) (string, error) {
			days := h.RetentionDays
			if days < 1 {
				days = 30
			}
			if d, ok := job.Config["retention_days"]; ok {
				if n, err := strconv.Atoi(d); err == nil && n > 0 {
					days = n
				}
			}
			retention := time.Duration(days) * 24 * time.Hour
			deleted, err := h.CleanupFunc(ctx, retention)
			if err != nil {
				return "", err
			}
			pruned, err := s.store.PruneExecutions(ctx, time.Now().Add(-retention))
			if err != nil {
				return "", fmt.Errorf("deleted %d runs, pruning executions: %w", deleted, err)
			}
			return fmt.Sprintf("deleted %d runs, %d job executions", deleted, pruned), nil
		})
	}
}
