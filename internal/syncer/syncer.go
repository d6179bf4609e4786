// Package syncer runs synchronizations end to end: it records the run, executes
// every stage against a fresh job state, reports progress and notifies.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
	"github.com/qualys/vmgraph/internal/queue"
	"github.com/qualys/vmgraph/internal/steps"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
	// ErrRunElsewhere means the run is executing in another worker process,
	// which cannot be signalled from here.
	ErrRunElsewhere = errors.New("run is executing in another process")
)

// RunStore persists run history. *store.Store satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	StartRun(ctx context.Context, id uuid.UUID) error
	CompleteRun(ctx context.Context, run *models.SyncRun) error
	UpsertStageResult(ctx context.Context, r *models.SyncStageResult) error
}

// Progress receives live stage state. *queue.Queue satisfies it.
type Progress interface {
	RecordStage(ctx context.Context, jobID uuid.UUID, result pipeline.StageResult) error
}

// Enqueuer hands runs to queue workers. *queue.Queue satisfies it.
type Enqueuer interface {
	EnqueueSyncJob(ctx context.Context, job *queue.Job) error
}

// Notifier is told about every finished run.
type Notifier interface {
	NotifyRun(ctx context.Context, run *models.SyncRun) error
}

type Config struct {
	Graph  graph.Store
	Source steps.Source
	Steps  steps.Config

	// Optional collaborators.
	Runs     RunStore
	Progress Progress
	Queue    Enqueuer
	Notifier Notifier

	StageConcurrency int
	// RunTimeout bounds a single run. Zero means no limit.
	RunTimeout time.Duration
	Logger     *slog.Logger
}

// Service executes synchronization runs.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		logger:  logger,
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Stages lists the stages every run executes.
func (s *Service) Stages() []pipeline.Descriptor {
	return steps.Descriptors()
}

// Run creates a run and executes it before returning. The returned run
// carries the terminal state even when err is non-nil.
func (s *Service) Run(ctx context.Context, trigger, triggeredBy string) (*models.SyncRun, error) {
	run, err := s.createRun(ctx, trigger, triggeredBy)
	if err != nil {
		return nil, err
	}
	err = s.execute(ctx, run)
	return run, err
}

// Trigger creates a queued run and hands it to a queue worker, or runs it
// in the background when no queue is configured.
func (s *Service) Trigger(ctx context.Context, trigger, triggeredBy string) (*models.SyncRun, error) {
	run, err := s.createRun(ctx, trigger, triggeredBy)
	if err != nil {
		return nil, err
	}

	if s.cfg.Queue != nil {
		job := &queue.Job{
			ID:          run.ID,
			Type:        queue.JobTypeSync,
			Trigger:     trigger,
			TriggeredBy: triggeredBy,
		}
		if trigger == models.TriggerManual || trigger == models.TriggerAPI {
			job.Priority = 1
		}
		if err := s.cfg.Queue.EnqueueSyncJob(ctx, job); err != nil {
			return nil, fmt.Errorf("enqueueing run: %w", err)
		}
		s.logger.Info("sync run queued", "run_id", run.ID, "trigger", trigger)
		return run, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(context.Background(), run)
	}()
	return run, nil
}

// Execute runs a run that was queued earlier. It satisfies queue.Executor.
func (s *Service) Execute(ctx context.Context, runID uuid.UUID, trigger, triggeredBy string) error {
	var run *models.SyncRun
	if s.cfg.Runs != nil {
		existing, err := s.cfg.Runs.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading run: %w", err)
		}
		run = existing
	}

	if run == nil {
		run = &models.SyncRun{
			ID:          runID,
			Trigger:     trigger,
			TriggeredBy: triggeredBy,
			Status:      models.RunStatusQueued,
		}
		if s.cfg.Runs != nil {
			if err := s.cfg.Runs.CreateRun(ctx, run); err != nil {
				return fmt.Errorf("creating run: %w", err)
			}
		}
	}

	if run.Status == models.RunStatusCancelled {
		s.logger.Info("skipping cancelled run", "run_id", run.ID)
		return context.Canceled
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunFinished, run.Status)
	}

	return s.execute(ctx, run)
}

// Cancel stops a run executing in this process, or marks a queued run
// cancelled so no worker starts it.
func (s *Service) Cancel(ctx context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.running[runID]
	s.mu.Unlock()
	if ok {
		s.logger.Info("cancelling run", "run_id", runID)
		cancel()
		return nil
	}

	if s.cfg.Runs == nil {
		return ErrRunNotFound
	}
	run, err := s.cfg.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	switch {
	case run.Status == models.RunStatusRunning:
		return ErrRunElsewhere
	case run.Status != models.RunStatusQueued:
		return fmt.Errorf("%w: %s", ErrRunFinished, run.Status)
	}
	msg := "cancelled before start"
	run.Status = models.RunStatusCancelled
	run.ErrorMessage = &msg
	return s.cfg.Runs.CompleteRun(ctx, run)
}

// Running lists the runs executing in this process.
func (s *Service) Running() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until background runs started by Trigger have returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) createRun(ctx context.Context, trigger, triggeredBy string) (*models.SyncRun, error) {
	run := &models.SyncRun{
		ID:          uuid.New(),
		Trigger:     trigger,
		TriggeredBy: triggeredBy,
		Status:      models.RunStatusQueued,
		CreatedAt:   time.Now(),
	}
	if s.cfg.Runs != nil {
		if err := s.cfg.Runs.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("creating run: %w", err)
		}
	}
	return run, nil
}

func (s *Service) execute(ctx context.Context, run *models.SyncRun) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	s.mu.Lock()
	s.running[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, run.ID)
		s.mu.Unlock()
	}()

	// Bookkeeping outlives cancellation of the run itself.
	bookkeeping := context.WithoutCancel(ctx)
	logger := s.logger.With("run_id", run.ID)
	logger.Info("starting sync run", "trigger", run.Trigger, "triggered_by", run.TriggeredBy)

	now := time.Now()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	if s.cfg.Runs != nil {
		if err := s.cfg.Runs.StartRun(bookkeeping, run.ID); err != nil {
			logger.Error("failed to mark run as running", "error", err)
		}
	}

	runner := &pipeline.Runner{
		Concurrency: s.cfg.StageConcurrency,
		Logger:      logger,
		Observer:    &recorder{svc: s, ctx: bookkeeping, runID: run.ID, logger: logger},
	}
	js := pipeline.NewJobState(s.cfg.Graph, logger)
	result, err := runner.Run(runCtx, steps.All(s.cfg.Source, s.cfg.Steps), js)

	if result != nil {
		run.Entities, run.Relationships = 0, 0
		for _, st := range result.Stages {
			run.Entities += st.Entities
			run.Relationships += st.Relationships
		}
	}

	var stageErr *pipeline.StageError
	switch {
	case err == nil:
		run.Status = models.RunStatusCompleted
	case errors.Is(err, context.Canceled):
		run.Status = models.RunStatusCancelled
	default:
		run.Status = models.RunStatusFailed
	}
	if err != nil {
		msg := err.Error()
		run.ErrorMessage = &msg
		if errors.As(err, &stageErr) {
			stage := stageErr.StageID
			run.FailedStage = &stage
		}
	}

	completed := time.Now()
	run.CompletedAt = &completed
	if s.cfg.Runs != nil {
		if cerr := s.cfg.Runs.CompleteRun(bookkeeping, run); cerr != nil {
			logger.Error("failed to record run result", "error", cerr)
		}
	}

	if err != nil {
		logger.Error("sync run failed", "status", run.Status, "error", err)
	} else {
		created, reused := js.SharedStats()
		logger.Info("sync run completed",
			"duration", run.Duration(),
			"entities", run.Entities,
			"relationships", run.Relationships,
			"shared_created", created,
			"shared_reused", reused)
	}

	if s.cfg.Notifier != nil {
		if nerr := s.cfg.Notifier.NotifyRun(bookkeeping, run); nerr != nil {
			logger.Error("failed to send run notification", "error", nerr)
		}
	}

	return err
}

// recorder forwards stage transitions to the run store and live progress.
type recorder struct {
	svc    *Service
	ctx    context.Context
	runID  uuid.UUID
	logger *slog.Logger
}

func (r *recorder) StageStarted(stageID string, at time.Time) {
	r.record(pipeline.StageResult{StageID: stageID, Status: pipeline.StatusRunning, StartedAt: at})
}

func (r *recorder) StageFinished(result pipeline.StageResult) {
	r.record(result)
}

func (r *recorder) record(result pipeline.StageResult) {
	if runs := r.svc.cfg.Runs; runs != nil {
		row := &models.SyncStageResult{
			RunID:         r.runID,
			StageID:       result.StageID,
			Status:        string(result.Status),
			Entities:      result.Entities,
			Relationships: result.Relationships,
		}
		if !result.StartedAt.IsZero() {
			t := result.StartedAt
			row.StartedAt = &t
		}
		if !result.FinishedAt.IsZero() {
			t := result.FinishedAt
			row.CompletedAt = &t
		}
		if result.Error != "" {
			msg := result.Error
			row.ErrorMessage = &msg
		}
		if err := runs.UpsertStageResult(r.ctx, row); err != nil {
			r.logger.Error("failed to record stage result", "stage", result.StageID, "error", err)
		}
	}

	if progress := r.svc.cfg.Progress; progress != nil {
		if err := progress.RecordStage(r.ctx, r.runID, result); err != nil {
			r.logger.Warn("failed to publish stage progress", "stage", result.StageID, "error", err)
		}
	}
}
