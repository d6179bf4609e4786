package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

const (
	SyncJobsQueue      = "vmgraph:jobs:sync"
	SyncJobsProcessing = "vmgraph:jobs:processing"
	SyncJobsCompleted  = "vmgraph:jobs:completed"
	SyncJobsFailed     = "vmgraph:jobs:failed"
	WorkerHeartbeatKey = "vmgraph:workers:heartbeat"
	JobProgressPrefix  = "vmgraph:job:progress:"
)

const progressTTL = 24 * time.Hour

// JobTypeSync is the only job type the worker executes.
const JobTypeSync = "sync"

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Job asks a worker to run one synchronization. ID is the run id.
type Job struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	Trigger     string    `json:"trigger"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// StageProgress is the last known state of one stage of a job.
type StageProgress struct {
	Status        pipeline.StageStatus `json:"status"`
	Entities      int64                `json:"entities"`
	Relationships int64                `json:"relationships"`
	Error         string               `json:"error,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

type JobProgress struct {
	JobID       uuid.UUID                 `json:"job_id"`
	Status      models.RunStatus          `json:"status"`
	Stages      map[string]*StageProgress `json:"stages,omitempty"`
	Errors      []string                  `json:"errors"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	WorkerID    string                    `json:"worker_id,omitempty"`
}

func (q *Queue) EnqueueSyncJob(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Type == "" {
		job.Type = JobTypeSync
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	score := float64(time.Now().Unix()) - float64(job.Priority*1000)

	if err := q.client.ZAdd(ctx, SyncJobsQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	progress := &JobProgress{
		JobID:     job.ID,
		Status:    models.RunStatusQueued,
		UpdatedAt: time.Now(),
	}
	if err := q.UpdateProgress(ctx, progress); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}

	return nil
}

func (q *Queue) DequeueJob(ctx context.Context, workerID string) (*Job, error) {
	results, err := q.client.ZPopMin(ctx, SyncJobsQueue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}

	if len(results) == 0 {
		return nil, nil // No jobs available
	}

	var job Job
	if err := json.Unmarshal([]byte(results[0].Member.(string)), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	data, _ := json.Marshal(job)
	if err := q.client.SAdd(ctx, SyncJobsProcessing, string(data)).Err(); err != nil {
		q.client.ZAdd(ctx, SyncJobsQueue, redis.Z{
			Score:  results[0].Score,
			Member: results[0].Member,
		})
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	now := time.Now()
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID}
	}
	progress.Status = models.RunStatusRunning
	progress.StartedAt = &now
	progress.WorkerID = workerID
	_ = q.UpdateProgress(ctx, progress)

	return &job, nil
}

// CompleteJob moves job out of processing. Failed jobs are not retried:
// a failed sync is rerun as a new job.
func (q *Queue) CompleteJob(ctx context.Context, job *Job, status models.RunStatus, errorMsg string) error {
	data, _ := json.Marshal(job)

	q.client.SRem(ctx, SyncJobsProcessing, string(data))

	targetSet := SyncJobsCompleted
	if status != models.RunStatusCompleted {
		targetSet = SyncJobsFailed
	}

	if err := q.client.SAdd(ctx, targetSet, string(data)).Err(); err != nil {
		return fmt.Errorf("marking job complete: %w", err)
	}

	now := time.Now()
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID}
	}
	progress.Status = status
	progress.CompletedAt = &now
	if errorMsg != "" {
		progress.Errors = append(progress.Errors, errorMsg)
	}
	_ = q.UpdateProgress(ctx, progress)

	return nil
}

// RecordStage stores the latest state of one stage in the job's progress.
func (q *Queue) RecordStage(ctx context.Context, jobID uuid.UUID, result pipeline.StageResult) error {
	progress, err := q.GetProgress(ctx, jobID)
	if err != nil {
		return err
	}
	if progress == nil {
		progress = &JobProgress{JobID: jobID, Status: models.RunStatusRunning}
	}
	if progress.Stages == nil {
		progress.Stages = make(map[string]*StageProgress)
	}
	progress.Stages[result.StageID] = &StageProgress{
		Status:        result.Status,
		Entities:      result.Entities,
		Relationships: result.Relationships,
		Error:         result.Error,
		UpdatedAt:     time.Now(),
	}
	return q.UpdateProgress(ctx, progress)
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *JobProgress) error {
	progress.UpdatedAt = time.Now()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	key := JobProgressPrefix + progress.JobID.String()
	if err := q.client.Set(ctx, key, string(data), progressTTL).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	return nil
}

func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*JobProgress, error) {
	key := JobProgressPrefix + jobID.String()
	data, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress JobProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}

	return &progress, nil
}

func (q *Queue) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, SyncJobsQueue).Result()
	processing, _ := q.client.SCard(ctx, SyncJobsProcessing).Result()
	completed, _ := q.client.SCard(ctx, SyncJobsCompleted).Result()
	failed, _ := q.client.SCard(ctx, SyncJobsFailed).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["completed"] = completed
	stats["failed"] = failed

	return stats, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().Unix()).Err()
}

func (q *Queue) GetActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := time.Now().Add(-timeout).Unix()

	for workerID, lastSeen := range workers {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}

// CleanupStaleJobs fails processing jobs whose progress has not moved
// within timeout, e.g. because their worker died.
func (q *Queue) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	jobs, err := q.client.SMembers(ctx, SyncJobsProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	cleaned := 0
	for _, jobData := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobData), &job); err != nil {
			continue
		}

		progress, err := q.GetProgress(ctx, job.ID)
		if err != nil {
			continue
		}

		if progress == nil || time.Since(progress.UpdatedAt) > timeout {
			if err := q.CompleteJob(ctx, &job, models.RunStatusFailed, "worker stopped reporting progress"); err != nil {
				return cleaned, err
			}
			cleaned++
		}
	}

	return cleaned, nil
}
