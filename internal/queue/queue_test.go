package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
)

// setupTestQueue creates a miniredis instance and returns a connected Queue.
func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = q.Close()
	})
	return q, mr
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	low := &Job{Trigger: models.TriggerSchedule}
	high := &Job{Trigger: models.TriggerAPI, Priority: 5}
	require.NoError(t, q.EnqueueSyncJob(ctx, low))
	require.NoError(t, q.EnqueueSyncJob(ctx, high))
	assert.NotEqual(t, uuid.Nil, low.ID)
	assert.Equal(t, JobTypeSync, low.Type)

	progress, err := q.GetProgress(ctx, low.ID)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, models.RunStatusQueued, progress.Status)

	job, err := q.DequeueJob(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, high.ID, job.ID, "higher priority first")

	progress, err = q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, progress.Status)
	assert.Equal(t, "w1", progress.WorkerID)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["pending"])
	assert.EqualValues(t, 1, stats["processing"])

	require.NoError(t, q.CompleteJob(ctx, job, models.RunStatusCompleted, ""))
	stats, _ = q.GetQueueStats(ctx)
	assert.EqualValues(t, 0, stats["processing"])
	assert.EqualValues(t, 1, stats["completed"])

	progress, _ = q.GetProgress(ctx, job.ID)
	assert.Equal(t, models.RunStatusCompleted, progress.Status)
	assert.NotNil(t, progress.CompletedAt)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _ := setupTestQueue(t)
	job, err := q.DequeueJob(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_RecordStage(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	job := &Job{}
	require.NoError(t, q.EnqueueSyncJob(ctx, job))

	require.NoError(t, q.RecordStage(ctx, job.ID, pipeline.StageResult{
		StageID: "fetch-sites", Status: pipeline.StatusCompleted, Entities: 4, Relationships: 4,
	}))
	require.NoError(t, q.RecordStage(ctx, job.ID, pipeline.StageResult{
		StageID: "fetch-scans", Status: pipeline.StatusFailed, Error: "status 503",
	}))

	progress, err := q.GetProgress(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, progress.Stages, 2)
	assert.EqualValues(t, 4, progress.Stages["fetch-sites"].Entities)
	assert.Equal(t, "status 503", progress.Stages["fetch-scans"].Error)
}

func TestQueue_CleanupStaleJobs(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueSyncJob(ctx, &Job{}))
	job, err := q.DequeueJob(ctx, "w1")
	require.NoError(t, err)

	cleaned, err := q.CleanupStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, cleaned)

	// Progress keys expire; a job without progress is stale.
	mr.Del(JobProgressPrefix + job.ID.String())
	cleaned, err = q.CleanupStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	stats, _ := q.GetQueueStats(ctx)
	assert.EqualValues(t, 0, stats["processing"])
	assert.EqualValues(t, 1, stats["failed"])
}

func TestQueue_ActiveWorkers(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.WorkerHeartbeat(ctx, "w1"))
	active, err := q.GetActiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, active)
}

type fakeExecutor struct {
	mu   sync.Mutex
	runs []uuid.UUID
	err  error
	done chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, runID uuid.UUID, trigger, triggeredBy string) error {
	f.mu.Lock()
	f.runs = append(f.runs, runID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.err
}

func waitForStatus(t *testing.T, q *Queue, id uuid.UUID, want models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := q.GetProgress(context.Background(), id)
		return err == nil && p != nil && p.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_ProcessesJobs(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	exec := &fakeExecutor{done: make(chan struct{}, 1)}
	w := NewWorker(WorkerConfig{Queue: q, Executor: exec, PollInterval: 10 * time.Millisecond})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.Error(t, w.Start(ctx))

	job := &Job{Trigger: models.TriggerManual}
	require.NoError(t, q.EnqueueSyncJob(ctx, job))

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not executed")
	}
	waitForStatus(t, q, job.ID, models.RunStatusCompleted)
}

func TestWorker_FailedJobIsNotRetried(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	exec := &fakeExecutor{done: make(chan struct{}, 4), err: errors.New("stage 'fetch-sites' failed")}
	w := NewWorker(WorkerConfig{Queue: q, Executor: exec, PollInterval: 10 * time.Millisecond})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	job := &Job{}
	require.NoError(t, q.EnqueueSyncJob(ctx, job))
	waitForStatus(t, q, job.ID, models.RunStatusFailed)

	stats, _ := q.GetQueueStats(ctx)
	assert.EqualValues(t, 1, stats["failed"])
	assert.EqualValues(t, 0, stats["pending"])

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Len(t, exec.runs, 1)
}
