package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/pipeline"
	"github.com/qualys/vmgraph/internal/queue"
	"github.com/qualys/vmgraph/internal/steps"
)

// source serves one site holding one asset. When block is set, listing
// sites waits for the run to be cancelled.
type source struct {
	authErr error
	block   chan struct{}
}

func (s *source) VerifyAuthentication(context.Context) error { return s.authErr }

func (s *source) IterateUsers(context.Context, func(*models.User) error) error { return nil }

func (s *source) IterateSites(ctx context.Context, visit func(*models.Site) error) error {
	if s.block != nil {
		close(s.block)
		<-ctx.Done()
		return ctx.Err()
	}
	return visit(&models.Site{ID: 1, Name: "HQ"})
}

func (s *source) IterateAssets(_ context.Context, visit func(*models.Asset) error) error {
	return visit(&models.Asset{ID: 10, HostName: "web-1"})
}

func (s *source) IterateSiteAssets(_ context.Context, _ string, visit func(*models.Asset) error) error {
	return visit(&models.Asset{ID: 10})
}

func (s *source) IterateScans(context.Context, func(*models.Scan) error) error { return nil }

func (s *source) IterateSiteScans(context.Context, string, func(*models.Scan) error) error {
	return nil
}

func (s *source) IterateAssetVulnerabilities(context.Context, string, func(*models.AssetVulnerability) error) error {
	return nil
}

type memRuns struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]models.SyncRun
	stages map[uuid.UUID]map[string]models.SyncStageResult
}

func newMemRuns() *memRuns {
	return &memRuns{
		runs:   make(map[uuid.UUID]models.SyncRun),
		stages: make(map[uuid.UUID]map[string]models.SyncStageResult),
	}
}

func (m *memRuns) CreateRun(_ context.Context, run *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id uuid.UUID) (*models.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *memRuns) StartRun(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	now := time.Now()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	m.runs[id] = run
	return nil
}

func (m *memRuns) CompleteRun(_ context.Context, run *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memRuns) UpsertStageResult(_ context.Context, r *models.SyncStageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stages[r.RunID] == nil {
		m.stages[r.RunID] = make(map[string]models.SyncStageResult)
	}
	m.stages[r.RunID][r.StageID] = *r
	return nil
}

func (m *memRuns) stage(runID uuid.UUID, stageID string) models.SyncStageResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stages[runID][stageID]
}

type progressLog struct {
	mu      sync.Mutex
	results []pipeline.StageResult
}

func (p *progressLog) RecordStage(_ context.Context, _ uuid.UUID, r pipeline.StageResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
	return nil
}

type notifier struct {
	mu   sync.Mutex
	runs []models.SyncRun
}

func (n *notifier) NotifyRun(_ context.Context, run *models.SyncRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, *run)
	return nil
}

type enqueuer struct {
	jobs []*queue.Job
}

func (e *enqueuer) EnqueueSyncJob(_ context.Context, job *queue.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

func newService(src steps.Source) (*Service, *memRuns, *progressLog, *notifier) {
	runs := newMemRuns()
	progress := &progressLog{}
	notes := &notifier{}
	svc := New(Config{
		Graph:    graph.NewMemoryStore(),
		Source:   src,
		Steps:    steps.Config{Host: "vm.example.com"},
		Runs:     runs,
		Progress: progress,
		Notifier: notes,
	})
	return svc, runs, progress, notes
}

func TestService_RunCompletes(t *testing.T) {
	svc, runs, progress, notes := newService(&source{})

	run, err := svc.Run(context.Background(), models.TriggerManual, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Nil(t, run.FailedStage)
	assert.Positive(t, run.Entities)
	assert.Positive(t, run.Relationships)

	stored, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Equal(t, run.Entities, stored.Entities)

	for _, d := range svc.Stages() {
		assert.Equal(t, string(pipeline.StatusCompleted), runs.stage(run.ID, d.ID).Status, d.ID)
	}

	progress.mu.Lock()
	assert.Len(t, progress.results, 2*len(svc.Stages()))
	progress.mu.Unlock()

	require.Len(t, notes.runs, 1)
	assert.Equal(t, run.ID, notes.runs[0].ID)
	assert.Empty(t, svc.Running())
}

func TestService_RunFailureNamesStage(t *testing.T) {
	svc, runs, _, notes := newService(&source{authErr: errors.New("401 unauthorized")})

	run, err := svc.Run(context.Background(), models.TriggerSchedule, "")
	require.Error(t, err)

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.FailedStage)
	assert.Equal(t, steps.FetchAccount, *run.FailedStage)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "401 unauthorized")

	assert.Equal(t, string(pipeline.StatusSkipped), runs.stage(run.ID, steps.FetchSites).Status)
	require.Len(t, notes.runs, 1)
	assert.Equal(t, models.RunStatusFailed, notes.runs[0].Status)
}

func TestService_CancelRunning(t *testing.T) {
	src := &source{block: make(chan struct{})}
	svc, runs, _, _ := newService(src)

	run, err := svc.Trigger(context.Background(), models.TriggerAPI, "alice")
	require.NoError(t, err)

	<-src.block
	require.NoError(t, svc.Cancel(context.Background(), run.ID))
	svc.Wait()

	stored, _ := runs.GetRun(context.Background(), run.ID)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)
}

func TestService_CancelQueued(t *testing.T) {
	runs := newMemRuns()
	q := &enqueuer{}
	svc := New(Config{Graph: graph.NewMemoryStore(), Source: &source{}, Runs: runs, Queue: q})
	ctx := context.Background()

	run, err := svc.Trigger(ctx, models.TriggerAPI, "alice")
	require.NoError(t, err)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, run.ID, q.jobs[0].ID)
	assert.Equal(t, 1, q.jobs[0].Priority)

	require.NoError(t, svc.Cancel(ctx, run.ID))
	stored, _ := runs.GetRun(ctx, run.ID)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)

	// A worker picking the job up afterwards does not run it.
	err = svc.Execute(ctx, run.ID, run.Trigger, run.TriggeredBy)
	assert.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, svc.Cancel(ctx, run.ID), ErrRunFinished)
	assert.ErrorIs(t, svc.Cancel(ctx, uuid.New()), ErrRunNotFound)
}

func TestService_CancelRunningElsewhere(t *testing.T) {
	runs := newMemRuns()
	svc := New(Config{Graph: graph.NewMemoryStore(), Source: &source{}, Runs: runs})
	ctx := context.Background()

	started := time.Now()
	run := &models.SyncRun{ID: uuid.New(), Status: models.RunStatusRunning, Trigger: models.TriggerSchedule, StartedAt: &started}
	require.NoError(t, runs.CreateRun(ctx, run))

	err := svc.Cancel(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunElsewhere)
	assert.NotErrorIs(t, err, ErrRunFinished)

	stored, _ := runs.GetRun(ctx, run.ID)
	assert.Equal(t, models.RunStatusRunning, stored.Status)
}

func TestService_ExecuteCreatesMissingRun(t *testing.T) {
	svc, runs, _, _ := newService(&source{})
	id := uuid.New()

	require.NoError(t, svc.Execute(context.Background(), id, models.TriggerSchedule, "scheduler"))

	stored, err := runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Equal(t, "scheduler", stored.TriggeredBy)
}

func TestService_WithoutRunStore(t *testing.T) {
	svc := New(Config{Graph: graph.NewMemoryStore(), Source: &source{}, Steps: steps.Config{Host: "vm"}})
	run, err := svc.Run(context.Background(), models.TriggerManual, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}
