package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/models"
)

type fakeProvider struct {
	runs   []models.SyncRun
	stages map[uuid.UUID][]models.SyncStageResult
}

func (f *fakeProvider) GetRun(_ context.Context, id uuid.UUID) (*models.SyncRun, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, nil
}

func (f *fakeProvider) ListRuns(_ context.Context, _ []models.RunStatus, limit int) ([]models.SyncRun, error) {
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeProvider) ListStageResults(_ context.Context, runID uuid.UUID) ([]models.SyncStageResult, error) {
	return f.stages[runID], nil
}

func fixture() *fakeProvider {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	failed := "fetch-scans"
	msg := "stage 'fetch-scans' failed: status 503"

	ok := models.SyncRun{ID: uuid.New(), Trigger: models.TriggerSchedule, Status: models.RunStatusCompleted,
		Entities: 120, Relationships: 340, StartedAt: &start, CompletedAt: &end, CreatedAt: start}
	bad := models.SyncRun{ID: uuid.New(), Trigger: models.TriggerAPI, TriggeredBy: "ops", Status: models.RunStatusFailed,
		FailedStage: &failed, ErrorMessage: &msg, StartedAt: &start, CompletedAt: &end, CreatedAt: start}

	return &fakeProvider{
		runs: []models.SyncRun{ok, bad},
		stages: map[uuid.UUID][]models.SyncStageResult{
			bad.ID: {
				{RunID: bad.ID, StageID: "fetch-account", Status: "completed", Entities: 1, StartedAt: &start, CompletedAt: &end},
				{RunID: bad.ID, StageID: "fetch-scans", Status: "failed", ErrorMessage: &msg, StartedAt: &start, CompletedAt: &end},
				{RunID: bad.ID, StageID: "fetch-scan-assets", Status: "skipped"},
			},
		},
	}
}

func TestGenerate_RunPDF(t *testing.T) {
	p := fixture()
	g := NewGenerator(p)

	for _, run := range p.runs {
		rep, err := g.Generate(context.Background(), &ReportRequest{Type: ReportTypeRun, RunID: run.ID})
		require.NoError(t, err)
		assert.Equal(t, FormatPDF, rep.Format)
		assert.Equal(t, "application/pdf", rep.MimeType)
		assert.Equal(t, "run_"+run.ID.String()+".pdf", rep.Filename)
		assert.True(t, bytes.HasPrefix(rep.Data, []byte("%PDF-")))
	}
}

func TestGenerate_RunCSV(t *testing.T) {
	p := fixture()
	bad := p.runs[1]

	rep, err := NewGenerator(p).Generate(context.Background(), &ReportRequest{Type: ReportTypeRun, Format: FormatCSV, RunID: bad.ID})
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(rep.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "Stage", records[0][0])
	assert.Equal(t, []string{"fetch-scans", "failed"}, records[2][:2])
	assert.Contains(t, records[2][6], "status 503")
	assert.Equal(t, "", records[3][4], "skipped stage has no start time")
}

func TestGenerate_History(t *testing.T) {
	p := fixture()
	g := NewGenerator(p)

	rep, err := g.Generate(context.Background(), &ReportRequest{Type: ReportTypeHistory, Format: FormatCSV})
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(rep.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "fetch-scans", records[2][4])

	rep, err = g.Generate(context.Background(), &ReportRequest{Type: ReportTypeHistory, Limit: 1})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(rep.Data, []byte("%PDF-")))

	empty := NewGenerator(&fakeProvider{})
	rep, err = empty.Generate(context.Background(), &ReportRequest{Type: ReportTypeHistory})
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Data)
}

func TestGenerate_Errors(t *testing.T) {
	g := NewGenerator(fixture())
	ctx := context.Background()

	_, err := g.Generate(ctx, &ReportRequest{Type: ReportTypeRun, RunID: uuid.New()})
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = g.Generate(ctx, &ReportRequest{Type: "findings"})
	assert.Error(t, err)

	_, err = g.Generate(ctx, &ReportRequest{Type: ReportTypeHistory, Format: "xlsx"})
	assert.Error(t, err)
}
