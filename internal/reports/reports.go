package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/vmgraph/internal/models"
)

var ErrRunNotFound = errors.New("run not found")

type ReportType string

const (
	// ReportTypeRun covers one run and each of its stages.
	ReportTypeRun ReportType = "run"
	// ReportTypeHistory lists recent runs.
	ReportTypeHistory ReportType = "history"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

type ReportRequest struct {
	Type   ReportType
	Format ReportFormat
	Title  string
	// RunID selects the run for ReportTypeRun.
	RunID uuid.UUID
	// Limit bounds ReportTypeHistory. Zero means 50.
	Limit int
}

type Report struct {
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// DataProvider reads run history. *store.Store satisfies it.
type DataProvider interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	ListRuns(ctx context.Context, statuses []models.RunStatus, limit int) ([]models.SyncRun, error)
	ListStageResults(ctx context.Context, runID uuid.UUID) ([]models.SyncStageResult, error)
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	if req.Format == "" {
		req.Format = FormatPDF
	}
	if req.Format != FormatCSV && req.Format != FormatPDF {
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	switch req.Type {
	case ReportTypeRun:
		return g.generateRunReport(ctx, req)
	case ReportTypeHistory:
		return g.generateHistoryReport(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) generateRunReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	run, err := g.provider.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	stages, err := g.provider.ListStageResults(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stage results: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Sync Run " + run.ID.String()[:8]
	}

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = stagesToCSV(stages)
	case FormatPDF:
		data, err = RunReportPDF(title, run, stages)
	}
	if err != nil {
		return nil, err
	}

	return newReport(req, title, fmt.Sprintf("run_%s", run.ID), data), nil
}

func (g *Generator) generateHistoryReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	runs, err := g.provider.ListRuns(ctx, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Sync Run History"
	}

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = runsToCSV(runs)
	case FormatPDF:
		data, err = HistoryReportPDF(title, runs)
	}
	if err != nil {
		return nil, err
	}

	return newReport(req, title, fmt.Sprintf("runs_%s", time.Now().Format("20060102_150405")), data), nil
}

func newReport(req *ReportRequest, title, base string, data []byte) *Report {
	r := &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       title,
		GeneratedAt: time.Now(),
		Data:        data,
	}
	switch req.Format {
	case FormatCSV:
		r.Filename = base + ".csv"
		r.MimeType = "text/csv"
	case FormatPDF:
		r.Filename = base + ".pdf"
		r.MimeType = "application/pdf"
	}
	return r
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stagesToCSV(stages []models.SyncStageResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"Stage", "Status", "Entities", "Relationships", "Started At", "Completed At", "Error"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, s := range stages {
		row := []string{
			s.StageID,
			s.Status,
			strconv.FormatInt(s.Entities, 10),
			strconv.FormatInt(s.Relationships, 10),
			formatTime(s.StartedAt),
			formatTime(s.CompletedAt),
			deref(s.ErrorMessage),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func runsToCSV(runs []models.SyncRun) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Trigger", "Triggered By", "Status", "Failed Stage", "Entities", "Relationships", "Started At", "Completed At"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, r := range runs {
		row := []string{
			r.ID.String(),
			r.Trigger,
			r.TriggeredBy,
			string(r.Status),
			deref(r.FailedStage),
			strconv.FormatInt(r.Entities, 10),
			strconv.FormatInt(r.Relationships, 10),
			formatTime(r.StartedAt),
			formatTime(r.CompletedAt),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
