package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/qualys/vmgraph/internal/auth"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/queue"
	"github.com/qualys/vmgraph/internal/reports"
	"github.com/qualys/vmgraph/internal/scheduler"
	"github.com/qualys/vmgraph/internal/syncer"
)

type tokenRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name and password are required")
		return
	}

	token, err := s.authService.Login(req.Name, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid credentials")
		return
	}

	respondJSON(w, http.StatusOK, token)
}

func (s *Server) listStages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.syncer.Stages())
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var statuses []models.RunStatus
	if st := r.URL.Query().Get("status"); st != "" {
		for _, v := range strings.Split(st, ",") {
			statuses = append(statuses, models.RunStatus(strings.TrimSpace(v)))
		}
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), statuses, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}

	respondJSONWithMeta(w, http.StatusOK, runs, &apiMeta{Total: len(runs), Limit: limit})
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.syncer.Trigger(r.Context(), models.TriggerAPI, auth.Subject(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sync_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, run)
}

type runResponse struct {
	*models.SyncRun
	Progress *queue.JobProgress `json:"progress,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}

	resp := runResponse{SyncRun: run}
	if s.queue != nil && !run.Status.Terminal() {
		if progress, err := s.queue.GetProgress(r.Context(), id); err == nil {
			resp.Progress = progress
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getRunStages(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}

	stages, err := s.runs.ListStageResults(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if stages == nil {
		stages = []models.SyncStageResult{}
	}

	respondJSON(w, http.StatusOK, stages)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	err := s.syncer.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, syncer.ErrRunNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
	case errors.Is(err, syncer.ErrRunFinished):
		respondError(w, http.StatusConflict, "run_finished", err.Error())
	case errors.Is(err, syncer.ErrRunElsewhere):
		respondError(w, http.StatusConflict, "run_elsewhere", "Run is executing on another worker and cannot be cancelled from this instance")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "sync_error", err.Error())
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func reportFormat(r *http.Request) reports.ReportFormat {
	if f := r.URL.Query().Get("format"); f != "" {
		return reports.ReportFormat(strings.ToLower(f))
	}
	return reports.FormatPDF
}

func writeReport(w http.ResponseWriter, rep *reports.Report) {
	w.Header().Set("Content-Type", rep.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(rep.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.Data)
}

func (s *Server) getRunReport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	rep, err := s.reportGenerator.Generate(r.Context(), &reports.ReportRequest{
		Type:   reports.ReportTypeRun,
		Format: reportFormat(r),
		RunID:  id,
	})
	if errors.Is(err, reports.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "report_error", err.Error())
		return
	}

	writeReport(w, rep)
}

func (s *Server) getHistoryReport(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rep, err := s.reportGenerator.Generate(r.Context(), &reports.ReportRequest{
		Type:   reports.ReportTypeHistory,
		Format: reportFormat(r),
		Limit:  limit,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "report_error", err.Error())
		return
	}

	writeReport(w, rep)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusNotFound, "queue_disabled", "No job queue configured")
		return
	}

	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	workers, err := s.queue.GetActiveWorkers(r.Context(), time.Minute)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if workers == nil {
		workers = []string{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    stats,
		"workers": workers,
	})
}

func (s *Server) getGraphStats(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		respondError(w, http.StatusNotFound, "graph_stats_unavailable", "Graph store does not report counts")
		return
	}

	entities, relationships, err := s.graph.Counts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entities":      entities,
		"relationships": relationships,
	})
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.scheduler.GetJob(r.Context(), id)
	if err != nil {
		respondJobError(w, err)
		return
	}

	type jobView struct {
		*scheduler.Job
		Upcoming []time.Time `json:"upcoming,omitempty"`
	}
	respondJSON(w, http.StatusOK, jobView{Job: job, Upcoming: s.scheduler.GetNextRuns(id, 5)})
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if _, err := s.scheduler.GetJob(r.Context(), id); err != nil {
		respondJobError(w, err)
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondJobError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondJobError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.scheduler.Executions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if execs == nil {
		execs = []*scheduler.JobExecution{}
	}

	respondJSON(w, http.StatusOK, execs)
}

func respondJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respondError(w, http.StatusInternalServerError, "db_error", err.Error())
}
