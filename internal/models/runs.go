package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status will not change again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// SyncRun is one execution of the full stage set.
type SyncRun struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Trigger       string     `json:"trigger" db:"trigger"`
	TriggeredBy   string     `json:"triggered_by" db:"triggered_by"`
	Status        RunStatus  `json:"status" db:"status"`
	FailedStage   *string    `json:"failed_stage,omitempty" db:"failed_stage"`
	ErrorMessage  *string    `json:"error_message,omitempty" db:"error_message"`
	Entities      int64      `json:"entities" db:"entities"`
	Relationships int64      `json:"relationships" db:"relationships"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// SyncStageResult is the recorded outcome of one stage of a run.
type SyncStageResult struct {
	RunID         uuid.UUID  `json:"run_id" db:"run_id"`
	StageID       string     `json:"stage_id" db:"stage_id"`
	Status        string     `json:"status" db:"status"`
	Entities      int64      `json:"entities" db:"entities"`
	Relationships int64      `json:"relationships" db:"relationships"`
	ErrorMessage  *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Duration is zero until the run has completed.
func (r *SyncRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
