package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/qualys/vmgraph/internal/pipeline"

// StageStatus is the state of a stage within a run. Only pending, running
// and completed are scheduling states; failed and skipped are reported
// after the fact.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageResult is the outcome of one stage.
type StageResult struct {
	StageID       string      `json:"stage_id"`
	Status        StageStatus `json:"status"`
	StartedAt     time.Time   `json:"started_at,omitempty"`
	FinishedAt    time.Time   `json:"finished_at,omitempty"`
	Entities      int64       `json:"entities"`
	Relationships int64       `json:"relationships"`
	Error         string      `json:"error,omitempty"`
}

// Duration is zero for stages that never started.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunResult lists stage results in execution order.
type RunResult struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stages     []StageResult `json:"stages"`
}

// StageError reports the stage that ended a run.
type StageError struct {
	StageID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage '%s' failed: %v", e.StageID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Observer is notified as stages start and finish. Calls come from the
// runner's scheduling goroutine, one at a time.
type Observer interface {
	StageStarted(stageID string, at time.Time)
	StageFinished(result StageResult)
}

// Runner executes stages in dependency order.
type Runner struct {
	// Concurrency bounds how many independent stages run at once. Values
	// below 1 mean 1.
	Concurrency int
	Logger      *slog.Logger
	Observer    Observer
}

type stageDone struct {
	index    int
	err      error
	finished time.Time
	entities int64
	rels     int64
}

// Run executes stages against js. A stage starts only when all of its
// dependencies have completed. The first failure cancels running stages,
// leaves the rest unstarted and is returned as a *StageError.
func (r *Runner) Run(ctx context.Context, stages []Stage, js *JobState) (*RunResult, error) {
	ordered, err := Order(stages)
	if err != nil {
		return nil, err
	}

	logger := r.Logger
	if logger == nil {
		logger = js.Logger()
	}
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	index := make(map[string]int, len(ordered))
	for i, s := range ordered {
		index[s.ID] = i
	}
	results := make([]StageResult, len(ordered))
	for i, s := range ordered {
		results[i] = StageResult{StageID: s.ID, Status: StatusPending}
	}

	ready := func(s Stage) bool {
		for _, d := range s.DependsOn {
			if results[index[d]].Status != StatusCompleted {
				return false
			}
		}
		return true
	}

	run := &RunResult{StartedAt: time.Now()}
	done := make(chan stageDone)
	running := 0
	var failure *StageError

	for {
		if failure == nil && runCtx.Err() == nil {
			for i := range ordered {
				if running >= limit {
					break
				}
				if results[i].Status != StatusPending || !ready(ordered[i]) {
					continue
				}
				results[i].Status = StatusRunning
				results[i].StartedAt = time.Now()
				running++
				logger.Info("stage started", "stage", ordered[i].ID)
				if r.Observer != nil {
					r.Observer.StageStarted(ordered[i].ID, results[i].StartedAt)
				}
				go r.execute(runCtx, i, &ordered[i], js, done)
			}
		}
		if running == 0 {
			break
		}

		d := <-done
		running--
		res := &results[d.index]
		res.FinishedAt = d.finished
		res.Entities = d.entities
		res.Relationships = d.rels
		if d.err != nil {
			res.Status = StatusFailed
			res.Error = d.err.Error()
			logger.Error("stage failed", "stage", res.StageID, "duration", res.Duration(), "error", d.err)
			if failure == nil {
				failure = &StageError{StageID: res.StageID, Err: d.err}
				cancel()
			}
		} else {
			res.Status = StatusCompleted
			logger.Info("stage completed",
				"stage", res.StageID,
				"duration", res.Duration(),
				"entities", res.Entities,
				"relationships", res.Relationships)
		}
		if r.Observer != nil {
			r.Observer.StageFinished(*res)
		}
	}

	for i := range results {
		if results[i].Status == StatusPending {
			results[i].Status = StatusSkipped
			if r.Observer != nil {
				r.Observer.StageFinished(results[i])
			}
		}
	}

	run.FinishedAt = time.Now()
	run.Stages = results

	if failure != nil {
		return run, failure
	}
	if err := ctx.Err(); err != nil {
		return run, fmt.Errorf("run cancelled: %w", err)
	}
	return run, nil
}

func (r *Runner) execute(ctx context.Context, i int, s *Stage, js *JobState, done chan<- stageDone) {
	view := js.forStage(s)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "stage "+s.ID,
		trace.WithAttributes(attribute.String("stage.id", s.ID)))
	err := runStage(ctx, s, view)
	entities, rels := view.Counts()
	span.SetAttributes(
		attribute.Int64("stage.entities", entities),
		attribute.Int64("stage.relationships", rels))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	done <- stageDone{index: i, err: err, finished: time.Now(), entities: entities, rels: rels}
}

func runStage(ctx context.Context, s *Stage, js *JobState) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if s.Run == nil {
		return nil
	}
	return s.Run(ctx, js)
}
