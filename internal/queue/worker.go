package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/vmgraph/internal/models"
)

// Executor runs the synchronization a job asks for.
type Executor interface {
	Execute(ctx context.Context, runID uuid.UUID, trigger, triggeredBy string) error
}

type Worker struct {
	id       string
	queue    *Queue
	executor Executor

	pollInterval  time.Duration
	staleTimeout  time.Duration
	cleanupPeriod time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue    *Queue
	Executor Executor
	// PollInterval is the wait after an empty dequeue. Defaults to 1s.
	PollInterval time.Duration
	// StaleTimeout fails processing jobs without progress for this long.
	// Defaults to 30m.
	StaleTimeout time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	w := &Worker{
		id:            workerID,
		queue:         cfg.Queue,
		executor:      cfg.Executor,
		pollInterval:  cfg.PollInterval,
		staleTimeout:  cfg.StaleTimeout,
		cleanupPeriod: 5 * time.Minute,
	}
	if w.pollInterval == 0 {
		w.pollInterval = time.Second
	}
	if w.staleTimeout == 0 {
		w.staleTimeout = 30 * time.Minute
	}
	return w
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.cleanupLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	_ = w.queue.WorkerHeartbeat(w.ctx, w.id)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			_ = w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.ctx.Done():
	case <-time.After(d):
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				if w.ctx.Err() != nil {
					return
				}
				log.Printf("[%s] Error dequeuing job: %v", w.id, err)
				w.sleep(5 * time.Second)
				continue
			}

			if job == nil {
				w.sleep(w.pollInterval)
				continue
			}

			w.process(job)
		}
	}
}

func (w *Worker) process(job *Job) {
	log.Printf("[%s] Processing job %s (type: %s, trigger: %s)", w.id, job.ID, job.Type, job.Trigger)

	// Bookkeeping must survive worker shutdown mid-job.
	bookkeeping := context.WithoutCancel(w.ctx)

	if job.Type != JobTypeSync {
		log.Printf("[%s] Job %s has unknown type %q", w.id, job.ID, job.Type)
		_ = w.queue.CompleteJob(bookkeeping, job, models.RunStatusFailed, "unknown job type "+job.Type)
		return
	}

	err := w.executor.Execute(w.ctx, job.ID, job.Trigger, job.TriggeredBy)
	switch {
	case err == nil:
		log.Printf("[%s] Job %s completed successfully", w.id, job.ID)
		_ = w.queue.CompleteJob(bookkeeping, job, models.RunStatusCompleted, "")
	case errors.Is(err, context.Canceled):
		log.Printf("[%s] Job %s cancelled", w.id, job.ID)
		_ = w.queue.CompleteJob(bookkeeping, job, models.RunStatusCancelled, err.Error())
	default:
		log.Printf("[%s] Job %s failed: %v", w.id, job.ID, err)
		_ = w.queue.CompleteJob(bookkeeping, job, models.RunStatusFailed, err.Error())
	}
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, w.staleTimeout)
			if err != nil {
				log.Printf("[%s] Error cleaning stale jobs: %v", w.id, err)
			} else if cleaned > 0 {
				log.Printf("[%s] Cleaned up %d stale jobs", w.id, cleaned)
			}
		}
	}
}
