package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. It backs the scheduler when no
// database is configured and in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	executions map[string][]*JobExecution
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*Job),
		executions: make(map[string][]*JobExecution),
	}
}

func copyJob(j *Job) *Job {
	c := *j
	if j.Config != nil {
		c.Config = make(map[string]string, len(j.Config))
		for k, v := range j.Config {
			c.Config[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// ListJobs returns jobs newest first, like the Postgres store.
func (m *MemoryStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, copyJob(j))
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return jobs, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobExists
	}
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.executions, id)
	return nil
}

func (m *MemoryStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.LastRun = &lastRun
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	c := *exec
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.JobID] = append(m.executions[exec.JobID], &c)
	return nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.executions[exec.JobID] {
		if e.ID == exec.ID {
			c := *exec
			m.executions[exec.JobID][i] = &c
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.executions[jobID]
	out := make([]*JobExecution, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, execs := range m.executions {
		kept := execs[:0]
		for _, e := range execs {
			if e.Status != StatusRunning && e.StartedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		m.executions[id] = kept
	}
	return n, nil
}
