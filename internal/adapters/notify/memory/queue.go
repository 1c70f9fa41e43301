package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"patient-access/internal/domain/notifications"
)

// Queue es la cola in-process. Sirve para dev/tests y como buffer cuando no
// hay un worker de entrega configurado.
type Queue struct {
	mu   sync.RWMutex
	jobs map[string]notifications.Job
	now  func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		jobs: make(map[string]notifications.Job),
		now:  time.Now,
	}
}

func (q *Queue) CreateJob(ctx context.Context, job notifications.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		return "", errors.New("job id required")
	}
	if _, exists := q.jobs[job.ID]; exists {
		return "", errors.New("job already exists")
	}
	if job.Status == "" {
		job.Status = notifications.JobPending
	}
	q.jobs[job.ID] = job
	return job.ID, nil
}

// CompleteJob es idempotente.
func (q *Queue) CompleteJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return notifications.ErrJobNotFound
	}
	if job.Status == notifications.JobCompleted {
		return nil
	}
	now := q.now().UTC()
	job.Status = notifications.JobCompleted
	job.CompletedAt = &now
	q.jobs[jobID] = job
	return nil
}

func (q *Queue) Get(jobID string) (notifications.Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[jobID]
	return job, ok
}

// Pending devuelve los jobs sin completar, urgentes primero y luego por
// antigüedad.
func (q *Queue) Pending() []notifications.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]notifications.Job, 0)
	for _, j := range q.jobs {
		if j.Status == notifications.JobPending {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority == notifications.PriorityUrgent
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}
