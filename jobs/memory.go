package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Enqueuer that records submitted jobs. It
// honours Job.Unique against its own clock, which makes it suitable for
// tests and the offline CLI.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []Job
	unique map[string]time.Time
	now    func() time.Time

	// Err, when set, is returned by every Enqueue call.
	Err error
}

// NewMemoryQueue constructs an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{unique: make(map[string]time.Time), now: time.Now}
}

var _ Enqueuer = (*MemoryQueue)(nil)

// Enqueue records job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return Ack{}, q.Err
	}
	if job.Unique > 0 {
		key := fmt.Sprintf("%s:%s:%x", job.Queue, job.Type, job.Payload)
		if until, ok := q.unique[key]; ok && q.now().Before(until) {
			return Ack{Queue: job.Queue, Duplicate: true}, nil
		}
		q.unique[key] = q.now().Add(job.Unique)
	}
	q.jobs = append(q.jobs, job)
	return Ack{ID: uuid.NewString(), Queue: job.Queue}, nil
}

// Jobs returns a copy of the recorded jobs, optionally filtered by type.
func (q *MemoryQueue) Jobs(types ...string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if len(types) == 0 || contains(types, job.Type) {
			out = append(out, job)
		}
	}
	return out
}

// Drain removes and returns every recorded job.
func (q *MemoryQueue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
