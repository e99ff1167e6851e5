package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrDuplicateJob is returned by a Port when a job with the same id is
// still pending.
var ErrDuplicateJob = errors.New("queue: job id already pending")

// Port is the broker-facing side of the queue. Implementations assign an
// id when the job has none.
type Port interface {
	Add(ctx context.Context, job *Job) error
}

// Releaser is implemented by ports that track pending ids. Workers call
// Release once a job is completed or dead-lettered so the id can be
// enqueued again.
type Releaser interface {
	Release(ctx context.Context, queue Name, id string) error
}

// MemoryPort is an in-process Port. Pending jobs stay in FIFO order per
// queue until taken.
type MemoryPort struct {
	mu      sync.Mutex
	pending map[Name][]*Job
	ids     map[string]struct{}
	failing error
}

func NewMemoryPort() *MemoryPort {
	return &MemoryPort{
		pending: make(map[Name][]*Job),
		ids:     make(map[string]struct{}),
	}
}

func pendingKey(q Name, id string) string { return string(q) + "/" + id }

func (p *MemoryPort) Add(_ context.Context, job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failing != nil {
		return p.failing
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	key := pendingKey(job.Queue, job.ID)
	if _, ok := p.ids[key]; ok {
		return ErrDuplicateJob
	}
	p.ids[key] = struct{}{}
	cp := *job
	p.pending[job.Queue] = append(p.pending[job.Queue], &cp)
	return nil
}

// Take pops the oldest pending job on q. The id stays claimed until Release.
func (p *MemoryPort) Take(q Name) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	jobs := p.pending[q]
	if len(jobs) == 0 {
		return nil, false
	}
	job := jobs[0]
	p.pending[q] = jobs[1:]
	return job, true
}

func (p *MemoryPort) Release(_ context.Context, q Name, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ids, pendingKey(q, id))
	return nil
}

// Jobs returns a snapshot of the pending jobs on q.
func (p *MemoryPort) Jobs(q Name) []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Job, len(p.pending[q]))
	copy(out, p.pending[q])
	return out
}

func (p *MemoryPort) Len(q Name) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[q])
}

// FailWith makes every subsequent Add return err; nil restores normal behaviour.
func (p *MemoryPort) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = err
}
