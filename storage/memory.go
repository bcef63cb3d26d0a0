package storage

import (
	"sync"
	"time"

	"github.com/stefandanzl/spotify-saver/job"
)

// entry wraps a stored job with its own lock, so updates to one job
// never block readers of another.
type entry struct {
	mu sync.Mutex
	j  job.Job
}

// Memory is the in-process Store. Membership is guarded by an RWMutex,
// record mutation by a per-entry mutex.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*entry)}
}

func (m *Memory) CreateJob(j job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return ErrAlreadyExists
	}
	m.jobs[j.ID] = &entry{j: j}
	return nil
}

func (m *Memory) GetJob(id string) (job.Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return job.Job{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.j, nil
}

func (m *Memory) UpdateJob(id string, fn func(*job.Job)) error {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.j.State.Terminal() {
		return ErrTerminal
	}
	prevProgress := e.j.Progress
	fn(&e.j)
	finalize(&e.j, prevProgress)
	return nil
}

func (m *Memory) RecordCallback(id string, cb job.Callback) error {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.j.CallbackDelivered = cb.Delivered
	e.j.CallbackError = cb.DeliveryError
	return nil
}

func (m *Memory) PendingJobs() ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []job.Job
	for _, e := range m.jobs {
		e.mu.Lock()
		if !e.j.State.Terminal() {
			pending = append(pending, e.j)
		}
		e.mu.Unlock()
	}
	return pending, nil
}

func (m *Memory) RemoveJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) Sweep(ttl time.Duration) (int, error) {
	deadline := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.jobs {
		e.mu.Lock()
		expired := e.j.State.Terminal() && e.j.FinishedAt.Before(deadline)
		e.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored jobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
