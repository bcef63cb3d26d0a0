// Package storage implements the job store, the single source of truth
// for job state. Two implementations are provided: an in-memory store
// for single-process deployments and a Redis-backed one for deployments
// that already run Redis.
package storage

import (
	"errors"
	"time"

	"github.com/stefandanzl/spotify-saver/job"
)

var (
	// ErrNotFound is returned when a requested job is not in the store,
	// because it never existed or because it has been evicted.
	ErrNotFound = errors.New("Not Found")

	// ErrAlreadyExists is returned by CreateJob on an id collision.
	ErrAlreadyExists = errors.New("Job already exists")

	// ErrTerminal is returned by UpdateJob when the job has already
	// reached a terminal state.
	ErrTerminal = errors.New("Job is in a terminal state")
)

// Store is the synchronized ownership boundary around job records.
// No component holds a raw mutable alias to a stored job: reads return
// copies and every mutation goes through UpdateJob.
type Store interface {
	// CreateJob inserts a new job. The job is visible to GetJob as soon
	// as CreateJob returns.
	CreateJob(j job.Job) error

	// GetJob returns a copy of the job with the given id, or ErrNotFound.
	GetJob(id string) (job.Job, error)

	// UpdateJob applies fn to the stored job under the store's lock.
	// Concurrent readers observe either the state before or after fn,
	// never a value in between. Updating a terminal job returns
	// ErrTerminal; progress is never allowed to decrease.
	UpdateJob(id string, fn func(*job.Job)) error

	// RecordCallback stores the delivery outcome of the job's
	// completion callback. Unlike UpdateJob it is valid on terminal
	// jobs, since callbacks fire after the job finishes.
	RecordCallback(id string, cb job.Callback) error

	// PendingJobs returns copies of all non-terminal jobs. It backs the
	// startup collection of jobs a previous run left behind.
	PendingJobs() ([]job.Job, error)

	// RemoveJob evicts the job from the store.
	RemoveJob(id string) error

	// Sweep evicts terminal jobs that finished more than ttl ago and
	// returns how many were removed.
	Sweep(ttl time.Duration) (int, error)
}

// finalize keeps the update invariants: progress is monotonic while the
// job is live and pinned to 100 on completion, a terminal transition
// records its time, and CurrentItem does not outlive Processing.
func finalize(j *job.Job, prevProgress int) {
	if j.Progress < prevProgress {
		j.Progress = prevProgress
	}
	if j.State == job.StateCompleted {
		j.Progress = 100
	}
	if j.State != job.StateProcessing {
		j.CurrentItem = ""
	}
	if j.State.Terminal() && j.FinishedAt.IsZero() {
		j.FinishedAt = time.Now()
	}
}
