// Package notifier delivers callbacks for finished download jobs
// through pluggable delivery backends.
package notifier

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stefandanzl/spotify-saver/backend"
	"github.com/stefandanzl/spotify-saver/job"
)

const queueSize = 64

// Notifier consumes finished jobs and notifies back the respective
// callers through the delivery backend named by each job's
// callback_type.
type Notifier struct {
	Storage  StatusUpdater
	Log      *log.Logger
	backends map[string]backend.Backend

	concurrency int
	cbChan      chan job.Job

	// mu guards closing. Senders that overflowed into a goroutine are
	// tracked in pending and released through quit, so cbChan is never
	// closed while one of them may still send on it.
	mu      sync.RWMutex
	closing bool
	pending sync.WaitGroup
	quit    chan struct{}
}

// StatusUpdater records the delivery outcome on the job. It is a
// subset of the storage interface, split out so tests can fake it.
type StatusUpdater interface {
	RecordCallback(id string, cb job.Callback) error
}

// New returns a Notifier with no registered backends.
func New(s StatusUpdater, concurrency int, logger *log.Logger) (*Notifier, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("Notifier concurrency must be a positive number")
	}

	return &Notifier{
		Storage:     s,
		Log:         logger,
		backends:    make(map[string]backend.Backend),
		concurrency: concurrency,
		cbChan:      make(chan job.Job, queueSize),
		quit:        make(chan struct{}),
	}, nil
}

// RegisterBackend starts b with cfg and makes it available to jobs
// whose callback_type matches its ID.
func (n *Notifier) RegisterBackend(ctx context.Context, b backend.Backend, cfg map[string]interface{}) error {
	if _, ok := n.backends[b.ID()]; ok {
		return fmt.Errorf("Backend %s is already registered", b.ID())
	}
	err := b.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("Could not start backend %s: %s", b.ID(), err)
	}
	n.backends[b.ID()] = b
	return nil
}

// Enqueue hands a finished job to the notifier. Jobs that are not
// terminal or carry no callback are silently skipped. Jobs enqueued
// during shutdown are dropped and logged; their delivery bookkeeping
// in the store stays unset.
func (n *Notifier) Enqueue(j job.Job) {
	if !j.State.Terminal() || !j.HasCallback() {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closing {
		n.Log.Printf("Shutting down, dropping callback for job %s", j.ID)
		return
	}

	select {
	case n.cbChan <- j:
	default:
		// callback queue full, finish the handoff without blocking
		// the caller
		n.pending.Add(1)
		go func() {
			defer n.pending.Done()
			select {
			case n.cbChan <- j:
			case <-n.quit:
				n.Log.Printf("Shutting down, dropping callback for job %s", j.ID)
			}
		}()
	}
}

// Start starts the Notifier workers and the delivery report consumers.
// It blocks until closeChan receives a value, then drains and responds
// on the same channel.
func (n *Notifier) Start(closeChan chan struct{}) {
	var workers sync.WaitGroup
	workers.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer workers.Done()
			for j := range n.cbChan {
				n.notify(&j)
			}
		}()
	}

	var reporters sync.WaitGroup
	for _, b := range n.backends {
		reporters.Add(1)
		go func(b backend.Backend) {
			defer reporters.Done()
			for cb := range b.DeliveryReports() {
				n.record(cb)
			}
		}(b)
	}

	<-closeChan
	n.mu.Lock()
	n.closing = true
	n.mu.Unlock()
	close(n.quit)
	n.pending.Wait()
	close(n.cbChan)
	workers.Wait()

	for id, b := range n.backends {
		err := b.Stop()
		if err != nil {
			n.Log.Printf("Error stopping backend %s: %s", id, err)
		}
	}
	reporters.Wait()

	closeChan <- struct{}{}
}

// notify delivers the callback of j through the backend matching its
// callback_type.
func (n *Notifier) notify(j *job.Job) {
	b, ok := n.backends[j.Request.CallbackType]
	if !ok {
		n.Log.Printf("No registered backend for callback type %q (job %s)",
			j.Request.CallbackType, j.ID)
		return
	}

	cb, err := j.CallbackInfo()
	if err != nil {
		n.Log.Printf("Error building callback for %s: %s", j, err)
		return
	}

	err = b.Notify(j.Request.CallbackDst, cb)
	if err != nil {
		n.Log.Printf("Error delivering callback for %s: %s", j, err)
		n.record(job.Callback{
			JobID:         j.ID,
			Delivered:     false,
			DeliveryError: err.Error(),
		})
	}
}

// record stores the delivery outcome on the job. Jobs already evicted
// from the store are only logged.
func (n *Notifier) record(cb job.Callback) {
	err := n.Storage.RecordCallback(cb.JobID, cb)
	if err != nil {
		n.Log.Printf("Error recording delivery report for %s: %s", cb.JobID, err)
	}
}
