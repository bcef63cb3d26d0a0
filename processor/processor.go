// Processor is one of the core entities of the service. It consumes
// queued jobs and drives the external fetch operation for each of them.
//
// Jobs are distributed to a fixed pool of worker goroutines through a
// buffered channel. A worker owns a job for its whole lifetime: it moves
// it to Processing, iterates the resolved items strictly sequentially,
// records per-item outcomes, and finally marks the job Completed or
// Failed. Every mutation goes through the store's synchronized update
// operation so status readers never observe a torn record.
//
// Shutdown is coordinated through a context shared by all workers. The
// janitor runs on a cron schedule and evicts terminal jobs whose
// retention TTL has expired.
package processor

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io/ioutil"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stefandanzl/spotify-saver/fetch"
	"github.com/stefandanzl/spotify-saver/job"
	"github.com/stefandanzl/spotify-saver/processor/diskcheck"
	"github.com/stefandanzl/spotify-saver/stats"
	"github.com/stefandanzl/spotify-saver/storage"
)

const (
	queueSize = 64

	// Metric Identifiers
	statsWorkers       = "workers"       //Gauge
	statsJobsCompleted = "jobsCompleted" //Counter
	statsJobsFailed    = "jobsFailed"    //Counter
	statsItemFailures  = "itemFailures"  //Counter
	statsSweptJobs     = "sweptJobs"     //Counter

	// janitor settings
	defaultJobTTL        = 1 * time.Hour
	defaultSweepSchedule = "@every 1m"

	// output disk usage thresholds (%) and check interval
	diskHigh     = 95
	diskLow      = 90
	diskInterval = 1 * time.Minute
)

type Processor struct {
	Storage storage.Store

	// Fetcher is the external fetch collaborator.
	Fetcher fetch.Client

	// Concurrency is the size of the worker pool.
	Concurrency int

	// OutputDir is the default directory for requests that don't name one.
	OutputDir string

	// JobTTL is how long terminal jobs are retained before the janitor
	// may evict them.
	JobTTL time.Duration

	// SweepSchedule is the cron schedule of the janitor.
	SweepSchedule string

	// Notify, if set, is invoked with the final snapshot of every
	// terminal job that requested a callback.
	Notify func(job.Job)

	Log *log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	jobChan chan job.Job
	quit    chan struct{}
	stats   *stats.Stats

	// diskGate is write-locked while the output disk is sick, which
	// stalls the workers between jobs.
	diskGate sync.RWMutex
}

// New initializes and returns a Processor, or an error if outputDir is
// not writable.
func New(store storage.Store, fetcher fetch.Client, concurrency int, outputDir string, logger *log.Logger) (*Processor, error) {
	if concurrency <= 0 {
		return nil, errors.New("Concurrency must be greater than 0")
	}

	// verify we can write to outputDir
	tmpf, err := ioutil.TempFile(outputDir, "write-check-")
	if err != nil {
		return nil, errors.New("Error verifying output directory is writable: " + err.Error())
	}
	tmpf.Close()
	err = os.Remove(tmpf.Name())
	if err != nil {
		return nil, errors.New("Error verifying output directory is writable: " + err.Error())
	}

	return &Processor{
		Storage:       store,
		Fetcher:       fetcher,
		Concurrency:   concurrency,
		OutputDir:     outputDir,
		JobTTL:        defaultJobTTL,
		SweepSchedule: defaultSweepSchedule,
		Log:           logger,
		StatsIntvl:    5 * time.Second,
		jobChan:       make(chan job.Job, queueSize),
		quit:          make(chan struct{}),
		stats:         stats.New("Processor", 5*time.Second, func(m *expvar.Map) {}),
	}, nil
}

// Enqueue hands a stored job to the worker pool. It never blocks the
// caller: if the queue is saturated the handoff continues in a
// goroutine, so the submission path stays responsive. A handoff still
// pending at shutdown is abandoned; the job remains Queued in the
// store and is collected at the next start.
func (p *Processor) Enqueue(j job.Job) {
	select {
	case p.jobChan <- j:
	default:
		go func() {
			select {
			case p.jobChan <- j:
			case <-p.quit:
			}
		}()
	}
}

// Start starts p. It spawns the worker pool and the janitor and blocks
// until a signal on closeCh, then waits for in-flight jobs to finish and
// signals back on closeCh.
func (p *Processor) Start(closeCh chan struct{}) {
	p.Log.Println("Starting...")

	ctx, cancel := context.WithCancel(context.TODO())

	p.stats = stats.New("Processor", p.StatsIntvl, func(m *expvar.Map) {
		p.Log.Println("stats:", m.String())
	})
	go p.stats.Run(ctx)

	checker, err := diskcheck.New(p.OutputDir, diskHigh, diskLow, diskInterval)
	if err != nil {
		p.Log.Println("Error initializing disk checker:", err)
	} else {
		go checker.Run(ctx)
		go p.superviseDisk(ctx, checker)
	}

	janitor := cron.New()
	_, err = janitor.AddFunc(p.SweepSchedule, func() { p.sweep() })
	if err != nil {
		p.Log.Println("Error scheduling janitor:", err)
	} else {
		janitor.Start()
	}

	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	p.collectStranded()

	<-closeCh
	p.Log.Println("Shutting down...")
	cancel()
	close(p.quit)
	<-janitor.Stop().Done()
	wg.Wait()
	closeCh <- struct{}{}
}

// work consumes jobs from the queue and performs them.
func (p *Processor) work(ctx context.Context) {
	p.stats.Add(statsWorkers, 1)
	defer p.stats.Add(statsWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobChan:
			// blocks while the output disk is sick
			p.diskGate.RLock()
			p.diskGate.RUnlock()
			p.perform(ctx, &j)
		}
	}
}

// superviseDisk pauses the workers while the output disk is sick and
// resumes them when it recovers. The checker only reports transitions,
// so lock and unlock strictly alternate.
func (p *Processor) superviseDisk(ctx context.Context, checker diskcheck.Checker) {
	sick := false
	for {
		select {
		case <-ctx.Done():
			if sick {
				p.diskGate.Unlock()
			}
			return
		case health := <-checker.C():
			if health == diskcheck.Sick {
				p.Log.Println("Sick output disk, pausing the worker pool...")
				p.diskGate.Lock()
				sick = true
			} else {
				p.Log.Println("Healthy output disk, resuming the worker pool...")
				p.diskGate.Unlock()
				sick = false
			}
		}
	}
}

// collectStranded re-queues the non-terminal jobs a previous run left
// behind. The dispatch queue is in-process, so with a persistent store
// a restart would otherwise strand them forever. Jobs caught
// mid-Processing are reset to Queued first, which lets the ownership
// check in markJobProcessing reject duplicate dispatches of a live job.
func (p *Processor) collectStranded() {
	pending, err := p.Storage.PendingJobs()
	if err != nil {
		p.Log.Println("Error collecting stranded jobs:", err)
		return
	}

	for _, j := range pending {
		if j.State == job.StateProcessing {
			err := p.Storage.UpdateJob(j.ID, func(j *job.Job) {
				j.State = job.StateQueued
				j.CurrentItem = ""
			})
			if err != nil {
				p.Log.Printf("Error re-queueing stranded job %s: %s", j.ID, err)
				continue
			}
		}
		p.Enqueue(j)
	}

	if len(pending) > 0 {
		p.Log.Printf("Re-queued %d stranded jobs", len(pending))
	}
}

// perform drives the fetch operation for j and updates its state in the
// store accordingly. Item failures are recorded and the remaining items
// are still attempted; only a job whose items all failed becomes Failed.
func (p *Processor) perform(ctx context.Context, j *job.Job) {
	err := p.markJobProcessing(j.ID)
	if err == errJobOwned {
		// another worker already picked it up
		return
	}
	if err != nil {
		p.Log.Printf("perform: Error marking %s as in-progress: %s", j, err)
		return
	}

	items, err := p.Fetcher.Resolve(ctx, j.Request.SourceURL)
	if err != nil {
		p.Log.Printf("perform: Error resolving source for %s: %s", j, err)
		p.markJobFailed(j.ID, fmt.Sprintf("Could not resolve source: %s", err))
		return
	}

	opts := fetch.Options{
		OutputDir: j.Request.OutputDir,
		Format:    j.Request.Format,
		Bitrate:   j.Request.Bitrate,
		Lyrics:    j.Request.Lyrics,
		Cover:     j.Request.Cover,
		NFO:       j.Request.NFO,
	}
	if opts.OutputDir == "" {
		opts.OutputDir = p.OutputDir
	}

	var itemErrs []string
	total := len(items)

	for i, item := range items {
		uerr := p.Storage.UpdateJob(j.ID, func(j *job.Job) {
			j.CurrentItem = item.Title
		})
		if uerr != nil {
			p.Log.Printf("perform: Error updating current item for %s: %s", j, uerr)
		}

		ferr := p.Fetcher.Fetch(ctx, item, opts)
		if ferr != nil {
			ierr := fetch.ItemError{Item: item, Err: ferr}
			p.Log.Printf("perform: Error fetching item for %s: %s", j, ierr)
			p.stats.Add(statsItemFailures, 1)
			itemErrs = append(itemErrs, ierr.Error())
		}

		pct := int(math.Round(100 * float64(i+1) / float64(total)))
		failed := ferr != nil
		uerr = p.Storage.UpdateJob(j.ID, func(j *job.Job) {
			j.Progress = pct
			if failed {
				j.ItemsFailed++
			} else {
				j.ItemsDone++
			}
		})
		if uerr != nil {
			p.Log.Printf("perform: Error updating progress for %s: %s", j, uerr)
		}
	}

	switch {
	case len(itemErrs) == total:
		// every item failed, single-item jobs included
		p.markJobFailed(j.ID, itemErrs...)
	case len(itemErrs) > 0:
		p.markJobCompleted(j.ID, fmt.Sprintf("%d of %d items failed:\n%s",
			len(itemErrs), total, strings.Join(itemErrs, "\n")))
	default:
		p.markJobCompleted(j.ID, "")
	}
}

// errJobOwned means another worker already moved the job to Processing.
var errJobOwned = errors.New("Job is already being processed")

func (p *Processor) markJobProcessing(id string) error {
	owned := false
	err := p.Storage.UpdateJob(id, func(j *job.Job) {
		if j.State == job.StateProcessing {
			owned = true
			return
		}
		j.State = job.StateProcessing
		j.Progress = 0
		j.Message = ""
	})
	if err != nil {
		return err
	}
	if owned {
		return errJobOwned
	}
	return nil
}

// markJobCompleted marks the job Completed and hands it to the notifier.
func (p *Processor) markJobCompleted(id, msg string) {
	err := p.Storage.UpdateJob(id, func(j *job.Job) {
		j.State = job.StateCompleted
		j.Message = msg
	})
	if err != nil {
		p.Log.Printf("perform: Error marking job %s completed: %s", id, err)
		return
	}
	p.stats.Add(statsJobsCompleted, 1)
	p.notify(id)
}

// markJobFailed marks the job Failed with an aggregated message and
// hands it to the notifier.
func (p *Processor) markJobFailed(id string, meta ...string) {
	err := p.Storage.UpdateJob(id, func(j *job.Job) {
		j.State = job.StateFailed
		j.Message = strings.Join(meta, "\n")
	})
	if err != nil {
		p.Log.Printf("perform: Error marking job %s failed: %s", id, err)
		return
	}
	p.stats.Add(statsJobsFailed, 1)
	p.notify(id)
}

func (p *Processor) notify(id string) {
	if p.Notify == nil {
		return
	}
	j, err := p.Storage.GetJob(id)
	if err != nil {
		p.Log.Printf("notify: Error fetching job %s: %s", id, err)
		return
	}
	if j.HasCallback() {
		p.Notify(j)
	}
}

// sweep evicts terminal jobs past their retention TTL.
func (p *Processor) sweep() {
	n, err := p.Storage.Sweep(p.JobTTL)
	if err != nil {
		p.Log.Println("janitor: Error sweeping expired jobs:", err)
		return
	}
	if n > 0 {
		p.Log.Printf("janitor: Evicted %d expired jobs", n)
		p.stats.Add(statsSweptJobs, int64(n))
	}
}
