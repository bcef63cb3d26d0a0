package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stefandanzl/spotify-saver/fetch"
	"github.com/stefandanzl/spotify-saver/job"
	"github.com/stefandanzl/spotify-saver/storage"
)

var logger = log.New(os.Stderr, "[test-processor] ", log.Ldate|log.Ltime|log.Lshortfile)

// fakeFetcher resolves a fixed item list and fails the items whose URI
// appears in failing. It records progress snapshots taken from the store
// right before each Fetch call, so tests can assert monotonicity.
type fakeFetcher struct {
	items      []fetch.Item
	resolveErr error
	failing    map[string]bool

	mu        sync.Mutex
	store     storage.Store
	jobID     string
	snapshots []int
}

func (f *fakeFetcher) Resolve(ctx context.Context, sourceURL string) ([]fetch.Item, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.items, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, item fetch.Item, opts fetch.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store != nil {
		j, err := f.store.GetJob(f.jobID)
		if err == nil {
			f.snapshots = append(f.snapshots, j.Progress)
		}
	}
	if f.failing[item.URI] {
		return errors.New("stream extraction failed")
	}
	return nil
}

func tracks(n int) []fetch.Item {
	items := make([]fetch.Item, n)
	for i := range items {
		items[i] = fetch.Item{
			Title:  fmt.Sprintf("Track %d", i+1),
			URI:    fmt.Sprintf("yt:video%d", i+1),
			Number: i + 1,
		}
	}
	return items
}

func testRequest(t *testing.T) job.Request {
	t.Helper()
	var req job.Request
	err := req.UnmarshalJSON([]byte(`{"source_url":"https://open.spotify.com/album/42"}`))
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func newTestProcessor(t *testing.T, store storage.Store, f fetch.Client) *Processor {
	t.Helper()
	p, err := New(store, f, 2, t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPerformAllItemsSucceed(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{items: tracks(4)}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb1", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("Expected state %s, got %s", job.StateCompleted, got.State)
	}
	if got.Progress != 100 {
		t.Fatalf("Expected progress 100, got %d", got.Progress)
	}
	if got.ItemsDone != 4 || got.ItemsFailed != 0 {
		t.Fatalf("Expected 4 done / 0 failed, got %d / %d", got.ItemsDone, got.ItemsFailed)
	}
	if got.Message != "" {
		t.Fatalf("Expected empty message, got %q", got.Message)
	}
	if got.CurrentItem != "" {
		t.Fatalf("Expected current item cleared on terminal job, got %q", got.CurrentItem)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("Expected FinishedAt to be set")
	}
}

func TestPerformResolveError(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{resolveErr: errors.New("album not found")}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb2", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("Expected state %s, got %s", job.StateFailed, got.State)
	}
	if !strings.Contains(got.Message, "Could not resolve source") {
		t.Fatalf("Expected resolve error in message, got %q", got.Message)
	}
}

func TestPerformSingleItemFailure(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{
		items:   tracks(1),
		failing: map[string]bool{"yt:video1": true},
	}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb3", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("Expected state %s, got %s", job.StateFailed, got.State)
	}
	if got.Message == "" {
		t.Fatal("Expected failure message for single failed item")
	}
	if got.ItemsFailed != 1 {
		t.Fatalf("Expected 1 failed item, got %d", got.ItemsFailed)
	}
}

func TestPerformPartialFailure(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{
		items:   tracks(3),
		failing: map[string]bool{"yt:video2": true},
	}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb4", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("Expected state %s, got %s", job.StateCompleted, got.State)
	}
	if !strings.Contains(got.Message, "1 of 3 items failed") {
		t.Fatalf("Expected partial failure diagnostic, got %q", got.Message)
	}
	if got.ItemsDone != 2 || got.ItemsFailed != 1 {
		t.Fatalf("Expected 2 done / 1 failed, got %d / %d", got.ItemsDone, got.ItemsFailed)
	}
	if got.Progress != 100 {
		t.Fatalf("Expected progress 100, got %d", got.Progress)
	}
}

func TestPerformAllItemsFail(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{
		items:   tracks(2),
		failing: map[string]bool{"yt:video1": true, "yt:video2": true},
	}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb5", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("Expected state %s, got %s", job.StateFailed, got.State)
	}
	if !strings.Contains(got.Message, "Track 1") || !strings.Contains(got.Message, "Track 2") {
		t.Fatalf("Expected all item errors in message, got %q", got.Message)
	}
}

func TestPerformProgressMonotonic(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{items: tracks(3), store: store, jobID: "alb6"}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb6", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	// snapshots taken before item 1, 2 and 3 respectively
	expected := []int{0, 33, 67}
	if len(fetcher.snapshots) != len(expected) {
		t.Fatalf("Expected %d snapshots, got %v", len(expected), fetcher.snapshots)
	}
	prev := -1
	for i, pct := range fetcher.snapshots {
		if pct != expected[i] {
			t.Fatalf("Expected snapshots %v, got %v", expected, fetcher.snapshots)
		}
		if pct < prev {
			t.Fatalf("Progress regressed: %v", fetcher.snapshots)
		}
		prev = pct
	}
}

func TestStartEnqueueShutdown(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{items: tracks(2)}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("alb7", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	closeCh := make(chan struct{})
	go p.Start(closeCh)
	p.Enqueue(j)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.GetJob(j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job still in state %s after 5s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	closeCh <- struct{}{}
	<-closeCh

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("Expected state %s, got %s", job.StateCompleted, got.State)
	}
}

func TestStartCollectsStrandedJobs(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{items: tracks(2)}
	p := newTestProcessor(t, store, fetcher)

	// jobs left behind by a previous run: one never dispatched, one
	// caught mid-processing
	queued := job.New("stranded1", testRequest(t))
	if err := store.CreateJob(queued); err != nil {
		t.Fatal(err)
	}
	working := job.New("stranded2", testRequest(t))
	if err := store.CreateJob(working); err != nil {
		t.Fatal(err)
	}
	err := store.UpdateJob(working.ID, func(j *job.Job) {
		j.State = job.StateProcessing
		j.Progress = 50
		j.CurrentItem = "Track 1"
	})
	if err != nil {
		t.Fatal(err)
	}

	closeCh := make(chan struct{})
	go p.Start(closeCh)

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range []string{queued.ID, working.ID} {
		for {
			got, err := store.GetJob(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.State.Terminal() {
				if got.State != job.StateCompleted {
					t.Fatalf("Expected %s to complete, got %s", id, got.State)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Job %s still in state %s after 5s", id, got.State)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	closeCh <- struct{}{}
	<-closeCh
}

func TestPerformSkipsOwnedJob(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{items: tracks(2)}
	p := newTestProcessor(t, store, fetcher)

	j := job.New("owned", testRequest(t))
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}
	err := store.UpdateJob(j.ID, func(j *job.Job) {
		j.State = job.StateProcessing
		j.Progress = 50
	})
	if err != nil {
		t.Fatal(err)
	}

	// a duplicate dispatch of a job another worker owns must not touch it
	p.perform(context.TODO(), &j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateProcessing || got.Progress != 50 {
		t.Fatalf("Expected job left untouched, got %+v", got)
	}
	if got.ItemsDone != 0 {
		t.Fatalf("Expected no items fetched, got %d", got.ItemsDone)
	}
}

func TestNotifyHook(t *testing.T) {
	store := storage.NewMemory()
	fetcher := &fakeFetcher{items: tracks(1)}
	p := newTestProcessor(t, store, fetcher)

	notified := make(chan job.Job, 1)
	p.Notify = func(j job.Job) { notified <- j }

	var req job.Request
	err := req.UnmarshalJSON([]byte(`{"source_url":"https://open.spotify.com/album/42",` +
		`"callback_type":"http","callback_dst":"http://example.com/cb"}`))
	if err != nil {
		t.Fatal(err)
	}

	j := job.New("alb8", req)
	if err := store.CreateJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.TODO(), &j)

	select {
	case got := <-notified:
		if got.ID != j.ID {
			t.Fatalf("Expected notification for %s, got %s", j.ID, got.ID)
		}
		if !got.State.Terminal() {
			t.Fatalf("Expected terminal job in notification, got %s", got.State)
		}
	default:
		t.Fatal("Expected Notify to be invoked for job with callback")
	}
}
