package httpbackend

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stefandanzl/spotify-saver/job"
)

func terminalJob(t *testing.T, state job.State, dst string) *job.Job {
	t.Helper()

	var req job.Request
	err := req.UnmarshalJSON([]byte(`{"source_url":"https://open.spotify.com/album/notif1",` +
		`"callback_type":"http","callback_dst":"` + dst + `"}`))
	if err != nil {
		t.Fatal(err)
	}

	j := job.New("notifjob", req)
	j.State = state
	j.ItemsDone = 9
	j.ItemsFailed = 1
	return &j
}

func TestNotifySuccess(t *testing.T) {
	received := make(chan []byte, 1)
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
		}
		received <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer cbServer.Close()

	b := new(Backend)
	err := b.Start(context.Background(), map[string]interface{}{"timeout": json.Number("5")})
	if err != nil {
		t.Fatalf("Start should not return error, got %s", err)
	}

	j := terminalJob(t, job.StateCompleted, cbServer.URL)
	cb, err := j.CallbackInfo()
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := b.Notify(j.Request.CallbackDst, cb)
		if err != nil {
			t.Errorf("Expected Notify to be successful, got %s", err)
		}
	}()

	report := <-b.DeliveryReports()
	if !report.Delivered {
		t.Fatal("Expected callback delivery to be successful")
	}

	var posted job.Callback
	err = json.Unmarshal(<-received, &posted)
	if err != nil {
		t.Fatal(err)
	}
	if !posted.Success || posted.JobID != j.ID || posted.ItemsDone != 9 {
		t.Fatalf("Unexpected callback payload: %+v", posted)
	}

	wg.Wait()
	err = b.Stop()
	if err != nil {
		t.Fatalf("Error while finalizing: %s", err)
	}
}

func TestNotifyNon2xx(t *testing.T) {
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cbServer.Close()

	b := new(Backend)
	err := b.Start(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Start should not return error, got %s", err)
	}

	j := terminalJob(t, job.StateFailed, cbServer.URL)
	cb, err := j.CallbackInfo()
	if err != nil {
		t.Fatal(err)
	}

	err = b.Notify(j.Request.CallbackDst, cb)
	if err == nil {
		t.Fatal("Expected Notify to fail on non-2xx response")
	}
}
