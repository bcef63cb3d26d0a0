package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stefandanzl/spotify-saver/job"
)

var (
	// ErrNotFound is returned by QueryStatus for unknown or evicted
	// job ids. The job is gone, not the status channel.
	ErrNotFound = errors.New("job not found")

	// ErrSessionActive is returned by Watch while another session is
	// running on the same Monitor.
	ErrSessionActive = errors.New("a monitor session is already active")
)

// TransportError marks the status channel as unusable from the
// observer's perspective: unreachable endpoint, unexpected status code
// or a malformed response body.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// clientTimeout caps a single status query.
const clientTimeout = 10 * time.Second

// Based on http.DefaultTransport
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:        10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 5 * time.Second,
}

// HTTPClient is a StatusClient that talks to the HTTP API.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPClient returns an HTTPClient for the API at baseURL,
// eg. "http://localhost:8000".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client: &http.Client{
			Transport: transport,
			Timeout:   clientTimeout,
		},
	}
}

// QueryStatus fetches the status snapshot of the job with the given id.
func (c *HTTPClient) QueryStatus(ctx context.Context, id string) (job.Status, error) {
	var status job.Status

	res, err := c.get(ctx, c.BaseURL+"/api/status/"+id)
	if err != nil {
		return status, &TransportError{Op: "query status", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return status, ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		return status, &TransportError{
			Op:  "query status",
			Err: fmt.Errorf("unexpected status: %s", res.Status),
		}
	}

	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return status, &TransportError{Op: "decode status", Err: err}
	}
	return status, nil
}

// Health checks the availability endpoint once.
func (c *HTTPClient) Health(ctx context.Context) error {
	res, err := c.get(ctx, c.BaseURL+"/api/health")
	if err != nil {
		return &TransportError{Op: "health check", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &TransportError{
			Op:  "health check",
			Err: fmt.Errorf("unexpected status: %s", res.Status),
		}
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Client.Do(req.WithContext(ctx))
}
