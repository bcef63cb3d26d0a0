// Package fetch defines the boundary to the external content-fetching
// collaborator: a catalog lookup that expands a source URL into items,
// and the per-item fetch operation itself. The orchestrator only invokes
// these and records their outcome; retries and everything else behind
// them are the collaborator's business.
package fetch

import (
	"context"
	"fmt"
)

// Item is one discrete unit of content within a job, eg. one track of a
// multi-track request.
type Item struct {
	// Title is the human-readable label surfaced as the job's current
	// item while it is being fetched.
	Title string `json:"title"`

	// URI identifies the item on the content provider.
	URI string `json:"uri"`

	// Number is the 1-based position of the item within its source.
	Number int `json:"number"`
}

// Options are passed through opaquely from the download request.
type Options struct {
	OutputDir string `json:"output_dir"`
	Format    string `json:"format"`
	Bitrate   int    `json:"bitrate"`
	Lyrics    bool   `json:"lyrics"`
	Cover     bool   `json:"cover"`
	NFO       bool   `json:"nfo"`
}

// Client is the external fetch collaborator.
type Client interface {
	// Resolve expands a validated source URL into the ordered list of
	// items it contains. A single track resolves to a one-item list.
	Resolve(ctx context.Context, sourceURL string) ([]Item, error)

	// Fetch performs the fetch of a single item, including whatever
	// optional side effects opts enables. A nil error means the item
	// and its side effects landed in opts.OutputDir.
	Fetch(ctx context.Context, item Item, opts Options) error
}

// ItemError records the failure of a single item inside a job. It is
// aggregated into the job's message and never propagated as a process
// fault.
type ItemError struct {
	Item Item
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Item.Title, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}
