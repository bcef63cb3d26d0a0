package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// ExecClient drives an external fetch tool through subprocesses, keeping
// all catalog and extractor logic outside this process. The resolve
// command receives the source URL as its last argument and must print a
// JSON array of items on stdout; the fetch command receives the item URI
// plus encoding flags.
type ExecClient struct {
	// ResolveCmd and FetchCmd are the base command lines, eg.
	// ["spotify-saver-helper", "resolve"].
	ResolveCmd []string
	FetchCmd   []string
}

// NewExecClient returns an ExecClient, or an error if either command
// line is empty.
func NewExecClient(resolveCmd, fetchCmd []string) (*ExecClient, error) {
	if len(resolveCmd) == 0 || len(fetchCmd) == 0 {
		return nil, errors.New("Both resolve and fetch commands must be configured")
	}
	return &ExecClient{ResolveCmd: resolveCmd, FetchCmd: fetchCmd}, nil
}

func (c *ExecClient) Resolve(ctx context.Context, sourceURL string) ([]Item, error) {
	args := append(append([]string{}, c.ResolveCmd[1:]...), sourceURL)
	cmd := exec.CommandContext(ctx, c.ResolveCmd[0], args...)

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("resolve command failed: %s: %s", err, errOut.String())
	}

	var items []Item
	if err := json.Unmarshal(out.Bytes(), &items); err != nil {
		return nil, fmt.Errorf("Could not decode resolve output: %s", err)
	}
	if len(items) == 0 {
		return nil, errors.New("Source resolved to no items")
	}
	return items, nil
}

func (c *ExecClient) Fetch(ctx context.Context, item Item, opts Options) error {
	args := append([]string{}, c.FetchCmd[1:]...)
	args = append(args,
		"--output-dir", opts.OutputDir,
		"--format", opts.Format,
		"--bitrate", strconv.Itoa(opts.Bitrate),
	)
	if opts.Lyrics {
		args = append(args, "--lyrics")
	}
	if opts.Cover {
		args = append(args, "--cover")
	}
	if opts.NFO {
		args = append(args, "--nfo")
	}
	args = append(args, item.URI)

	cmd := exec.CommandContext(ctx, c.FetchCmd[0], args...)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fetch command failed: %s: %s", err, errOut.String())
	}
	return nil
}
