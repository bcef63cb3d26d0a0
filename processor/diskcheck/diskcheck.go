// Package diskcheck watches the disk usage of the output directory and
// notifies its caller when the disk health state changes.
package diskcheck

import (
	"context"
	"errors"
	"log"
	"syscall"
	"time"
)

const (
	// Healthy represents a disk usage below the given threshold.
	Healthy Health = Health(true)

	// Sick represents a disk usage above the given threshold.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Checker reports disk health transitions for the watched directory.
//
// Run loops between the two health states and writes to C only when the
// state changes: the processor reads C and pauses its fetch workers
// while the disk is Sick, resuming them when it turns Healthy again.
// Two thresholds with a gap between them keep the state from flapping
// around a single boundary.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
}

// diskChecker is the statfs-based Checker.
type diskChecker struct {
	// The check interval
	interval time.Duration

	// path is the directory whose filesystem usage is watched
	path string

	// disk usage thresholds (%)
	high, low diskUsage

	// state change channel read by the processor
	c chan Health
}

// diskUsage is a disk usage percentage, eg. 90 for a 90% full disk.
type diskUsage int

// Health represents the disk health state.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// New returns a Checker for the provided directory path and thresholds.
// The thresholds must satisfy 0 <= low < high <= 100.
func New(path string, high int, low int, interval time.Duration) (Checker, error) {
	if low >= high {
		return nil, errors.New("low threshold must be smaller than high")
	}
	if low < 0 || low > 100 {
		return nil, errors.New("low threshold must be between 0 and 100")
	}
	if high < 0 || high > 100 {
		return nil, errors.New("high threshold must be between 0 and 100")
	}

	// verify the checker can stat the watched filesystem at all
	_, err := fetchDiskUsage(path)
	if err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		high:     diskUsage(high),
		low:      diskUsage(low),
		interval: interval,
		c:        make(chan Health),
	}, nil
}

// C is the state change channel. A value arrives only when the health
// state flips.
func (d *diskChecker) C() chan Health {
	return d.c
}

// Run drives the checker until ctx is cancelled. The disk is
// authoritatively considered healthy at start, so the first value ever
// sent on C is Sick.
func (d *diskChecker) Run(ctx context.Context) {
	var err error
	for {
		if err = d.waitForSick(ctx); err != nil {
			return
		}
		if err = d.waitForHealthy(ctx); err != nil {
			return
		}
	}
}

// waitForSick blocks until the disk usage exceeds the high threshold,
// then reports Sick.
func (d *diskChecker) waitForSick(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error in waitForSick: %v", err)
				continue
			}
			if du > d.high {
				d.c <- Sick
				return nil
			}
		}
	}
}

// waitForHealthy blocks until the disk usage drops to the low
// threshold, then reports Healthy.
func (d *diskChecker) waitForHealthy(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error in waitForHealthy: %v", err)
				continue
			}
			if du <= d.low {
				d.c <- Healthy
				return nil
			}
		}
	}
}

// fetchDiskUsage returns the disk usage of the filesystem holding path.
func fetchDiskUsage(path string) (diskUsage, error) {
	fs := syscall.Statfs_t{}
	err := statfs(path, &fs)
	if err != nil {
		return 0, errors.New("Could not get file system statistics: " + err.Error())
	}
	all := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bfree * uint64(fs.Bsize)
	used := all - free
	usage := (float32(used) / float32(all)) * 100
	return diskUsage(usage), nil
}
