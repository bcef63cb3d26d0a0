package diskcheck

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"
)

func restoreStatfs() {
	statfs = syscall.Statfs
}

func fullStatfs(path string, buf *syscall.Statfs_t) (err error) {
	buf.Bsize = 4096
	buf.Blocks = 1000
	buf.Bfree = 0
	return
}

func emptyStatfs(path string, buf *syscall.Statfs_t) (err error) {
	buf.Bsize = 4096
	buf.Blocks = 1000
	buf.Bfree = 1000
	return
}

// flakyfs mocks a disk that flips between full and empty on every stat,
// which must produce alternating Sick/Healthy reports.
type flakyfs struct {
	last Health
}

func (f *flakyfs) Statfs(path string, buf *syscall.Statfs_t) (err error) {
	buf.Bsize = 4096
	buf.Blocks = 1000
	if f.last == Sick {
		buf.Bfree = 0
		f.last = Healthy
	} else {
		buf.Bfree = buf.Blocks
		f.last = Sick
	}
	return
}

func runChecker(t *testing.T) (Checker, context.CancelFunc, *sync.WaitGroup) {
	t.Helper()

	c, err := New("/notexists", 90, 60, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Error initializing disk checker: %q", err)
	}
	ctx, cancel := context.WithCancel(context.TODO())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()
	return c, cancel, &wg
}

func TestEmptyDisk(t *testing.T) {
	statfs = emptyStatfs
	defer restoreStatfs()

	c, cancel, wg := runChecker(t)
	time.Sleep(20 * time.Millisecond)

	// the disk must remain healthy, so no state change is reported
	select {
	case state := <-c.C():
		t.Fatalf("Received unexpected %q", state)
	default:
	}

	cancel()
	wg.Wait()
}

func TestFullDisk(t *testing.T) {
	statfs = fullStatfs
	defer restoreStatfs()

	c, cancel, wg := runChecker(t)

	state := <-c.C()
	if state != Sick {
		t.Fatalf("Expected: %q but got: %q", Sick, state)
	}

	// no further reports while the disk stays full
	time.Sleep(20 * time.Millisecond)
	select {
	case state = <-c.C():
		t.Fatalf("Received unexpected %q", state)
	default:
	}

	cancel()
	wg.Wait()
}

func TestFlakyDisk(t *testing.T) {
	var f flakyfs
	statfs = f.Statfs
	defer restoreStatfs()

	c, cancel, wg := runChecker(t)

	state := <-c.C()
	if state != Sick {
		t.Fatalf("Expected: %q but got: %q", Sick, state)
	}
	state = <-c.C()
	if state != Healthy {
		t.Fatalf("Expected: %q but got: %q", Healthy, state)
	}

	cancel()
	wg.Wait()
}
