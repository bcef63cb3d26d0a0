// Package monitor implements the observer side of a download session:
// it polls the status endpoint for a job and, if the status channel
// turns out to be unusable, degrades to a local progress simulation so
// the observer still reaches a terminal state.
package monitor

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/stefandanzl/spotify-saver/job"
)

// State represents the state of a monitor session.
type State string

// The monitor session states. A session starts Idle, spends its life in
// Polling or Simulating and always ends in one of the Done states.
// Polling to Simulating is a one-way degradation, a session never
// recovers the real status channel.
const (
	StateIdle          State = "Idle"
	StatePolling       State = "Polling"
	StateSimulating    State = "Simulating"
	StateDoneSuccess   State = "Done(Success)"
	StateDoneFailure   State = "Done(Failure)"
	StateDoneCancelled State = "Done(Cancelled)"
)

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s == StateDoneSuccess || s == StateDoneFailure || s == StateDoneCancelled
}

// Update is one observation surfaced to the observer. Synthetic marks
// updates fabricated by the simulation, which carry no factual claim
// about real progress.
type Update struct {
	State       State
	Progress    int
	CurrentItem string
	Message     string
	Synthetic   bool
}

// StatusClient is the monitor's view of the server.
type StatusClient interface {
	// QueryStatus returns the current status snapshot of the job.
	// Unknown ids yield ErrNotFound, an unusable status channel yields
	// a *TransportError.
	QueryStatus(ctx context.Context, id string) (job.Status, error)

	// Health reports whether the server is reachable at all. Used once
	// per session as an initial connectivity check.
	Health(ctx context.Context) error
}

const (
	// DefaultPollInterval is the delay between status queries while
	// Polling.
	DefaultPollInterval = 2 * time.Second

	// DefaultSimInterval is the tick of the local simulation.
	DefaultSimInterval = 700 * time.Millisecond

	// simChatter is the chance per simulation tick of emitting a canned
	// status line.
	simChatter = 0.4
)

// cannedLines is the fixed set of cosmetic status lines emitted while
// simulating. They narrate a plausible download, nothing more.
var cannedLines = []string{
	"Matching tracks on the source catalog...",
	"Fetching audio streams...",
	"Embedding metadata and cover art...",
	"Checking for synced lyrics...",
	"Organizing files in the output folder...",
}

// Monitor drives a single observer session at a time. The zero value is
// not usable, use New.
type Monitor struct {
	Client StatusClient

	PollInterval time.Duration
	SimInterval  time.Duration

	// OnUpdate receives every surfaced observation, including the final
	// one. It is called from the session goroutine, never concurrently.
	OnUpdate func(Update)

	Log *log.Logger

	rng *rand.Rand

	mu     sync.Mutex
	active bool
}

// New returns a Monitor with the default intervals.
func New(client StatusClient, logger *log.Logger) *Monitor {
	return &Monitor{
		Client:       client,
		PollInterval: DefaultPollInterval,
		SimInterval:  DefaultSimInterval,
		Log:          logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Watch runs a monitor session for the given job id until it reaches a
// terminal state and returns the final update. Only one session may be
// active per Monitor; concurrent calls return ErrSessionActive.
//
// Cancelling ctx aborts the session with Done(Cancelled).
func (m *Monitor) Watch(ctx context.Context, id string) (Update, error) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return Update{}, ErrSessionActive
	}
	m.active = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}()

	return m.run(ctx, id), nil
}

// run is the session loop. A single timer is live at any instant; it is
// stopped before every transition that re-arms it.
func (m *Monitor) run(ctx context.Context, id string) Update {
	state := StatePolling
	progress := 0

	if err := m.Client.Health(ctx); err != nil {
		m.Log.Printf("monitor: Health check failed, starting degraded: %s", err)
		state = StateSimulating
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.emit(Update{State: StateDoneCancelled, Progress: progress})
		case <-timer.C:
		}

		switch state {
		case StatePolling:
			status, err := m.Client.QueryStatus(ctx, id)
			switch {
			case err == ErrNotFound:
				return m.emit(Update{
					State:    StateDoneFailure,
					Progress: progress,
					Message:  "job not found",
				})
			case err != nil:
				// status channel unusable, degrade for good
				m.Log.Printf("monitor: Status channel lost, simulating: %s", err)
				state = StateSimulating
				timer.Reset(m.SimInterval)
				continue
			}

			switch status.State {
			case job.StateCompleted:
				return m.emit(Update{State: StateDoneSuccess, Progress: 100})
			case job.StateFailed:
				return m.emit(Update{
					State:    StateDoneFailure,
					Progress: progress,
					Message:  status.Message,
				})
			default:
				if status.Progress > progress {
					progress = status.Progress
				}
				m.emit(Update{
					State:       StatePolling,
					Progress:    progress,
					CurrentItem: status.CurrentItem,
				})
				timer.Reset(m.PollInterval)
			}

		case StateSimulating:
			progress += 5 + m.rng.Intn(10)
			if progress >= 100 {
				return m.confirm(ctx, id)
			}

			u := Update{State: StateSimulating, Progress: progress, Synthetic: true}
			if m.rng.Float64() < simChatter {
				u.Message = cannedLines[m.rng.Intn(len(cannedLines))]
			}
			m.emit(u)
			timer.Reset(m.SimInterval)
		}
	}
}

// confirm ends a simulated session. The simulation cannot observe a
// real failure, so before declaring success it tries one last status
// query; only a well-formed Failed answer turns the verdict around.
func (m *Monitor) confirm(ctx context.Context, id string) Update {
	status, err := m.Client.QueryStatus(ctx, id)
	if err == nil && status.State == job.StateFailed {
		return m.emit(Update{
			State:    StateDoneFailure,
			Progress: 100,
			Message:  status.Message,
		})
	}

	return m.emit(Update{State: StateDoneSuccess, Progress: 100, Synthetic: true})
}

func (m *Monitor) emit(u Update) Update {
	if m.OnUpdate != nil {
		m.OnUpdate(u)
	}
	return u
}
