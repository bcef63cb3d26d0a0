package job

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a download job.
// For valid values see constants below.
type State string

// The available states of a Job. Queued and Processing are non-terminal,
// Completed and Failed are terminal and immutable once reached.
const (
	StateQueued     State = "Queued"
	StateProcessing State = "Processing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// Terminal reports whether no further transitions can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MarshalBinary is used by the redis driver to marshal the custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// Job represents a user request for saving remote media content and holds
// all info and state of the download.
//
// A Job is exclusively owned by the storage layer for its entire lifetime.
// The processor holds only the ID and routes every mutation through the
// store's synchronized update operation.
type Job struct {
	// Auto-generated
	ID string

	// The request that created the job, kept around so the assigned
	// worker can drive the fetch operation.
	Request Request

	State State

	// Progress is a percentage in [0, 100]. It never decreases while the
	// job is Processing and is fixed at 100 once Completed.
	Progress int

	// CurrentItem is the human-readable label of the item currently
	// being fetched. Only set while Processing.
	CurrentItem string

	// Auxiliary ad-hoc information. Typically used for communicating
	// fetch errors back to the user.
	Message string

	// How many items were fetched successfully / failed so far.
	ItemsDone   int
	ItemsFailed int

	// Delivery bookkeeping for the completion callback, if any. Written
	// after the job is terminal, so it is not part of the immutable
	// lifecycle state.
	CallbackDelivered bool
	CallbackError     string

	CreatedAt  time.Time
	FinishedAt time.Time
}

// New returns a Queued job for the given request.
func New(id string, req Request) Job {
	return Job{
		ID:        id,
		Request:   req,
		State:     StateQueued,
		CreatedAt: time.Now(),
	}
}

// Status is a self-consistent snapshot of a job, assembled under the
// store's lock so its fields can never straddle two transitions. The
// optional fields are omitted when empty, which keeps illegal
// combinations (eg. Completed with a current item) unrepresentable in
// the API payload.
type Status struct {
	State       State  `json:"status"`
	Progress    int    `json:"progress"`
	CurrentItem string `json:"current_item,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Status returns the snapshot of j. Callers must hold whatever lock
// guards j.
func (j *Job) Status() Status {
	return Status{
		State:       j.State,
		Progress:    j.Progress,
		CurrentItem: j.CurrentItem,
		Message:     j.Message,
	}
}

// CallbackInfo validates the state of a job and returns a callback info
// along with an error if appropriate.
func (j *Job) CallbackInfo() (Callback, error) {
	if !j.State.Terminal() {
		return Callback{}, fmt.Errorf("Invalid job state: '%s'", j.State)
	}

	return Callback{
		JobID:       j.ID,
		Success:     j.State == StateCompleted,
		Error:       j.Message,
		SourceURL:   j.Request.SourceURL,
		ItemsDone:   j.ItemsDone,
		ItemsFailed: j.ItemsFailed,
		Delivered:   true,
	}, nil
}

// HasCallback returns true if the job requires a completion callback.
// Requests without a callback destination are simply not notified about.
func (j *Job) HasCallback() bool {
	return j.Request.CallbackDst != ""
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID:%s, URL:%s, State:%s, Progress:%d, "+
		"callback_type:%s, callback_dst:%s}",
		j.ID, j.Request.SourceURL, j.State, j.Progress,
		j.Request.CallbackType, j.Request.CallbackDst)
}
