package job

import (
	"encoding/json"
)

// Callback holds info to be posted back to the provided callback destination.
type Callback struct {
	// JobID is the unique id of a Job
	JobID string `json:"job_id"`

	// Success refers to whether the job completed or failed
	Success bool `json:"success"`

	// Error contains the aggregated fetch errors of a failed job
	Error string `json:"error"`

	// SourceURL is the url of the requested content
	SourceURL string `json:"source_url"`

	// Items fetched successfully / failed
	ItemsDone   int `json:"items_done"`
	ItemsFailed int `json:"items_failed"`

	// Delivered signifies whether the callback has been delivered or not
	Delivered bool `json:"delivered"`

	// DeliveryError contains the error occured while delivering a callback
	DeliveryError string `json:"delivery_error"`
}

// Bytes returns a byte slice for a callback info encoded as JSON
func (cb *Callback) Bytes() ([]byte, error) {
	return json.Marshal(cb)
}
