// Package backend defines the delivery channels used for download
// completion callbacks.
package backend

import (
	"context"

	"github.com/stefandanzl/spotify-saver/job"
)

// Backend is the interface that wraps the basic Notify method.
//
// Backend implementations deliver the callback of a finished download
// job through some notification channel (eg. HTTP, Kafka, SQS).
type Backend interface {
	// Start initializes the backend. It must be called once, before
	// any calls to Notify.
	Start(context.Context, map[string]interface{}) error

	// Notify delivers a callback for a finished job to dst. Depending
	// on the underlying implementation, Notify might be asynchronous
	// so a nil error does NOT necessarily mean the notification was
	// delivered. To check for the result of a notification use
	// DeliveryReports.
	//
	// dst is the request's callback_dst: a URL for HTTP, a topic for
	// Kafka, a queue URL for SQS.
	Notify(dst string, cb job.Callback) error

	// ID returns a constant string identifying the concrete backend
	// implementation. It matches the request's callback_type.
	ID() string

	// DeliveryReports is used to communicate the results of
	// notifications.
	DeliveryReports() <-chan job.Callback

	// Stop closes the delivery reports channel and performs
	// finalization actions. After calling Stop the backend is no
	// longer usable.
	Stop() error
}
