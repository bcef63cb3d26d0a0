package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/stefandanzl/spotify-saver/job"
)

// Backend delivers the callback of a finished job to an SQS queue.
type Backend struct {
	svc     *sqs.SQS
	reports chan job.Callback
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start creates the SQS client. Credentials come from the usual AWS
// chain (~/.aws/credentials, environment), only the region is read
// from cfg.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}

	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.reports = make(chan job.Callback)
	b.svc = sqs.New(sqsSession)

	return nil
}

// Notify sends cb as an SQS message to the queue at url.
func (b *Backend) Notify(url string, cb job.Callback) error {
	payload, err := cb.Bytes()
	if err != nil {
		cb.Delivered = false
		cb.DeliveryError = err.Error()
		return err
	}

	_, err = b.svc.SendMessage(&sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(url),
	})
	if err != nil {
		err = fmt.Errorf("Got an error sending the message: %s", err.Error())
		cb.Delivered = false
		cb.DeliveryError = err.Error()
		return err
	}

	cb.Delivered = true
	cb.DeliveryError = ""
	b.reports <- cb
	return nil
}

// DeliveryReports returns a channel of emitted callback events
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
