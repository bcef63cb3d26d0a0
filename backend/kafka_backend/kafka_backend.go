package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/stefandanzl/spotify-saver/job"
)

// FlushTimeout in ms, given to the producer to flush pending messages
// on Stop.
const FlushTimeout = 5000

// Backend delivers the callback of a finished job by producing it to a
// Kafka topic.
type Backend struct {
	producer *kafka.Producer
	reports  chan job.Callback
	eventsWg sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start creates the producer. Every key of cfg is passed through to
// librdkafka verbatim.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		err := kafkaCfg.SetKey(k, v)
		if err != nil {
			return err
		}
	}

	producer, err := kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}
	b.producer = producer
	b.reports = make(chan job.Callback)

	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream()
	}()

	return nil
}

// Notify produces cb to topic. Delivery results arrive asynchronously
// through DeliveryReports.
func (b *Backend) Notify(topic string, cb job.Callback) error {
	payload, err := cb.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of emitted callback events
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop gracefully terminates b after flushing any outstanding messages
// to Kafka. An error is returned if (and only if) not all messages were
// flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream drains the producer's Events channel, turning each
// produced message back into a callback report for b.reports.
func (b *Backend) transformStream() {
	for e := range b.producer.Events() {
		ev, ok := e.(*kafka.Message)
		if !ok {
			continue
		}

		var cb job.Callback
		err := json.Unmarshal(ev.Value, &cb)
		if err != nil {
			cb.Delivered = false
			cb.DeliveryError = fmt.Sprintf("Could not unmarshal value %s to a callback", ev.Value)
		} else {
			cb.Delivered = true
			cb.DeliveryError = ""

			if ev.TopicPartition.Error != nil {
				cb.Delivered = false
				cb.DeliveryError = ev.TopicPartition.Error.Error()
			}
		}

		b.reports <- cb
	}
}
