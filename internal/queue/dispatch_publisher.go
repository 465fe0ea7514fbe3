package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DispatchPublisher hands campaigns over to the dispatcher processes.
type DispatchPublisher struct {
	writer *kafka.Writer
}

// NewDispatchPublisher constructs a publisher for the given topic.
func NewDispatchPublisher(k *Kafka, topic string) *DispatchPublisher {
	return &DispatchPublisher{writer: k.NewWriter(topic)}
}

// PublishDispatch writes the request keyed by campaign, so a campaign is only
// ever drained by one consumer in the group.
func (d *DispatchPublisher) PublishDispatch(ctx context.Context, req DispatchRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch publisher: marshal request: %w", err)
	}

	record := kafka.Message{
		Key:   req.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dispatch publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *DispatchPublisher) Close() error {
	return d.writer.Close()
}
