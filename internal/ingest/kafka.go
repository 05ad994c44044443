// Package ingest consumes normalized biometric events from Kafka and
// feeds them to the processor. Device protocol handling and payload
// normalization happen upstream; by the time an event reaches this
// topic it is a plain JSON BiometricEvent.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
	"vitalwatch/internal/processor"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer reads biometric events from a Kafka topic.
type Consumer struct {
	reader    *kafka.Reader
	processor *processor.Processor
	logger    *zap.Logger
}

// NewConsumer creates a consumer in the given consumer group.
func NewConsumer(brokers []string, topic, groupID string, proc *processor.Processor, logger *zap.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("group id is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	return &Consumer{
		reader:    reader,
		processor: proc,
		logger:    logger,
	}, nil
}

// Run consumes until ctx is canceled. Malformed and invalid messages
// are committed and counted so a poison message cannot wedge the
// partition; transient processing failures leave the offset
// uncommitted for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.reader.Config().GroupID),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var event models.BiometricEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		metrics.IngestMessagesTotal.WithLabelValues("malformed").Inc()
		c.logger.Warn("Dropping malformed message",
			zap.Int64("offset", msg.Offset),
			zap.Int("partition", msg.Partition),
			zap.Error(err),
		)
		c.commit(ctx, msg)
		return
	}

	_, err := c.processor.Process(ctx, &event)
	switch {
	case err == nil:
		metrics.IngestMessagesTotal.WithLabelValues("processed").Inc()
	case models.IsValidation(err):
		metrics.IngestMessagesTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("Dropping invalid event",
			zap.String("patient_id", event.PatientID),
			zap.String("metric_type", event.MetricType),
			zap.Error(err),
		)
	default:
		// Leave the offset uncommitted so the event is redelivered.
		metrics.IngestMessagesTotal.WithLabelValues("failed").Inc()
		c.logger.Error("Event processing failed",
			zap.String("patient_id", event.PatientID),
			zap.String("metric_type", event.MetricType),
			zap.Error(err),
		)
		return
	}

	c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("Failed to commit offset",
			zap.Int64("offset", msg.Offset),
			zap.Int("partition", msg.Partition),
			zap.Error(err),
		)
	}
}

// Close shuts the reader down.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
