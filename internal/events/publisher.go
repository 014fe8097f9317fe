// Package events publishes import notifications to Kafka so downstream
// consumers (dashboards, alerting) learn about freshly loaded data.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const importTopic = "glucose_imports"

// ImportCompleted is the message body emitted after a CSV import commits.
type ImportCompleted struct {
	UserID     string    `json:"user_id"`
	Accepted   int       `json:"accepted"`
	Skipped    int       `json:"skipped"`
	OccurredAt time.Time `json:"occurred_at"`
}

// KafkaPublisher writes import events to the glucose_imports topic,
// keyed by user so one user's imports stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        importTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}
}

// ImportCompleted implements domain.ImportNotifier.
func (p *KafkaPublisher) ImportCompleted(ctx context.Context, userID string, accepted, skipped int) error {
	body, err := json.Marshal(ImportCompleted{
		UserID:     userID,
		Accepted:   accepted,
		Skipped:    skipped,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(userID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("glucose.import_completed")},
		},
	})
}

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
