package drain

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"switchline/internal/storeerr"
)

// MessageWriter is the part of *kafka.Writer the queue uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes intents keyed by partition key. The hash balancer sends a key to one
// kafka partition, which keeps its intents ordered.
type KafkaQueue struct {
	Writer MessageWriter
	Now    func() time.Time
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{Writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (q *KafkaQueue) Append(ctx context.Context, partitionKey string, intent Intent) error {
	now := time.Now()
	if q.Now != nil {
		now = q.Now()
	}
	payload, err := encodeEntry(partitionKey, intent, now)
	if err != nil {
		return err
	}
	err = q.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(intent.Operation)},
			{Key: "entity_type", Value: []byte(intent.EntityType)},
		},
	})
	if err != nil {
		return storeerr.Connection("kafka", err)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	return q.Writer.Close()
}
