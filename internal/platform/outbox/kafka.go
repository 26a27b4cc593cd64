package outbox

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes tasks to a topic keyed by claim id, so every task of
// one claim lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})}
}

func (p *KafkaPublisher) Publish(ctx context.Context, task Task) error {
	value, err := task.encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(task.ClaimID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(task.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", task.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
