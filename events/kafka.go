package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink produces every event as JSON to a Kafka or Redpanda topic,
// keyed by run id so one run's events stay ordered in a partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink creates a producer for topic. The connection is made
// lazily on the first event.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("no Kafka topic configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

// Publish implements Sink.
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(e.RunID),
		Value: value,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error {
	k.client.Close()
	return nil
}
