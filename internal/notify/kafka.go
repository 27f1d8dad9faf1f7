package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaTransport publishes alert payloads to a topic. Method and Endpoint are
// carried as headers so consumers can route them like the HTTP variant.
type KafkaTransport struct {
	writer *kafka.Writer
}

func NewKafkaTransport(brokers []string, topic string) *KafkaTransport {
	return &KafkaTransport{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (t *KafkaTransport) Do(ctx context.Context, req Request) (*Response, error) {
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(req.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "method", Value: []byte(req.Method.String())},
			{Key: "endpoint", Value: []byte(req.Endpoint)},
		},
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
