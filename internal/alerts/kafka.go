package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"scanguard/internal/model"
)

// KafkaSink publishes alerts as JSON, keyed by source address so alerts of
// one source stay on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, alert model.AlertEvent) error {
	msg, err := KafkaMessage(alert)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.writer.Topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func KafkaMessage(alert model.AlertEvent) (kafka.Message, error) {
	value, err := json.Marshal(alert)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode alert: %w", err)
	}
	return kafka.Message{
		Key:   []byte(alert.SourceAddr.String()),
		Value: value,
		Time:  alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
		},
	}, nil
}
