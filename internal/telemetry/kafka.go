// Package telemetry exports accepted device status events to Kafka so
// downstream consumers (geo mirror, history archive) see the same stream
// the relay broadcasts. The relay itself stays stateless.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/pedalup/internal/models"
)

// StatusEvent is the Kafka record value, keyed by cycle code so one
// cycle's events stay ordered within a partition.
type StatusEvent struct {
	CycleCode  string              `json:"cycleId"`
	Status     models.DeviceStatus `json:"status"`
	ReceivedAt int64               `json:"receivedAt"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishStatus(cycleCode string, st models.DeviceStatus, receivedAt int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(StatusEvent{CycleCode: cycleCode, Status: st, ReceivedAt: receivedAt})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(cycleCode), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
