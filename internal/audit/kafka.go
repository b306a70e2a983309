package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConf configures the audit stream.
type KafkaConf struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records as JSON, keyed by alert id so every transition
// of one alert lands on the same partition in order.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink builds a synchronous writer for conf.
func NewKafkaSink(conf KafkaConf) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(conf.Brokers...),
		Topic:        conf.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  5,
		Compression:  kafka.Snappy,
	}}
}

func (k *KafkaSink) Record(ctx context.Context, r Record) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit kafka encode: %w", err)
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.AlertID),
		Value: buf,
		Time:  r.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(r.Event)},
		},
	})
	if err != nil {
		return fmt.Errorf("audit kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
