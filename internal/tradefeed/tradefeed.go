// Package tradefeed publishes committed trades to downstream consumers.
package tradefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dog-ball/gsy-e/internal/model"
)

// Feed receives every trade the simulation commits.
type Feed interface {
	Publish(ctx context.Context, t model.Trade) error
	Close() error
}

// Nop discards trades. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.Trade) error { return nil }
func (Nop) Close() error                               { return nil }

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes trades to a Kafka topic as JSON, keyed by market ID so
// every trade of one market lands on the same partition.
type Producer struct {
	writer messageWriter
}

// NewProducer creates a synchronous producer for topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, t model.Trade) error {
	value, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.MarketID),
		Value: value,
		Time:  t.Timestamp,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
