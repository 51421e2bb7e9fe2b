// Package pubsub is the topic-keyed message channel used to talk to an
// external matching client. Delivery is ordered per topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("pubsub: transport closed")

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport publishes and subscribes to topics. The channel returned by
// Subscribe is closed when ctx is done or the transport is closed.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)
	Close() error
}

// PublishJSON encodes v as JSON and publishes it on topic.
func PublishJSON(ctx context.Context, t Transport, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pubsub: encode %s: %w", topic, err)
	}
	return t.Publish(ctx, topic, data)
}
