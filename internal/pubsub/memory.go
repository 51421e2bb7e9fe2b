package pubsub

import (
	"context"
	"sync"
)

const memoryBuffer = 256

// MemoryTransport is an in-process Transport for tests and single-process
// runs. Publish blocks while a subscriber's buffer is full.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	closed bool
}

type subscription struct {
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	topics []string
}

func (s *subscription) stop() { s.once.Do(func() { close(s.done) }) }

// NewMemory returns an empty in-memory transport.
func NewMemory() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string][]*subscription)}
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, s := range t.subs[topic] {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	s := &subscription{
		ch:     make(chan Message, memoryBuffer),
		done:   make(chan struct{}),
		topics: topics,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	for _, topic := range topics {
		t.subs[topic] = append(t.subs[topic], s)
	}
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.stop()
		t.remove(s)
	}()
	return s.ch, nil
}

// Close stops every subscription.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*subscription
	seen := make(map[*subscription]bool)
	for _, subs := range t.subs {
		for _, s := range subs {
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}
	t.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

func (t *MemoryTransport) remove(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range s.topics {
		subs := t.subs[topic]
		for i, cur := range subs {
			if cur == s {
				t.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(t.subs[topic]) == 0 {
			delete(t.subs, topic)
		}
	}
	close(s.ch)
}
