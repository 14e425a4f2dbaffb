// Package membroker is an in-process broker for tests and single-binary runs.
// Each topic is a single queue shared by all of its subscribers. A topic gets
// its queue on first Subscribe; messages published to a topic nobody has
// subscribed to are dropped.
package membroker

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
)

type queue struct {
	pending  []broker.Message
	inflight map[uint64]broker.Message
	ready    chan struct{}
}

func newQueue() *queue {
	return &queue{
		inflight: make(map[uint64]broker.Message),
		ready:    make(chan struct{}, 1),
	}
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Broker implements broker.Publisher and hands out Subscribers.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*queue
	published map[string][]broker.Message // nil unless WithHistory
	dropped   map[string]int
	seq       uint64
	closed    bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory keeps a copy of every published message for Published.
// Retention is unbounded, so use it in tests only.
func WithHistory() Option {
	return func(b *Broker) { b.published = make(map[string][]broker.Message) }
}

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:  make(map[string]*queue),
		dropped: make(map[string]int),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) queue(topic string) *queue {
	q, ok := b.topics[topic]
	if !ok {
		q = newQueue()
		b.topics[topic] = q
	}
	return q
}

// Publish enqueues a copy of msg on its topic, or drops it when the topic
// has no subscriber.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic == "" {
		return fmt.Errorf("publish: empty topic")
	}
	msg = clone(msg)
	msg.Ref = nil

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if b.published != nil {
		b.published[msg.Topic] = append(b.published[msg.Topic], clone(msg))
	}
	q, ok := b.topics[msg.Topic]
	if !ok {
		b.dropped[msg.Topic]++
		return nil
	}
	q.pending = append(q.pending, msg)
	q.signal()
	return nil
}

// Published returns every message published on topic, in order. It is
// empty unless the broker was built WithHistory.
func (b *Broker) Published(topic string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Message, len(b.published[topic]))
	for i, m := range b.published[topic] {
		out[i] = clone(m)
	}
	return out
}

// Pending returns the number of messages waiting on topic, excluding
// in-flight ones.
func (b *Broker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.topics[topic]; ok {
		return len(q.pending)
	}
	return 0
}

// Dropped returns the number of messages published on topic while it had
// no subscriber.
func (b *Broker) Dropped(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[topic]
}

// Close stops the broker. Blocked fetches return broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.topics {
		close(q.ready)
	}
	return nil
}

// Subscribe returns a Subscriber competing for messages on topic.
func (b *Broker) Subscribe(topic string) *Subscriber {
	b.mu.Lock()
	b.queue(topic)
	b.mu.Unlock()
	return &Subscriber{b: b, topic: topic}
}

// Subscriber implements broker.Subscriber.
type Subscriber struct {
	b     *Broker
	topic string
}

// Fetch blocks until a message is available, ctx ends, or the broker closes.
func (s *Subscriber) Fetch(ctx context.Context) (broker.Message, error) {
	for {
		s.b.mu.Lock()
		if s.b.closed {
			s.b.mu.Unlock()
			return broker.Message{}, broker.ErrClosed
		}
		q := s.b.topics[s.topic]
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			s.b.seq++
			msg.Ref = s.b.seq
			q.inflight[s.b.seq] = msg
			if len(q.pending) > 0 {
				q.signal()
			}
			s.b.mu.Unlock()
			return clone(msg), nil
		}
		ready := q.ready
		s.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return broker.Message{}, ctx.Err()
		case <-ready:
		}
	}
}

// Ack drops msg from the in-flight set.
func (s *Subscriber) Ack(_ context.Context, msg broker.Message) error {
	id, ok := msg.Ref.(uint64)
	if !ok {
		return fmt.Errorf("ack: foreign message")
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.topics[s.topic].inflight, id)
	return nil
}

// Nack puts msg back at the head of the queue.
func (s *Subscriber) Nack(_ context.Context, msg broker.Message) error {
	id, ok := msg.Ref.(uint64)
	if !ok {
		return fmt.Errorf("nack: foreign message")
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.closed {
		return broker.ErrClosed
	}
	q := s.b.topics[s.topic]
	orig, ok := q.inflight[id]
	if !ok {
		return nil
	}
	delete(q.inflight, id)
	orig.Ref = nil
	q.pending = append([]broker.Message{orig}, q.pending...)
	q.signal()
	return nil
}

// Close is a no-op; in-flight messages stay unacked.
func (s *Subscriber) Close() error { return nil }

func clone(m broker.Message) broker.Message {
	if m.Value != nil {
		m.Value = append([]byte(nil), m.Value...)
	}
	if m.Headers != nil {
		m.Headers = maps.Clone(m.Headers)
	}
	return m
}
