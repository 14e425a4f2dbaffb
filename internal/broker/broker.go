// Package broker defines the publish/subscribe contract the pipeline stages
// use to exchange messages. Delivery is at-least-once; ordering holds per key.
package broker

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("broker closed")

// Message is one record on a topic. Ref is an implementation handle used by
// Ack and Nack; callers must pass fetched messages back unchanged.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	Ref     any
}

// Publisher writes messages. Publish returns only after the substrate has
// accepted the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber reads messages for one consumer group on one topic.
// A message that is neither acked nor nacked is redelivered after restart.
type Subscriber interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	// Nack returns msg for redelivery.
	Nack(ctx context.Context, msg Message) error
	Close() error
}
