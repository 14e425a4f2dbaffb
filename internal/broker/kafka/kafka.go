// Package kafka implements the broker contracts on Kafka. Messages are
// partitioned by key hash so per-key order holds; the consumer group commits
// offsets only on Ack.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
)

var (
	ErrNoBrokers = errors.New("kafka: no brokers configured")
	ErrNoGroup   = errors.New("kafka: consumer group required")
)

// Config holds connection settings shared by publishers and subscribers.
type Config struct {
	Brokers      []string
	GroupID      string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	return nil
}

func errorLogger(logger log.Logger, component string) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...any) {
		logger.Warn(context.Background(), fmt.Sprintf(msg, args...), "component", component)
	})
}

// Publisher implements broker.Publisher with a single kafka.Writer that
// routes each message to its own topic.
type Publisher struct {
	w *kafka.Writer
}

// NewPublisher returns a Publisher. Writes wait for all in-sync replicas.
func NewPublisher(cfg Config, logger log.Logger) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batch,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
		ErrorLogger:            errorLogger(logger, "kafka-writer"),
	}
	return &Publisher{w: w}, nil
}

// Publish writes msg and blocks until it is acknowledged.
func (p *Publisher) Publish(ctx context.Context, msg broker.Message) error {
	if err := p.w.WriteMessages(ctx, toKafka(msg)); err != nil {
		return fmt.Errorf("kafka publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// Subscriber implements broker.Subscriber for one topic in a consumer
// group. It is meant for a single consuming goroutine.
type Subscriber struct {
	cfg    kafka.ReaderConfig
	logger log.Logger

	mu sync.Mutex
	r  *kafka.Reader
}

// NewSubscriber joins cfg.GroupID on topic.
func NewSubscriber(cfg Config, topic string, logger log.Logger) (*Subscriber, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		return nil, ErrNoGroup
	}
	if logger == nil {
		logger = log.Nop()
	}
	rc := kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: errorLogger(logger, "kafka-reader"),
	}
	return &Subscriber{cfg: rc, logger: logger, r: kafka.NewReader(rc)}, nil
}

func (s *Subscriber) reader() *kafka.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

// Fetch returns the next message without committing it.
func (s *Subscriber) Fetch(ctx context.Context) (broker.Message, error) {
	m, err := s.reader().FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return broker.Message{}, ctx.Err()
		}
		return broker.Message{}, fmt.Errorf("kafka fetch %s: %w", s.cfg.Topic, err)
	}
	return fromKafka(m), nil
}

// Ack commits the message offset.
func (s *Subscriber) Ack(ctx context.Context, msg broker.Message) error {
	m, ok := msg.Ref.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka ack: foreign message")
	}
	if err := s.reader().CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka commit %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return nil
}

// Nack rewinds to the last committed offset by rejoining the group, so msg
// and anything fetched after it are delivered again.
func (s *Subscriber) Nack(ctx context.Context, msg broker.Message) error {
	m, ok := msg.Ref.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka nack: foreign message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.r.Close(); err != nil {
		s.logger.Warn(ctx, "kafka reader close failed", "topic", m.Topic, "error", err)
	}
	s.r = kafka.NewReader(s.cfg)
	s.logger.Info(ctx, "kafka reader rewound", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
	return nil
}

// Close leaves the group.
func (s *Subscriber) Close() error {
	return s.reader().Close()
}

func toKafka(msg broker.Message) kafka.Message {
	km := kafka.Message{
		Topic: msg.Topic,
		Value: msg.Value,
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func fromKafka(m kafka.Message) broker.Message {
	msg := broker.Message{
		Topic: m.Topic,
		Key:   string(m.Key),
		Value: m.Value,
		Ref:   m,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
