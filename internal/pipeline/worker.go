package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
	"github.com/linnemanlabs/sentinelmesh/internal/postgres"
)

const (
	// DefaultHandleTimeout bounds one message.
	DefaultHandleTimeout = 30 * time.Second

	// DefaultShutdownGrace is how long a message in flight at shutdown may
	// keep running before its context is canceled and it is requeued.
	DefaultShutdownGrace = 10 * time.Second
)

// Handler processes one message. Returning nil acks it, an ErrMalformed
// error acks and drops it, and any other error nacks it for redelivery.
type Handler func(ctx context.Context, msg broker.Message) error

// Worker drives one subscriber through a handler.
type Worker struct {
	name    string
	sub     broker.Subscriber
	handle  Handler
	logger  log.Logger
	timeout time.Duration
	grace   time.Duration

	newBackOff func() backoff.BackOff
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithHandleTimeout bounds each message.
func WithHandleTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithShutdownGrace sets how long an in-flight message may run after Run's
// context ends. Zero cancels it immediately.
func WithShutdownGrace(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d >= 0 {
			w.grace = d
		}
	}
}

// WithFetchBackOff sets the delay policy between failed fetches.
func WithFetchBackOff(newBackOff func() backoff.BackOff) WorkerOption {
	return func(w *Worker) { w.newBackOff = newBackOff }
}

// NewWorker returns a Worker named name.
func NewWorker(name string, sub broker.Subscriber, h Handler, logger log.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = log.Nop()
	}
	w := &Worker{
		name:    name,
		sub:     sub,
		handle:  h,
		logger:  logger.With("worker", name),
		timeout: DefaultHandleTimeout,
		grace:   DefaultShutdownGrace,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run fetches and handles messages until ctx is canceled or the subscriber
// closes. A message already being handled when ctx ends gets the shutdown
// grace to finish; after that its context is canceled and it is nacked.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started")
	defer w.logger.Info(ctx, "worker stopped")

	bo := w.newBackOff()
	redeliver := w.newBackOff()
	for ctx.Err() == nil {
		msg, err := w.sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				return err
			}
			w.logger.Warn(ctx, "fetch failed", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		if w.process(ctx, msg) {
			redeliver.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(redeliver.NextBackOff()):
		}
	}
	return nil
}

// process handles msg and reports whether it was settled with an ack.
func (w *Worker) process(ctx context.Context, msg broker.Message) bool {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()
	stopGrace := context.AfterFunc(ctx, func() {
		t := time.NewTimer(w.grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-hctx.Done():
		}
	})
	defer stopGrace()
	hctx = postgres.WithConsumer(hctx, msg.Topic, msg.Headers[HeaderTraceID])

	L := w.logger.With(
		"topic", msg.Topic,
		"key", msg.Key,
		"trace_id", msg.Headers[HeaderTraceID],
		"event_id", msg.Headers[HeaderEventID],
	)

	err := w.handle(hctx, msg)

	// settle even when the handle context was canceled at shutdown
	sctx := context.WithoutCancel(hctx)
	switch {
	case err == nil:
		w.ack(sctx, L, msg)
		return true
	case errors.Is(err, ErrMalformed):
		L.Warn(sctx, "dropping malformed message", "error", err)
		w.ack(sctx, L, msg)
		return true
	default:
		L.Error(sctx, err, "message handling failed, requeueing")
		if nerr := w.sub.Nack(sctx, msg); nerr != nil {
			L.Warn(sctx, "nack failed", "error", nerr)
		}
		return false
	}
}

func (w *Worker) ack(ctx context.Context, L log.Logger, msg broker.Message) {
	if err := w.sub.Ack(ctx, msg); err != nil {
		L.Warn(ctx, "ack failed", "error", err)
	}
}
