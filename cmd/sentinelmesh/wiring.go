package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/sentinelmesh/internal/cfg"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
	"github.com/linnemanlabs/sentinelmesh/internal/broker/kafka"
	"github.com/linnemanlabs/sentinelmesh/internal/broker/membroker"
	"github.com/linnemanlabs/sentinelmesh/internal/dedup"
	"github.com/linnemanlabs/sentinelmesh/internal/dispatch"
	"github.com/linnemanlabs/sentinelmesh/internal/evaluate"
	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
	"github.com/linnemanlabs/sentinelmesh/internal/llm/claude"
	"github.com/linnemanlabs/sentinelmesh/internal/llm/ollama"
	"github.com/linnemanlabs/sentinelmesh/internal/pipeline"
)

// substrate hands out the publisher and per-stage subscribers for the
// configured messaging backend.
type substrate struct {
	pub       broker.Publisher
	subscribe func(stage, topic string) (broker.Subscriber, error)
	kind      string
}

func newSubstrate(appCfg *vc.Config, L log.Logger) (*substrate, error) {
	brokers := appCfg.Brokers()
	if len(brokers) == 0 {
		// single process: stages hand messages to each other in memory
		b := membroker.New()
		return &substrate{
			pub: b,
			subscribe: func(_, topic string) (broker.Subscriber, error) {
				return b.Subscribe(topic), nil
			},
			kind: "memory",
		}, nil
	}

	kcfg := kafka.Config{Brokers: brokers}
	pub, err := kafka.NewPublisher(kcfg, L)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return &substrate{
		pub: pub,
		subscribe: func(stage, topic string) (broker.Subscriber, error) {
			c := kcfg
			c.GroupID = appCfg.KafkaGroup + "-" + stage
			return kafka.NewSubscriber(c, topic, L)
		},
		kind: "kafka",
	}, nil
}

func topicsFrom(appCfg *vc.Config) pipeline.Topics {
	return pipeline.Topics{
		Telemetry: appCfg.TopicTelemetry,
		Anomaly:   appCfg.TopicAnomaly,
		Dispatch:  appCfg.TopicDispatch,
	}
}

func newGuard(ctx context.Context, appCfg *vc.Config, L log.Logger) (dedup.Guard, func(context.Context) error, error) {
	if appCfg.RedisURL == "" {
		L.Info(ctx, "using in-memory redelivery guard (no redis-url configured)")
		return dedup.NewMemory(dedup.DefaultTTL), func(context.Context) error { return nil }, nil
	}
	g, err := dedup.NewRedis(ctx, appCfg.RedisURL, dedup.DefaultTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis guard: %w", err)
	}
	L.Info(ctx, "using redis redelivery guard")
	return g, func(context.Context) error { return g.Close() }, nil
}

// newEvaluator builds the configured evaluation strategy. A model backend
// that cannot be constructed falls back to the rule engine.
func newEvaluator(ctx context.Context, appCfg *vc.Config, L log.Logger, reg prometheus.Registerer) (evaluate.Evaluator, error) {
	strategy, err := evaluate.ParseStrategy(appCfg.EvaluatorStrategy)
	if err != nil {
		return nil, err
	}

	ec := evaluate.Config{
		Strategy: strategy,
		Keywords: appCfg.Keywords(),
	}
	if strategy == evaluate.StrategyModel {
		ec.NewProvider = func() (evaluate.Provider, error) {
			switch appCfg.ModelBackend {
			case vc.BackendOllama:
				model := appCfg.ModelName
				if model == "" {
					model = ollama.DefaultModel
				}
				return ollama.New(appCfg.ModelEndpoint, model)
			default:
				return claude.New(appCfg.ModelAPIKey, appCfg.ModelName)
			}
		}
		ec.ModelOptions = []evaluate.ModelOption{
			evaluate.WithTemperature(appCfg.ModelTemperature),
			evaluate.WithCallTimeout(appCfg.ModelTimeout()),
			evaluate.WithRetry(uint(appCfg.ModelMaxTries), nil), //nolint:gosec // G115: validated 1..10
			evaluate.WithHooks(evaluate.NewMetrics(reg).Hooks()),
		}
	}

	ev, err := evaluate.New(ctx, ec, L)
	if err != nil {
		return nil, err
	}
	L.Info(ctx, "initialized evaluator", "strategy", string(ev.Strategy()), "backend", appCfg.ModelBackend)
	return ev, nil
}

// newRouter returns the routing service client, or an in-process estimator
// when route-in-process is set.
func newRouter(ctx context.Context, appCfg *vc.Config, L log.Logger, reg prometheus.Registerer, extra ...dispatch.ClientOption) (incident.Router, func(context.Context) error, error) {
	if appCfg.RouteInProcess {
		est, err := geo.NewEstimator(appCfg.ResponderSpeedMPS)
		if err != nil {
			return nil, nil, err
		}
		L.Info(ctx, "using in-process route estimator", "speed_mps", est.Speed())
		return incident.LocalRouter{Estimator: est}, func(context.Context) error { return nil }, nil
	}

	target := appCfg.RouteTarget()
	if target == "" {
		return nil, nil, fmt.Errorf("no routing target for role %q", appCfg.Role)
	}
	opts := append([]dispatch.ClientOption{
		dispatch.WithTimeout(appCfg.RouteTimeout()),
		dispatch.WithRetry(uint(appCfg.RouteMaxTries), func() backoff.BackOff { //nolint:gosec // G115: validated 1..10
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		}),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
	}, extra...)
	client, err := dispatch.Dial(target, L, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch client: %w", err)
	}
	L.Info(ctx, "using routing service", "target", target)
	return client, func(context.Context) error { return client.Close() }, nil
}

func newLocator(appCfg *vc.Config) incident.ResponderLocator {
	return incident.FixedOffset{
		ID:   appCfg.ResponderID,
		DLat: appCfg.ResponderOffset,
		DLon: appCfg.ResponderOffset,
	}
}
