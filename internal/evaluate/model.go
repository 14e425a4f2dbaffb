package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinelmesh/internal/event"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelmesh/internal/evaluate")

const (
	DefaultResponseTokens = 256
	DefaultTemperature    = 0.0
	DefaultMaxTries       = 3
)

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnLLMCall func(inputTokens, outputTokens int, duration float64, err error)
	OnParse   func(outcome string)
}

// ModelEngine is the model-backed strategy. Each evaluation runs four
// stages in order over a shared state: normalize, prompt, invoke, parse.
type ModelEngine struct {
	provider    Provider
	logger      log.Logger
	hooks       Hooks
	maxTokens   int
	temperature float64
	callTimeout time.Duration
	maxTries    uint
	newBackOff  func() backoff.BackOff
}

// ModelOption configures a ModelEngine.
type ModelOption func(*ModelEngine)

func WithHooks(h Hooks) ModelOption { return func(m *ModelEngine) { m.hooks = h } }

func WithMaxTokens(n int) ModelOption {
	return func(m *ModelEngine) {
		if n > 0 {
			m.maxTokens = n
		}
	}
}

func WithTemperature(t float64) ModelOption { return func(m *ModelEngine) { m.temperature = t } }

// WithCallTimeout bounds each provider attempt. Zero leaves attempts bounded
// only by the caller's context.
func WithCallTimeout(d time.Duration) ModelOption { return func(m *ModelEngine) { m.callTimeout = d } }

// WithRetry sets the attempt budget and backoff policy for provider calls.
func WithRetry(maxTries uint, newBackOff func() backoff.BackOff) ModelOption {
	return func(m *ModelEngine) {
		if maxTries > 0 {
			m.maxTries = maxTries
		}
		if newBackOff != nil {
			m.newBackOff = newBackOff
		}
	}
}

// NewModelEngine returns an engine bound to provider.
func NewModelEngine(provider Provider, logger log.Logger, opts ...ModelOption) (*ModelEngine, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if logger == nil {
		logger = log.Nop()
	}
	m := &ModelEngine{
		provider:    provider,
		logger:      logger,
		maxTokens:   DefaultResponseTokens,
		temperature: DefaultTemperature,
		maxTries:    DefaultMaxTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *ModelEngine) Strategy() Strategy { return StrategyModel }

type modelState struct {
	telemetry *event.Telemetry
	features  Features
	prompt    Prompt
	raw       string
	decision  Decision
}

type stage struct {
	name string
	run  func(context.Context, *modelState) error
}

func (m *ModelEngine) stages() []stage {
	return []stage{
		{"normalize", m.normalize},
		{"prompt", m.render},
		{"invoke", m.invoke},
		{"parse", m.parse},
	}
}

// Evaluate runs the stages. Only an unreachable provider produces an error;
// bad output becomes a non-escalating verdict.
func (m *ModelEngine) Evaluate(ctx context.Context, ev *event.Telemetry) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "evaluate.model", trace.WithAttributes(
		attribute.String("sentinelmesh.trace_id", ev.TraceID),
	))
	defer span.End()

	st := &modelState{telemetry: ev}
	for _, s := range m.stages() {
		if err := m.runStage(ctx, s, st); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Verdict{}, fmt.Errorf("%s: %w", s.name, err)
		}
	}

	v := st.decision.Verdict()
	span.SetAttributes(
		attribute.Bool("sentinelmesh.escalate", v.Escalate),
		attribute.String("sentinelmesh.category", v.Category),
	)
	return v, nil
}

func (m *ModelEngine) runStage(ctx context.Context, s stage, st *modelState) error {
	ctx, span := tracer.Start(ctx, "evaluate.stage."+s.name)
	defer span.End()
	return s.run(ctx, st)
}

func (m *ModelEngine) normalize(_ context.Context, st *modelState) error {
	st.features = Normalize(st.telemetry)
	return nil
}

func (m *ModelEngine) render(_ context.Context, st *modelState) error {
	p, err := buildPrompt(st.features)
	if err != nil {
		return err
	}
	st.prompt = p
	return nil
}

func (m *ModelEngine) invoke(ctx context.Context, st *modelState) error {
	req := &LLMRequest{
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
		System:      st.prompt.System,
		User:        st.prompt.User,
	}

	attempt := 0
	op := func() (*LLMResponse, error) {
		attempt++
		cctx, cancel := m.callContext(ctx)
		defer cancel()

		start := time.Now()
		resp, err := m.provider.Send(cctx, req)
		m.onLLMCall(resp, time.Since(start).Seconds(), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			m.logger.Warn(ctx, "model call failed", "attempt", attempt, "error", err)
			return nil, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(m.maxTries),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	m.logger.Info(ctx, "model response",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"attempts", attempt,
	)
	st.raw = resp.Text
	return nil
}

func (m *ModelEngine) parse(ctx context.Context, st *modelState) error {
	d, outcome := ParseDecision(st.raw)
	if outcome == ParseUnparseable {
		m.logger.Warn(ctx, "model output did not match contract", "raw_len", len(st.raw))
	}
	if m.hooks.OnParse != nil {
		m.hooks.OnParse(outcome)
	}
	st.decision = d
	return nil
}

func (m *ModelEngine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout > 0 {
		return context.WithTimeout(ctx, m.callTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *ModelEngine) onLLMCall(resp *LLMResponse, seconds float64, err error) {
	if m.hooks.OnLLMCall == nil {
		return
	}
	var in, out int
	if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	m.hooks.OnLLMCall(in, out, seconds, err)
}
