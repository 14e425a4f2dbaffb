// Package evaluate turns a telemetry report into an escalation verdict.
// Two strategies satisfy the same contract: a deterministic rule engine and a
// model-backed classifier with a strict output contract.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/linnemanlabs/sentinelmesh/internal/event"
)

// Categories produced by the rule engine and the parse fallback.
const (
	CategoryAcousticGunshot     = "acoustic_gunshot"
	CategoryPanicMotion         = "panic_motion"
	CategoryManualEmergency     = "manual_emergency"
	CategoryUnknown             = "unknown"
	CategoryUnparseableResponse = "unparseable_response"
)

var (
	ErrUnknownStrategy  = errors.New("unknown evaluator strategy")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrNoProvider       = errors.New("no model provider")
)

// Strategy tags an Evaluator implementation.
type Strategy string

const (
	StrategyRules Strategy = "rules"
	StrategyModel Strategy = "model"
)

// ParseStrategy maps a configuration value onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyRules:
		return StrategyRules, nil
	case StrategyModel:
		return StrategyModel, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Verdict is the outcome of one evaluation. When Escalate is false the
// pipeline takes no further action; Category and Rationale are kept for logs.
type Verdict struct {
	Escalate   bool    `json:"escalate"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Evaluator is implemented by every strategy. It returns an error only for
// infrastructure failures; malformed model output is absorbed into a verdict.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *event.Telemetry) (Verdict, error)
	Strategy() Strategy
}

func escalate(category string, confidence float64, rationale string) Verdict {
	return Verdict{
		Escalate:   true,
		Category:   category,
		Confidence: ClampConfidence(confidence),
		Rationale:  rationale,
	}
}

// NoEscalation is the verdict for reports that need no dispatch.
var NoEscalation = Verdict{}

// ClampConfidence forces c into [0,1]. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Min(1, math.Max(0, c))
}
