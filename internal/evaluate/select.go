package evaluate

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
)

// Config selects and configures a strategy.
type Config struct {
	Strategy Strategy
	Keywords []string

	// NewProvider builds the model backend. It is only called for the
	// model strategy.
	NewProvider  func() (Provider, error)
	ModelOptions []ModelOption
}

// New returns the configured evaluator. When the model strategy is requested
// but its backend cannot be constructed, the rule engine is returned instead
// and the fallback is logged.
func New(ctx context.Context, cfg Config, logger log.Logger) (Evaluator, error) {
	if logger == nil {
		logger = log.Nop()
	}
	rules := NewRuleEngine(cfg.Keywords)

	switch cfg.Strategy {
	case "", StrategyRules:
		return rules, nil
	case StrategyModel:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}

	if cfg.NewProvider == nil {
		logger.Warn(ctx, "model strategy requested without a backend, using rules")
		return rules, nil
	}
	p, err := cfg.NewProvider()
	if err != nil {
		logger.Warn(ctx, "model backend unavailable, using rules", "error", err)
		return rules, nil
	}
	m, err := NewModelEngine(p, logger, cfg.ModelOptions...)
	if err != nil {
		logger.Warn(ctx, "model engine init failed, using rules", "error", err)
		return rules, nil
	}
	return m, nil
}
