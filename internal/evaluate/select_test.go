package evaluate

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

func TestNew_Selection(t *testing.T) {
	t.Parallel()

	working := func() (Provider, error) { return &mockProvider{}, nil }
	broken := func() (Provider, error) { return nil, errors.New("missing api key") }
	nilProvider := func() (Provider, error) { return nil, nil }

	tests := []struct {
		name        string
		cfg         Config
		want        Strategy
		expectError bool
	}{
		{"default is rules", Config{}, StrategyRules, false},
		{"rules", Config{Strategy: StrategyRules}, StrategyRules, false},
		{"model", Config{Strategy: StrategyModel, NewProvider: working}, StrategyModel, false},
		{"model without backend falls back", Config{Strategy: StrategyModel}, StrategyRules, false},
		{"model backend error falls back", Config{Strategy: StrategyModel, NewProvider: broken}, StrategyRules, false},
		{"model nil provider falls back", Config{Strategy: StrategyModel, NewProvider: nilProvider}, StrategyRules, false},
		{"unknown", Config{Strategy: "oracle"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev, err := New(context.Background(), tt.cfg, log.Nop())
			if tt.expectError {
				if !errors.Is(err, ErrUnknownStrategy) {
					t.Fatalf("error = %v, want ErrUnknownStrategy", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if ev.Strategy() != tt.want {
				t.Errorf("Strategy = %q, want %q", ev.Strategy(), tt.want)
			}
		})
	}
}

func TestNew_FallbackKeepsKeywords(t *testing.T) {
	t.Parallel()

	ev, err := New(context.Background(), Config{Strategy: StrategyModel, Keywords: []string{"boom"}}, log.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := ev.Evaluate(context.Background(), telemetry(true, "boom_like", false))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Category != CategoryAcousticGunshot {
		t.Errorf("Category = %q, want %q", v.Category, CategoryAcousticGunshot)
	}
}
