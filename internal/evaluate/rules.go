package evaluate

import (
	"context"
	"strings"

	"github.com/linnemanlabs/sentinelmesh/internal/event"
)

// DefaultGunshotKeywords are matched case-insensitively against the audio signature.
var DefaultGunshotKeywords = []string{"gun", "shot", "disparo"}

// rule is one link in the precedence chain.
type rule struct {
	category   string
	confidence float64
	matches    func(f *Features) bool
}

// RuleEngine is the deterministic strategy. Rules form a strict precedence
// chain: they are tried in order and the first match wins. They are not
// scored independently.
type RuleEngine struct {
	keywords []string
	rules    []rule
}

// NewRuleEngine builds the rule chain. An empty keyword list selects the defaults.
func NewRuleEngine(keywords []string) *RuleEngine {
	r := &RuleEngine{keywords: normalizeKeywords(keywords)}
	r.rules = []rule{
		{CategoryAcousticGunshot, 0.93, func(f *Features) bool { return f.Emergency && r.gunshotLike(f.audio()) }},
		{CategoryPanicMotion, 0.75, func(f *Features) bool { return f.Emergency && f.PanicMotion }},
		{CategoryManualEmergency, 0.70, func(f *Features) bool { return f.Emergency }},
	}
	return r
}

func (r *RuleEngine) Strategy() Strategy { return StrategyRules }

// Evaluate never fails.
func (r *RuleEngine) Evaluate(_ context.Context, ev *event.Telemetry) (Verdict, error) {
	return r.Classify(Normalize(ev)), nil
}

// Classify applies the precedence chain to already-normalized features.
func (r *RuleEngine) Classify(f Features) Verdict {
	for _, rl := range r.rules {
		if rl.matches(&f) {
			return escalate(rl.category, rl.confidence, "rule "+rl.category)
		}
	}
	return NoEscalation
}

func (r *RuleEngine) gunshotLike(audio string) bool {
	if audio == "" {
		return false
	}
	audio = strings.ToLower(audio)
	for _, k := range r.keywords {
		if strings.Contains(audio, k) {
			return true
		}
	}
	return false
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultGunshotKeywords...)
	}
	return out
}
