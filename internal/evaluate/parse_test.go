package evaluate

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		outcome  string
		trigger  bool
		category string
		conf     float64
	}{
		{
			name:     "strict json",
			raw:      `{"trigger":true,"category":"acoustic_gunshot","confidence":0.91,"rationale":"gunshot audio"}`,
			outcome:  ParseDirect,
			trigger:  true,
			category: "acoustic_gunshot",
			conf:     0.91,
		},
		{
			name:     "wrapped in prose",
			raw:      "Sure! Here you go:\n```json\n{\"trigger\": true, \"category\": \"panic_motion\", \"confidence\": 0.8}\n```",
			outcome:  ParseEmbedded,
			trigger:  true,
			category: "panic_motion",
			conf:     0.8,
		},
		{
			name:     "missing keys default",
			raw:      `{"rationale":"unsure"}`,
			outcome:  ParseDirect,
			trigger:  false,
			category: CategoryUnknown,
			conf:     0,
		},
		{
			name:     "confidence clamped high",
			raw:      `{"trigger":true,"category":"x","confidence":4.2}`,
			outcome:  ParseDirect,
			trigger:  true,
			category: "x",
			conf:     1,
		},
		{
			name:     "confidence clamped low",
			raw:      `{"trigger":true,"category":"x","confidence":-3}`,
			outcome:  ParseDirect,
			trigger:  true,
			category: "x",
			conf:     0,
		},
		{
			name:     "string trigger",
			raw:      `{"trigger":"true","category":"x","confidence":0.5}`,
			outcome:  ParseDirect,
			trigger:  true,
			category: "x",
			conf:     0.5,
		},
		{
			name:     "no json at all",
			raw:      "I cannot classify this.",
			outcome:  ParseUnparseable,
			category: CategoryUnparseableResponse,
		},
		{
			name:     "broken braces",
			raw:      "{ trigger: yes }",
			outcome:  ParseUnparseable,
			category: CategoryUnparseableResponse,
		},
		{
			name:     "top level array",
			raw:      `[{"trigger":true}]`,
			outcome:  ParseEmbedded,
			trigger:  true,
			category: CategoryUnknown,
		},
		{
			name:     "empty",
			raw:      "",
			outcome:  ParseUnparseable,
			category: CategoryUnparseableResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, outcome := ParseDecision(tt.raw)
			if outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", outcome, tt.outcome)
			}
			if d.Trigger != tt.trigger {
				t.Errorf("Trigger = %v, want %v", d.Trigger, tt.trigger)
			}
			if d.Category != tt.category {
				t.Errorf("Category = %q, want %q", d.Category, tt.category)
			}
			if d.Confidence != tt.conf {
				t.Errorf("Confidence = %v, want %v", d.Confidence, tt.conf)
			}
		})
	}
}

func TestParseDecision_UnparseableRationaleTruncated(t *testing.T) {
	t.Parallel()

	raw := strings.Repeat("ñ", 500)
	d, outcome := ParseDecision(raw)
	if outcome != ParseUnparseable {
		t.Fatalf("outcome = %q", outcome)
	}
	if n := utf8.RuneCountInString(d.Rationale); n != maxRationaleRunes {
		t.Errorf("rationale runes = %d, want %d", n, maxRationaleRunes)
	}
	if d.Confidence != 0 || d.Trigger {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestDecisionVerdict_FalsyTriggerNeverEscalates(t *testing.T) {
	t.Parallel()

	v := Decision{Trigger: false, Category: "acoustic_gunshot", Confidence: 0.99}.Verdict()
	if v.Escalate {
		t.Error("expected no escalation for falsy trigger")
	}

	v = Decision{Trigger: true, Category: "acoustic_gunshot", Confidence: 0.99}.Verdict()
	if !v.Escalate || v.Category != "acoustic_gunshot" {
		t.Errorf("unexpected verdict %+v", v)
	}
}
