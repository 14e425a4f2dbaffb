package evaluate

import (
	"strings"

	"github.com/tidwall/gjson"
)

// maxRationaleRunes bounds the raw text echoed back when output is unparseable.
const maxRationaleRunes = 240

// Parse outcomes, reported through Hooks.OnParse.
const (
	ParseDirect      = "direct"
	ParseEmbedded    = "embedded"
	ParseUnparseable = "unparseable"
)

// Decision is the model's answer after the output contract is enforced.
type Decision struct {
	Trigger    bool
	Category   string
	Confidence float64
	Rationale  string
}

// Verdict converts a decision into the engine verdict. A falsy trigger never
// escalates, whatever the confidence.
func (d Decision) Verdict() Verdict {
	if !d.Trigger {
		return Verdict{
			Category:   d.Category,
			Confidence: ClampConfidence(d.Confidence),
			Rationale:  d.Rationale,
		}
	}
	return escalate(d.Category, d.Confidence, d.Rationale)
}

// ParseDecision enforces the output contract on raw model text. It first
// tries the whole text as JSON, then the span from the first '{' to the last
// '}'. Anything else yields a non-escalating unparseable decision. It never
// fails.
func ParseDecision(raw string) (Decision, string) {
	text := strings.TrimSpace(raw)
	if obj, ok := asObject(text); ok {
		return decisionFrom(obj), ParseDirect
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		if obj, ok := asObject(text[i : j+1]); ok {
			return decisionFrom(obj), ParseEmbedded
		}
	}
	return Decision{
		Trigger:    false,
		Category:   CategoryUnparseableResponse,
		Confidence: 0,
		Rationale:  truncateRunes(text, maxRationaleRunes),
	}, ParseUnparseable
}

func asObject(s string) (gjson.Result, bool) {
	if s == "" || !gjson.Valid(s) {
		return gjson.Result{}, false
	}
	r := gjson.Parse(s)
	return r, r.IsObject()
}

// decisionFrom reads the contract keys. Missing keys default to
// trigger=false, category="unknown", confidence=0.
func decisionFrom(obj gjson.Result) Decision {
	d := Decision{Category: CategoryUnknown}
	if v := obj.Get("trigger"); v.Exists() {
		d.Trigger = truthy(v)
	}
	if v := obj.Get("category"); v.Exists() && v.String() != "" {
		d.Category = v.String()
	}
	if v := obj.Get("confidence"); v.Exists() {
		d.Confidence = ClampConfidence(v.Float())
	}
	d.Rationale = obj.Get("rationale").String()
	return d
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Float() != 0
	case gjson.String:
		s := strings.ToLower(strings.TrimSpace(v.Str))
		return s == "true" || s == "yes" || s == "1"
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
