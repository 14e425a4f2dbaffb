package evaluate

import (
	"encoding/json"
	"fmt"
)

// Prompt is the rendered system and user text for one classification.
type Prompt struct {
	System string
	User   string
}

const systemPrompt = `You are a safety incident classifier. Return ONLY compact JSON with keys: ` +
	`trigger:boolean, category:string, confidence:number(0..1), rationale:string. ` +
	`Do not wrap the JSON in prose or markdown.`

// buildPrompt renders the features into the fixed classification template.
// The rule-of-thumb text primes the model with the same ordering the rule
// engine uses so both strategies agree on obvious cases.
func buildPrompt(f Features) (Prompt, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Prompt{}, fmt.Errorf("marshal features: %w", err)
	}
	user := fmt.Sprintf("Classify whether this telemetry requires escalation.\n"+
		"Telemetry: %s\n"+
		"Rules of thumb: emergency=true with gunshot-like audio is very high confidence (about 0.93); "+
		"emergency=true with panic motion is high (about 0.75); "+
		"emergency=true alone is moderate (about 0.70); "+
		"emergency=false should normally not trigger.", body)
	return Prompt{System: systemPrompt, User: user}, nil
}
