package evaluate

import "context"

// Provider is the interface for any text-generation backend. Which backend is
// wired (hosted API or a locally hosted model) does not change the engine.
type Provider interface {
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest is a single-turn classification request.
type LLMRequest struct {
	MaxTokens   int
	Temperature float64
	System      string
	User        string
}

// LLMResponse carries the raw generated text and accounting.
type LLMResponse struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
