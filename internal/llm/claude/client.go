// Package claude implements evaluate.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/sentinelmesh/internal/evaluate"
)

const DefaultModel = "claude-sonnet-4-20250514"

var ErrNoAPIKey = errors.New("claude: api key is required")

// Client implements evaluate.Provider for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a client. Extra request options are applied after the defaults,
// so callers can override the base URL or retry policy.
func New(apiKey, model string, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if model == "" {
		model = DefaultModel
	}
	all := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}, opts...)
	return &Client{
		sdk:   anthropic.NewClient(all...),
		model: model,
	}, nil
}

// Send performs one single-turn completion.
func (c *Client) Send(ctx context.Context, req *evaluate.LLMRequest) (*evaluate.LLMResponse, error) {
	msg, err := c.sdk.Messages.New(ctx, toSDKParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKParams(model string, req *evaluate.LLMRequest) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		p.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return p
}

// fromSDKResponse concatenates the text blocks of msg.
func fromSDKResponse(msg *anthropic.Message) *evaluate.LLMResponse {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &evaluate.LLMResponse{
		Text:       b.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: evaluate.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
