// Package claude implements analyst.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sentinel/internal/analyst"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// Client implements the analyst.Provider interface for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

var _ analyst.Provider = (*Client)(nil)

// New creates a Claude client. timeout bounds each request; zero keeps the
// SDK default.
func New(apiKey, model string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Client{
		sdk:   anthropic.NewClient(opts...),
		model: model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Send issues a single Messages request and converts the response.
func (c *Client) Send(ctx context.Context, req *analyst.LLMRequest) (*analyst.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    toSDKMessages(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	out := fromSDKResponse(msg)
	if out.Model == "" {
		out.Model = c.model
	}
	return out, nil
}

func toSDKMessages(msgs []analyst.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type != "text" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *analyst.LLMResponse {
	out := &analyst.LLMResponse{
		StopReason: analyst.StopReason(msg.StopReason),
		Model:      string(msg.Model),
		Usage: analyst.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		if b.Type != "text" {
			continue
		}
		out.Content = append(out.Content, analyst.ContentBlock{Type: "text", Text: b.Text})
	}
	return out
}
