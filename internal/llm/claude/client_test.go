package claude

import (
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/linnemanlabs/sentinel/internal/analyst"
)

func TestToSDKMessages_TextBlock(t *testing.T) {
	t.Parallel()

	msgs := []analyst.Message{{
		Role:    "user",
		Content: []analyst.ContentBlock{{Type: "text", Text: "hello"}},
	}}

	result := toSDKMessages(msgs)

	if len(result) != 1 {
		t.Fatalf("len = %d, want 1", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("role = %q, want %q", result[0].Role, "user")
	}
	if len(result[0].Content) != 1 {
		t.Fatalf("content len = %d, want 1", len(result[0].Content))
	}
	if result[0].Content[0].OfText == nil {
		t.Fatal("expected OfText to be set")
	}
	if result[0].Content[0].OfText.Text != "hello" {
		t.Errorf("text = %q, want %q", result[0].Content[0].OfText.Text, "hello")
	}
}

func TestToSDKMessages_SkipsNonTextBlocks(t *testing.T) {
	t.Parallel()

	msgs := []analyst.Message{{
		Role: "user",
		Content: []analyst.ContentBlock{
			{Type: "image"},
			{Type: "text", Text: "prompt"},
		},
	}}

	result := toSDKMessages(msgs)
	if len(result[0].Content) != 1 {
		t.Fatalf("content len = %d, want 1", len(result[0].Content))
	}
}

func TestFromSDKResponse_TextContent(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"executive_summary":"x"}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 50},
	}

	result := fromSDKResponse(msg)

	if len(result.Content) != 1 {
		t.Fatalf("content len = %d, want 1", len(result.Content))
	}
	if result.Text() != `{"executive_summary":"x"}` {
		t.Errorf("text = %q", result.Text())
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestFromSDKResponse_StopReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sdk      anthropic.StopReason
		expected analyst.StopReason
	}{
		{"end_turn", anthropic.StopReasonEndTurn, analyst.StopEnd},
		{"max_tokens", anthropic.StopReasonMaxTokens, analyst.StopMaxTokens},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := fromSDKResponse(&anthropic.Message{StopReason: tt.sdk})
			if result.StopReason != tt.expected {
				t.Errorf("stop reason = %q, want %q", result.StopReason, tt.expected)
			}
		})
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()

	c := New("key", "", time.Second)
	if c.Model() != DefaultModel {
		t.Errorf("model = %q, want %q", c.Model(), DefaultModel)
	}
}
