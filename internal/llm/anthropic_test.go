package llm

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/foresight/internal/failure"
)

func TestNewAnthropicCompleter_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := NewAnthropicCompleter(AnthropicConfig{}); err == nil {
		t.Fatal("NewAnthropicCompleter should fail without API key")
	}
}

func TestNewAnthropicCompleter_DefaultModel(t *testing.T) {
	c, err := NewAnthropicCompleter(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicCompleter failed: %v", err)
	}
	if c.Model() != string(anthropic.ModelClaudeSonnet4_20250514) {
		t.Errorf("Model() = %q", c.Model())
	}
	if c.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
		{"my-custom-model", "my-custom-model"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := statusServer(t, 200, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-20250514",
		"content": [{"type": "text", "text": "{\"ok\":"}, {"type": "text", "text": "true}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 3}
	}`)

	c, err := NewAnthropicCompleter(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicCompleter failed: %v", err)
	}

	got, err := c.Complete(context.Background(), "system", "prompt")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got.Text != `{"ok":true}` {
		t.Errorf("Text = %q", got.Text)
	}
	if in, out := c.Tracker().Total(); in != 12 || out != 3 {
		t.Errorf("tracked tokens = %d/%d, want 12/3", in, out)
	}
}

func TestAnthropicComplete_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Kind
	}{
		{401, failure.Permanent},
		{429, failure.Transient},
		{529, failure.Transient},
	}
	for _, tt := range tests {
		srv := statusServer(t, tt.status, `{"type":"error","error":{"type":"x","message":"nope"}}`)
		c, err := NewAnthropicCompleter(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("NewAnthropicCompleter failed: %v", err)
		}

		_, err = c.Complete(context.Background(), "", "prompt")
		if got := failure.KindOf(err); got != tt.want {
			t.Errorf("status %d: kind = %s, want %s (err %v)", tt.status, got, tt.want, err)
		}
	}
}
