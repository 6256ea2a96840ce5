package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ShayCichocki/foresight/internal/failure"
)

// PerplexityBaseURL is the OpenAI-compatible endpoint for Perplexity.
const PerplexityBaseURL = "https://api.perplexity.ai"

// OpenAIConfig configures an OpenAICompleter. Any OpenAI-compatible chat
// completions endpoint works, including Perplexity.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int64
}

// OpenAICompleter completes prompts with the Chat Completions API.
type OpenAICompleter struct {
	client    openai.Client
	model     string
	baseURL   string
	maxTokens int64
	tracker   *TokenTracker
}

// NewOpenAICompleter creates a chat completions client.
func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai-compatible provider requires an api key")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai-compatible provider requires a model")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &OpenAICompleter{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		baseURL:   cfg.BaseURL,
		maxTokens: maxTokens,
		tracker:   NewTokenTracker(),
	}, nil
}

// Name identifies the provider and model in logs.
func (c *OpenAICompleter) Name() string {
	if c.baseURL == PerplexityBaseURL {
		return "perplexity/" + c.model
	}
	return "openai/" + c.model
}

// Tracker returns the token tracker for this completer.
func (c *OpenAICompleter) Tracker() *TokenTracker {
	return c.tracker
}

// Complete sends one chat request. Citations reported by search-backed
// providers are returned alongside the text.
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(c.model),
		Messages:  messages,
		MaxTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return Completion{}, classify(c.Name()+" complete", err, status)
	}

	c.tracker.Add(completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	if len(completion.Choices) == 0 {
		return Completion{}, failure.Validationf(c.Name()+" complete", "reply contained no choices")
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return Completion{}, failure.Validationf(c.Name()+" complete", "reply contained no text")
	}

	return Completion{
		Text:      text,
		Citations: extractCitations(completion.RawJSON()),
	}, nil
}

// extractCitations reads the top-level "citations" array some providers add
// to the chat completion body. Missing or malformed citations yield nil.
func extractCitations(raw string) []string {
	if raw == "" {
		return nil
	}
	var body struct {
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil
	}
	return body.Citations
}
