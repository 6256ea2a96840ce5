package main

import (
	"fmt"

	"github.com/ShayCichocki/foresight/internal/capability"
	"github.com/ShayCichocki/foresight/internal/config"
	"github.com/ShayCichocki/foresight/internal/llm"
)

// newCompleter builds the completer for one provider.
func newCompleter(cfg *config.Config, p config.Provider) (llm.Completer, error) {
	switch p {
	case config.ProviderAnthropic:
		ac := llm.AnthropicConfig{
			Model:         cfg.Anthropic.Model,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
			BaseURL:       cfg.Anthropic.BaseURL,
			MaxTokens:     int64(cfg.Anthropic.MaxTokens),
		}
		if !ac.UseAWSBedrock {
			key, err := config.GetAPIKey(cfg, p)
			if err != nil {
				return nil, fmt.Errorf("%w (set %s or anthropic.api_key)", err, p.EnvVar())
			}
			ac.APIKey = key
		}
		return llm.NewAnthropicCompleter(ac)

	case config.ProviderOpenAI, config.ProviderResearch:
		pc := cfg.OpenAI
		if p == config.ProviderResearch {
			pc = cfg.Research
		}
		key, err := config.GetAPIKey(cfg, p)
		if err != nil {
			return nil, fmt.Errorf("%w (set %s or %s.api_key)", err, p.EnvVar(), p)
		}
		return llm.NewOpenAICompleter(llm.OpenAIConfig{
			APIKey:    key,
			Model:     pc.Model,
			BaseURL:   pc.BaseURL,
			MaxTokens: int64(pc.MaxTokens),
		})

	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}

// newGateway wires the configured provider for each capability. Roles that
// share a provider share one client.
func newGateway(cfg *config.Config) (*capability.LLMGateway, error) {
	built := map[config.Provider]llm.Completer{}
	get := func(role, name string) (llm.Completer, error) {
		p := config.Provider(name)
		if c, ok := built[p]; ok {
			return c, nil
		}
		c, err := newCompleter(cfg, p)
		if err != nil {
			return nil, fmt.Errorf("%s provider: %w", role, err)
		}
		built[p] = c
		return c, nil
	}

	planner, err := get("planner", cfg.Providers.Planner)
	if err != nil {
		return nil, err
	}
	researcher, err := get("researcher", cfg.Providers.Researcher)
	if err != nil {
		return nil, err
	}
	synthesizer, err := get("synthesizer", cfg.Providers.Synthesizer)
	if err != nil {
		return nil, err
	}
	return capability.NewLLMGateway(planner, researcher, synthesizer, cfg.Coordinator.MaxSubtasks), nil
}
