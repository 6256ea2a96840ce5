// Package config provides API key management utilities.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no API key configured")

// Provider names a model provider that can serve a capability.
type Provider string

const (
	// ProviderAnthropic is Anthropic's Messages API, direct or via Bedrock.
	ProviderAnthropic Provider = "anthropic"
	// ProviderOpenAI is the OpenAI chat completions API.
	ProviderOpenAI Provider = "openai"
	// ProviderResearch is an OpenAI-compatible search model, Perplexity by default.
	ProviderResearch Provider = "research"
)

// Valid returns true if p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderResearch:
		return true
	default:
		return false
	}
}

// EnvVar returns the environment variable that holds p's API key.
func (p Provider) EnvVar() string {
	switch p {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderResearch:
		return "PPLX_API_KEY"
	default:
		return ""
	}
}

// configuredKey returns the api_key value from the config file for p.
func (c *Config) configuredKey(p Provider) string {
	if c == nil {
		return ""
	}
	switch p {
	case ProviderAnthropic:
		return c.Anthropic.APIKey
	case ProviderOpenAI:
		return c.OpenAI.APIKey
	case ProviderResearch:
		return c.Research.APIKey
	default:
		return ""
	}
}

// GetAPIKey returns the API key for provider p.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config, p Provider) (string, error) {
	// First check environment variable directly
	if env := p.EnvVar(); env != "" {
		if key := os.Getenv(env); key != "" {
			return key, nil
		}
	}

	// Then check config
	if key := os.ExpandEnv(cfg.configuredKey(p)); key != "" && !strings.HasPrefix(key, "${") {
		return key, nil
	}

	return "", fmt.Errorf("%s: %w", p, ErrNoAPIKey)
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with the provider.
func ValidateAPIKey(p Provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	prefix := map[Provider]string{
		ProviderAnthropic: "sk-ant-",
		ProviderOpenAI:    "sk-",
		ProviderResearch:  "pplx-",
	}[p]
	if prefix != "" && !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("invalid %s API key format: expected %q prefix", p, prefix)
	}

	// Keys should be reasonably long
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// Masked returns a copy of cfg with every secret masked for display.
func (c *Config) Masked() *Config {
	out := *c
	out.Anthropic.APIKey = MaskAPIKey(c.Anthropic.APIKey)
	out.OpenAI.APIKey = MaskAPIKey(c.OpenAI.APIKey)
	out.Research.APIKey = MaskAPIKey(c.Research.APIKey)
	if c.Broker.Password != "" {
		out.Broker.Password = "***"
	}
	if c.Store.Driver == "postgres" && c.Store.DSN != "" {
		out.Store.DSN = maskDSN(c.Store.DSN)
	}
	return &out
}

// maskDSN hides the password in a postgres URL.
func maskDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return dsn[:scheme+3] + userinfo[:colon] + ":***" + dsn[at:]
	}
	return dsn
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where provider p's API key was sourced from.
func GetAPIKeySource(cfg *Config, p Provider) KeySource {
	if env := p.EnvVar(); env != "" && os.Getenv(env) != "" {
		return KeySourceEnv
	}

	if key := os.ExpandEnv(cfg.configuredKey(p)); key != "" && !strings.HasPrefix(key, "${") {
		return KeySourceConfig
	}

	return KeySourceNone
}
