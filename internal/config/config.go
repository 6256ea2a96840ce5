// Package config handles configuration loading and management for foresight.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/foresight/internal/retry"
	"github.com/ShayCichocki/foresight/internal/state"
)

// Config holds all configuration for foresight.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic" yaml:"anthropic"`
	OpenAI      ProviderConfig    `mapstructure:"openai" yaml:"openai"`
	Research    ProviderConfig    `mapstructure:"research" yaml:"research"`
	Providers   ProvidersConfig   `mapstructure:"providers" yaml:"providers"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Broker      BrokerConfig      `mapstructure:"broker" yaml:"broker"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts" yaml:"timeouts"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper" yaml:"sweeper"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ProviderConfig holds settings for an OpenAI-compatible chat provider.
type ProviderConfig struct {
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	Model     string `mapstructure:"model" yaml:"model"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ProvidersConfig selects which provider serves each capability.
// Values are "anthropic", "openai" or "research".
type ProvidersConfig struct {
	Planner     string `mapstructure:"planner" yaml:"planner"`
	Researcher  string `mapstructure:"researcher" yaml:"researcher"`
	Synthesizer string `mapstructure:"synthesizer" yaml:"synthesizer"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	// Driver is "sqlite", "sqlite3" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is a file path for SQLite or a connection string for Postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// BrokerConfig selects the job dispatcher.
type BrokerConfig struct {
	// Driver is "memory" or "redis".
	Driver   string `mapstructure:"driver" yaml:"driver"`
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Queue    string `mapstructure:"queue" yaml:"queue"`
}

// CoordinatorConfig holds planning settings.
type CoordinatorConfig struct {
	MaxSubtasks int `mapstructure:"max_subtasks" yaml:"max_subtasks"`
}

// RetryConfig holds the retry policy for provider calls.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// TimeoutsConfig bounds individual provider and store calls.
type TimeoutsConfig struct {
	Provider time.Duration `mapstructure:"provider" yaml:"provider"`
	Store    time.Duration `mapstructure:"store" yaml:"store"`
}

// WorkerConfig holds job consumer settings.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	Lease       time.Duration `mapstructure:"lease" yaml:"lease"`
}

// SweeperConfig holds stale task repair settings.
type SweeperConfig struct {
	Schedule   string        `mapstructure:"schedule" yaml:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, FORESIGHT_*)
// 2. Project config (.foresight.yaml in current directory or parent)
// 3. User config (~/.config/foresight/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Merge project config (takes precedence)
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Research.APIKey = expandEnv(cfg.Research.APIKey)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Broker.Password = expandEnv(cfg.Broker.Password)

	if cfg.Store.DSN == "" && isSQLite(cfg.Store.Driver) {
		cfg.Store.DSN = DefaultStorePath()
	}
	return cfg, nil
}

// bindEnv maps environment variables onto config keys. Any key can be set
// as FORESIGHT_<SECTION>_<KEY>; a few well-known names are bound directly.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("FORESIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("research.api_key", "PPLX_API_KEY")
	v.BindEnv("store.dsn", "FORESIGHT_STORE_DSN")
	v.BindEnv("broker.address", "FORESIGHT_BROKER_ADDRESS")
}

// Validate checks the values Load cannot enforce through types.
func (c *Config) Validate() error {
	for role, p := range map[string]string{
		"planner":     c.Providers.Planner,
		"researcher":  c.Providers.Researcher,
		"synthesizer": c.Providers.Synthesizer,
	} {
		if !Provider(p).Valid() {
			return fmt.Errorf("providers.%s: unknown provider %q", role, p)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}
	switch c.Broker.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("broker.driver: unsupported driver %q", c.Broker.Driver)
	}
	if c.Coordinator.MaxSubtasks <= 0 {
		return fmt.Errorf("coordinator.max_subtasks must be positive, got %d", c.Coordinator.MaxSubtasks)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Timeouts.Provider <= 0 {
		return fmt.Errorf("timeouts.provider must be positive, got %s", c.Timeouts.Provider)
	}
	if floor := c.RetryPolicy().MinLease(); c.Worker.Lease < floor {
		return fmt.Errorf("worker.lease %s is shorter than the retry budget; it must be at least %s", c.Worker.Lease, floor)
	}
	return nil
}

// RetryPolicy returns the policy for provider calls.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		AttemptTimeout:  c.Timeouts.Provider,
	}
}

// Watch calls onChange with a freshly loaded config every time the
// highest-precedence config file changes. With no config file on disk
// there is nothing to watch and Watch returns "".
func Watch(onChange func(*Config)) (string, error) {
	path := findProjectConfig()
	if path == "" {
		path = GetUserConfigPath()
		if _, err := os.Stat(path); err != nil {
			return "", nil
		}
	}
	if err := watchFile(path, Load, onChange); err != nil {
		return "", err
	}
	return path, nil
}

func watchFile(path string, reload func() (*Config, error), onChange func(*Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := reload()
		if err != nil {
			log.Printf("[config] reload after %s failed: %v", e.Op, err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DefaultStorePath returns the default SQLite database location.
func DefaultStorePath() string {
	return state.DefaultDBPath()
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.max_tokens", d.OpenAI.MaxTokens)

	v.SetDefault("research.api_key", "")
	v.SetDefault("research.model", d.Research.Model)
	v.SetDefault("research.base_url", d.Research.BaseURL)
	v.SetDefault("research.max_tokens", d.Research.MaxTokens)

	v.SetDefault("providers.planner", d.Providers.Planner)
	v.SetDefault("providers.researcher", d.Providers.Researcher)
	v.SetDefault("providers.synthesizer", d.Providers.Synthesizer)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", "")

	v.SetDefault("broker.driver", d.Broker.Driver)
	v.SetDefault("broker.address", d.Broker.Address)
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.queue", d.Broker.Queue)

	v.SetDefault("coordinator.max_subtasks", d.Coordinator.MaxSubtasks)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval.String())
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval.String())

	v.SetDefault("timeouts.provider", d.Timeouts.Provider.String())
	v.SetDefault("timeouts.store", d.Timeouts.Store.String())

	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.lease", d.Worker.Lease.String())

	v.SetDefault("sweeper.schedule", d.Sweeper.Schedule)
	v.SetDefault("sweeper.stale_after", d.Sweeper.StaleAfter.String())

	v.SetDefault("server.addr", d.Server.Addr)
}

// getUserConfigDir returns the XDG config directory for foresight.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "foresight")
	}

	// Fall back to ~/.config/foresight
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "foresight")
	}
	return filepath.Join(home, ".config", "foresight")
}

// findProjectConfig searches for .foresight.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".foresight.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		OpenAI: ProviderConfig{
			Model:     "gpt-4o",
			MaxTokens: 4096,
		},
		Research: ProviderConfig{
			Model:     "sonar",
			BaseURL:   "https://api.perplexity.ai",
			MaxTokens: 4096,
		},
		Providers: ProvidersConfig{
			Planner:     string(ProviderAnthropic),
			Researcher:  string(ProviderResearch),
			Synthesizer: string(ProviderAnthropic),
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Broker: BrokerConfig{
			Driver:  "memory",
			Address: "localhost:6379",
			Queue:   "foresight:jobs",
		},
		Coordinator: CoordinatorConfig{
			MaxSubtasks: 10,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Provider: 2 * time.Minute,
			Store:    10 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 10,
			Lease:       10 * time.Minute,
		},
		Sweeper: SweeperConfig{
			Schedule:   "@every 1m",
			StaleAfter: 10 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}
