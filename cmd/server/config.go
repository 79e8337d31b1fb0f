package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/market-chat/internal/engine"
	"github.com/MegaGrindStone/market-chat/internal/gateway"
	"github.com/MegaGrindStone/market-chat/internal/handlers"
	"github.com/MegaGrindStone/market-chat/internal/services"
	"github.com/MegaGrindStone/market-chat/internal/tools"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *slog.Logger) (engine.LLM, error)
	provider() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string
	LogLevel     string
	SystemPrompt string
	MaxSteps     int
	Smoothing    time.Duration
	SessionTTL   time.Duration
	FMP          fmpConfig
	Cache        cacheConfig
	LLM          llmConfig
}

type fmpConfig struct {
	APIKey  string        `yaml:"apiKey"`
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

type cacheConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const (
	configEnv        = "MARKETCHAT_CONFIG"
	defaultPort      = "8080"
	defaultMaxSteps  = 5
	defaultSmoothing = 20 * time.Millisecond
	defaultCacheTTL  = 5 * time.Minute
	defaultModel     = "gpt-4o"
	defaultOllama    = "http://localhost:11434"
)

func defaultConfig() config {
	return config{
		Port:         defaultPort,
		LogLevel:     "info",
		SystemPrompt: tools.SystemPrompt,
		MaxSteps:     defaultMaxSteps,
		Smoothing:    defaultSmoothing,
		SessionTTL:   handlers.DefaultIdleTTL,
		FMP:          fmpConfig{Timeout: gateway.DefaultTimeout},
		Cache:        cacheConfig{TTL: defaultCacheTTL},
		LLM: &openAIConfig{BaseLLMConfig: BaseLLMConfig{
			Provider: "openai",
			Model:    defaultModel,
		}},
	}
}

// configPath returns the config file named by MARKETCHAT_CONFIG, or the one in the user config
// directory.
func configPath() (string, error) {
	if p := os.Getenv(configEnv); p != "" {
		return p, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "marketchat", "config.yaml"), nil
}

// loadConfig reads the config at path. A missing file yields the defaults, a malformed one is an error.
func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if cfg.MaxSteps < 1 {
		return config{}, fmt.Errorf("maxSteps must be at least 1, got %d", cfg.MaxSteps)
	}
	if cfg.SessionTTL < 0 {
		return config{}, fmt.Errorf("sessionTTL must not be negative, got %s", cfg.SessionTTL)
	}
	if cfg.Cache.TTL < 0 {
		return config{}, fmt.Errorf("cache ttl must be positive, got %s", cfg.Cache.TTL)
	}
	return cfg, nil
}

// UnmarshalYAML decodes c over its current values, so fields left out of the file keep their
// defaults. The llm block is decoded by its provider.
func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         *string        `yaml:"port"`
		LogLevel     *string        `yaml:"logLevel"`
		SystemPrompt *string        `yaml:"systemPrompt"`
		MaxSteps     *int           `yaml:"maxSteps"`
		Smoothing    *time.Duration `yaml:"smoothing"`
		SessionTTL   *time.Duration `yaml:"sessionTTL"`
		FMP          *fmpConfig     `yaml:"fmp"`
		Cache        *cacheConfig   `yaml:"cache"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != nil {
		c.Port = *rawConfig.Port
	}
	if rawConfig.LogLevel != nil {
		c.LogLevel = *rawConfig.LogLevel
	}
	if rawConfig.SystemPrompt != nil {
		c.SystemPrompt = *rawConfig.SystemPrompt
	}
	if rawConfig.MaxSteps != nil {
		c.MaxSteps = *rawConfig.MaxSteps
	}
	if rawConfig.Smoothing != nil {
		c.Smoothing = *rawConfig.Smoothing
	}
	if rawConfig.SessionTTL != nil {
		c.SessionTTL = *rawConfig.SessionTTL
	}
	if rawConfig.FMP != nil {
		fmp := *rawConfig.FMP
		if fmp.Timeout == 0 {
			fmp.Timeout = c.FMP.Timeout
		}
		c.FMP = fmp
	}
	if rawConfig.Cache != nil {
		cache := *rawConfig.Cache
		if cache.TTL == 0 {
			cache.TTL = c.Cache.TTL
		}
		c.Cache = cache
	}

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// logLevel maps the configured level name to a slog level, defaulting to info.
func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// fmpAPIKey returns the configured FMP key, falling back to FMP_API_KEY.
func (c config) fmpAPIKey() string {
	if c.FMP.APIKey != "" {
		return c.FMP.APIKey
	}
	return os.Getenv(gateway.APIKeyEnv)
}

func (b BaseLLMConfig) provider() string {
	return b.Provider
}

func (o openAIConfig) llm(logger *slog.Logger) (engine.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (o openRouterConfig) llm(logger *slog.Logger) (engine.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Model, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(logger *slog.Logger) (engine.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, a.MaxTokens, a.Parameters, logger), nil
}

func (o ollamaConfig) llm(logger *slog.Logger) (engine.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllama
	}
	return services.NewOllama(host, o.Model, o.Parameters, logger)
}
