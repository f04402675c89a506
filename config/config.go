package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/cost"
	"github.com/lumenlabs/maestro/decision"
	"github.com/lumenlabs/maestro/fallback"
	"github.com/lumenlabs/maestro/heuristics"
	"github.com/lumenlabs/maestro/monitoring"
	"github.com/lumenlabs/maestro/orchestrator"
	"github.com/lumenlabs/maestro/performance"
	"github.com/lumenlabs/maestro/utils/env"
)

// Config represents the full application configuration.
type Config struct {
	// Valkey (open-source version of Redis) endpoint for shared cooldown and
	// cache state. Empty runs with in-process state. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Static API key callers present in the Authorization header with the
	// Bearer scheme. Empty disables static-key auth.
	ApiKey string

	// HS256 secret for JWT bearer tokens. Empty disables JWT auth. When both
	// this and ApiKey are empty, the server runs unauthenticated.
	JwtSecret string

	// API key to access the OpenAI service.
	OpenAiApiKey string

	// API key to access the Claude service.
	ClaudeApiKey string

	// API key to access the Gemini service.
	GeminiApiKey string

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Model catalog loaded into the registry at startup.
	Models []maestro.ModelDescriptor `yaml:"models"`

	Decision     decision.Config     `yaml:"decision"`
	Performance  performance.Config  `yaml:"performance"`
	Cost         cost.Config         `yaml:"cost"`
	Heuristics   heuristics.Config   `yaml:"heuristics"`
	Fallback     fallback.Config     `yaml:"fallback"`
	Monitoring   monitoring.Config   `yaml:"monitoring"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
}

// LoadConfig loads the configuration from the specified path. The path may be
// overridden with CONFIG_SOURCE, which also accepts an HTTP(S) URL; secrets
// always come from environment variables and precede YAML values.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Config{
		Port:       8080,
		Monitoring: monitoring.DefaultConfig(),
	}

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.ApiKey = env.OptionalStringVariable("MAESTRO_API_KEY", config.ApiKey)
	config.JwtSecret = env.OptionalStringVariable("MAESTRO_JWT_SECRET", config.JwtSecret)
	config.OpenAiApiKey = env.OptionalStringVariable("OPENAI_API_KEY", config.OpenAiApiKey)
	config.ClaudeApiKey = env.OptionalStringVariable("CLAUDE_API_KEY", config.ClaudeApiKey)
	config.GeminiApiKey = env.OptionalStringVariable("GEMINI_API_KEY", config.GeminiApiKey)
	config.Port = env.OptionalIntVariable("PORT", config.Port)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d", config.Port)
	}
	if len(config.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	return nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
