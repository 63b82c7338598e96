package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultAgentConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load builds the service configuration: defaults, then the YAML file at path
// (skipped when path is empty), then envFiles, then environment variables.
// Env files never override variables already set in the environment, and a
// missing env file is ignored.
func Load(path string, envFiles ...string) (*AgentConfig, error) {
	config := DefaultAgentConfig()
	if path != "" {
		c, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = c
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

type envBinding struct {
	names []string // first set variable wins
	set   func(c *AgentConfig, v string) error
}

func str(dst func(*AgentConfig) *string) func(*AgentConfig, string) error {
	return func(c *AgentConfig, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*AgentConfig) *int) func(*AgentConfig, string) error {
	return func(c *AgentConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*AgentConfig) *bool) func(*AgentConfig, string) error {
	return func(c *AgentConfig, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{[]string{"SHIPPING_APP_NAME"}, str(func(c *AgentConfig) *string { return &c.AppName })},
	{[]string{"SHIPPING_BRAND_NAME", "BRAND_NAME"}, str(func(c *AgentConfig) *string { return &c.BrandName })},
	{[]string{"SHIPPING_BRAND_TONE", "BRAND_TONE"}, str(func(c *AgentConfig) *string { return &c.BrandTone })},
	{[]string{"SHIPPING_DB_PATH", "DB_PATH"}, str(func(c *AgentConfig) *string { return &c.DBPath })},
	{[]string{"SHIPPING_SEED_ON_START"}, boolean(func(c *AgentConfig) *bool { return &c.SeedOnStart })},

	{[]string{"SHIPPING_LLM_ENABLED", "LLM_ENABLED"}, boolean(func(c *AgentConfig) *bool { return &c.LLMEnabled })},
	{[]string{"SHIPPING_LLM_BASE_URL", "LLM_BASE_URL"}, str(func(c *AgentConfig) *string { return &c.LLMBaseURL })},
	{[]string{"SHIPPING_LLM_MODEL", "LLM_MODEL"}, str(func(c *AgentConfig) *string { return &c.LLMModel })},
	{[]string{"SHIPPING_LLM_API_KEY"}, str(func(c *AgentConfig) *string { return &c.LLMAPIKey })},
	{[]string{"SHIPPING_LLM_TIMEOUT"}, integer(func(c *AgentConfig) *int { return &c.LLMTimeout })},
	{[]string{"SHIPPING_LLM_MAX_TOKENS"}, integer(func(c *AgentConfig) *int { return &c.LLMMaxTokens })},
	{[]string{"SHIPPING_LLM_TEMPERATURE"}, func(c *AgentConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.LLMTemperature = f
		return nil
	}},
	{[]string{"SHIPPING_HISTORY_WINDOW"}, integer(func(c *AgentConfig) *int { return &c.HistoryWindow })},

	{[]string{"SHIPPING_AUTH_ENABLED"}, boolean(func(c *AgentConfig) *bool { return &c.AuthEnabled })},
	{[]string{"SHIPPING_AUTH_BASE_URL", "IMS_BASE_URL"}, str(func(c *AgentConfig) *string { return &c.AuthBaseURL })},
	{[]string{"SHIPPING_AUTH_CLIENT_ID", "IMS_CLIENT_ID"}, str(func(c *AgentConfig) *string { return &c.AuthClientID })},
	{[]string{"SHIPPING_AUTH_CACHE_TTL"}, integer(func(c *AgentConfig) *int { return &c.AuthCacheTTL })},

	{[]string{"SHIPPING_HTTP_ADDR"}, str(func(c *AgentConfig) *string { return &c.HTTPAddr })},
	{[]string{"SHIPPING_GRPC_ADDR"}, str(func(c *AgentConfig) *string { return &c.GRPCAddr })},

	{[]string{"SHIPPING_RATE_LIMIT_PER_MINUTE"}, integer(func(c *AgentConfig) *int { return &c.RateLimitPerMinute })},
	{[]string{"SHIPPING_RATE_LIMIT_PER_HOUR"}, integer(func(c *AgentConfig) *int { return &c.RateLimitPerHour })},
	{[]string{"SHIPPING_RATE_LIMIT_PER_DAY"}, integer(func(c *AgentConfig) *int { return &c.RateLimitPerDay })},
	{[]string{"SHIPPING_RATE_LIMIT_BURST"}, integer(func(c *AgentConfig) *int { return &c.RateLimitBurst })},

	{[]string{"SHIPPING_TRACING_ENABLED"}, boolean(func(c *AgentConfig) *bool { return &c.TracingEnabled })},
	{[]string{"SHIPPING_TRACING_ENDPOINT"}, str(func(c *AgentConfig) *string { return &c.TracingEndpoint })},

	{[]string{"SHIPPING_LOG_LEVEL"}, str(func(c *AgentConfig) *string { return &c.LogLevel })},
	{[]string{"SHIPPING_LOG_FORMAT"}, str(func(c *AgentConfig) *string { return &c.LogFormat })},

	{[]string{"SHIPPING_TASK_RETENTION"}, integer(func(c *AgentConfig) *int { return &c.TaskRetention })},
	{[]string{"SHIPPING_CLEANUP_INTERVAL"}, integer(func(c *AgentConfig) *int { return &c.CleanupInterval })},
}

// ApplyEnv overrides fields from environment variables found by lookup.
// Where a field has several names the SHIPPING_ one wins.
func (c *AgentConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		for _, name := range b.names {
			v, ok := lookup(name)
			if !ok || v == "" {
				continue
			}
			if err := b.set(c, v); err != nil {
				return fmt.Errorf("invalid %s=%q: %w", name, v, err)
			}
			break
		}
	}
	return nil
}
