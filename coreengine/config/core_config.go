// Package config holds the shipping agent's service configuration.
//
// Values come from, in increasing precedence:
//   - DefaultAgentConfig
//   - an optional YAML file
//   - a .env file (missing file ignored)
//   - environment variables
//
// Durations are whole seconds so the same keys work in YAML, maps and env.
package config

import (
	"fmt"
	"strings"
	"sync"
)

// AgentConfig holds the service configuration.
type AgentConfig struct {
	// Branding
	AppName   string `json:"app_name" yaml:"app_name"`
	BrandName string `json:"brand_name" yaml:"brand_name"`
	BrandTone string `json:"brand_tone" yaml:"brand_tone"`

	// Order store
	DBPath      string `json:"db_path" yaml:"db_path"`
	SeedOnStart bool   `json:"seed_on_start" yaml:"seed_on_start"`

	// Text completion
	LLMEnabled     bool    `json:"llm_enabled" yaml:"llm_enabled"`
	LLMBaseURL     string  `json:"llm_base_url" yaml:"llm_base_url"`
	LLMModel       string  `json:"llm_model" yaml:"llm_model"`
	LLMAPIKey      string  `json:"llm_api_key" yaml:"llm_api_key"`
	LLMTimeout     int     `json:"llm_timeout" yaml:"llm_timeout"` // seconds
	LLMTemperature float64 `json:"llm_temperature" yaml:"llm_temperature"`
	LLMMaxTokens   int     `json:"llm_max_tokens" yaml:"llm_max_tokens"`
	HistoryWindow  int     `json:"history_window" yaml:"history_window"`

	// Authentication
	AuthEnabled  bool   `json:"auth_enabled" yaml:"auth_enabled"`
	AuthBaseURL  string `json:"auth_base_url" yaml:"auth_base_url"`
	AuthClientID string `json:"auth_client_id" yaml:"auth_client_id"`
	AuthCacheTTL int    `json:"auth_cache_ttl" yaml:"auth_cache_ttl"` // seconds

	// Listeners
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`

	// Per-user limits on message/send; 0 disables a window
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitPerHour   int `json:"rate_limit_per_hour" yaml:"rate_limit_per_hour"`
	RateLimitPerDay    int `json:"rate_limit_per_day" yaml:"rate_limit_per_day"`
	RateLimitBurst     int `json:"rate_limit_burst" yaml:"rate_limit_burst"`

	// Tracing
	TracingEnabled  bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint string `json:"tracing_endpoint" yaml:"tracing_endpoint"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // json | text

	// Housekeeping (seconds)
	TaskRetention   int `json:"task_retention" yaml:"task_retention"`
	CleanupInterval int `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultAgentConfig returns an AgentConfig with default values.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		AppName:   "shippingagent",
		BrandName: "Brand Concierge Reference Agent",
		BrandTone: "friendly and professional",

		DBPath:      "orders.db",
		SeedOnStart: true,

		LLMEnabled:     true,
		LLMBaseURL:     "http://ollama:11434/v1",
		LLMModel:       "qwen2.5:3b",
		LLMAPIKey:      "ollama",
		LLMTimeout:     30,
		LLMTemperature: 0.3,
		LLMMaxTokens:   500,
		HistoryWindow:  10,

		AuthEnabled:  false,
		AuthBaseURL:  "https://ims-na1.adobelogin.com",
		AuthCacheTTL: 86400,

		HTTPAddr: ":8080",
		GRPCAddr: ":50051",

		RateLimitPerMinute: 30,
		RateLimitPerHour:   600,
		RateLimitPerDay:    5000,
		RateLimitBurst:     5,

		TracingEnabled:  false,
		TracingEndpoint: "localhost:4317",

		LogLevel:  "info",
		LogFormat: "json",

		TaskRetention:   86400,
		CleanupInterval: 300,
	}
}

// Validate rejects settings the service cannot start with.
func (c *AgentConfig) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.LLMEnabled && c.LLMBaseURL == "" {
		return fmt.Errorf("llm_base_url is required when the LLM is enabled")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("llm_timeout must be positive")
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history_window must not be negative")
	}
	if c.AuthEnabled && c.AuthBaseURL == "" {
		return fmt.Errorf("auth_base_url is required when auth is enabled")
	}
	if c.AuthCacheTTL <= 0 {
		return fmt.Errorf("auth_cache_ttl must be positive")
	}
	if c.CleanupInterval <= 0 || c.TaskRetention <= 0 {
		return fmt.Errorf("cleanup_interval and task_retention must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// =============================================================================
// MAP CONVERSION
// =============================================================================

// AgentConfigFromMap creates an AgentConfig from a map.
// Unknown keys are ignored; numbers may be int or float64 (decoded JSON).
func AgentConfigFromMap(m map[string]any) *AgentConfig {
	c := DefaultAgentConfig()

	setString(m, "app_name", &c.AppName)
	setString(m, "brand_name", &c.BrandName)
	setString(m, "brand_tone", &c.BrandTone)
	setString(m, "db_path", &c.DBPath)
	setBool(m, "seed_on_start", &c.SeedOnStart)

	setBool(m, "llm_enabled", &c.LLMEnabled)
	setString(m, "llm_base_url", &c.LLMBaseURL)
	setString(m, "llm_model", &c.LLMModel)
	setString(m, "llm_api_key", &c.LLMAPIKey)
	setInt(m, "llm_timeout", &c.LLMTimeout)
	setFloat(m, "llm_temperature", &c.LLMTemperature)
	setInt(m, "llm_max_tokens", &c.LLMMaxTokens)
	setInt(m, "history_window", &c.HistoryWindow)

	setBool(m, "auth_enabled", &c.AuthEnabled)
	setString(m, "auth_base_url", &c.AuthBaseURL)
	setString(m, "auth_client_id", &c.AuthClientID)
	setInt(m, "auth_cache_ttl", &c.AuthCacheTTL)

	setString(m, "http_addr", &c.HTTPAddr)
	setString(m, "grpc_addr", &c.GRPCAddr)

	setInt(m, "rate_limit_per_minute", &c.RateLimitPerMinute)
	setInt(m, "rate_limit_per_hour", &c.RateLimitPerHour)
	setInt(m, "rate_limit_per_day", &c.RateLimitPerDay)
	setInt(m, "rate_limit_burst", &c.RateLimitBurst)

	setBool(m, "tracing_enabled", &c.TracingEnabled)
	setString(m, "tracing_endpoint", &c.TracingEndpoint)

	setString(m, "log_level", &c.LogLevel)
	setString(m, "log_format", &c.LogFormat)

	setInt(m, "task_retention", &c.TaskRetention)
	setInt(m, "cleanup_interval", &c.CleanupInterval)

	return c
}

// ToMap converts config to a map. The API key is omitted.
func (c *AgentConfig) ToMap() map[string]any {
	return map[string]any{
		"app_name":              c.AppName,
		"brand_name":            c.BrandName,
		"brand_tone":            c.BrandTone,
		"db_path":               c.DBPath,
		"seed_on_start":         c.SeedOnStart,
		"llm_enabled":           c.LLMEnabled,
		"llm_base_url":          c.LLMBaseURL,
		"llm_model":             c.LLMModel,
		"llm_timeout":           c.LLMTimeout,
		"llm_temperature":       c.LLMTemperature,
		"llm_max_tokens":        c.LLMMaxTokens,
		"history_window":        c.HistoryWindow,
		"auth_enabled":          c.AuthEnabled,
		"auth_base_url":         c.AuthBaseURL,
		"auth_client_id":        c.AuthClientID,
		"auth_cache_ttl":        c.AuthCacheTTL,
		"http_addr":             c.HTTPAddr,
		"grpc_addr":             c.GRPCAddr,
		"rate_limit_per_minute": c.RateLimitPerMinute,
		"rate_limit_per_hour":   c.RateLimitPerHour,
		"rate_limit_per_day":    c.RateLimitPerDay,
		"rate_limit_burst":      c.RateLimitBurst,
		"tracing_enabled":       c.TracingEnabled,
		"tracing_endpoint":      c.TracingEndpoint,
		"log_level":             c.LogLevel,
		"log_format":            c.LogFormat,
		"task_retention":        c.TaskRetention,
		"cleanup_interval":      c.CleanupInterval,
	}
}

func setString(m map[string]any, key string, dst *string) {
	if v, ok := m[key].(string); ok {
		*dst = v
	}
}

func setBool(m map[string]any, key string, dst *bool) {
	if v, ok := m[key].(bool); ok {
		*dst = v
	}
}

func setInt(m map[string]any, key string, dst *int) {
	switch v := m[key].(type) {
	case int:
		*dst = v
	case float64:
		*dst = int(v)
	}
}

func setFloat(m map[string]any, key string, dst *float64) {
	switch v := m[key].(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	}
}

// =============================================================================
// GLOBAL CONFIG (set by the serve command)
// =============================================================================

var (
	globalAgentConfig *AgentConfig
	configMu          sync.RWMutex
)

// GetAgentConfig returns the installed config, or defaults.
func GetAgentConfig() *AgentConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalAgentConfig == nil {
		return DefaultAgentConfig()
	}
	return globalAgentConfig
}

// SetAgentConfig installs config for the process.
func SetAgentConfig(config *AgentConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalAgentConfig = config
}

// ResetAgentConfig resets the installed config (useful for testing).
// After reset, GetAgentConfig() returns defaults.
func ResetAgentConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalAgentConfig = nil
}
