// Package config provides configuration for the benchmark engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the benchmark engine configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Backend endpoints
	AgentAPIURL   string
	AgentAPIKey   string
	ModelAPIURL   string
	ModelAPIKey   string
	RepoAPIURL    string
	FindingAPIURL string

	// Tools participating in a benchmark (comma-separated env override)
	Tools []string

	// Cadence and timeouts
	DriverPollInterval time.Duration // coordinator step cadence per driver
	AgentPollInterval  time.Duration // remote session status polling
	AgentMaxWait       time.Duration // max polling duration per session
	CancelGracePeriod  time.Duration // wait for drivers to acknowledge cancel
	BackendTimeout     time.Duration

	// Policy
	FailFast             bool // fail the whole run on any driver failure
	MaxConcurrentSession int  // agent sessions in flight per driver, 0 = unlimited

	// Logging
	LogLevel string
}

// DefaultTools is the standard benchmark tool set.
var DefaultTools = []string{"devin", "copilot", "anthropic", "openai", "gemini"}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:          getEnv("DATABASE_URL", "file:benchmark.db?cache=shared&mode=rwc"),
		AgentAPIURL:          getEnv("AGENT_API_URL", "https://api.devin.ai"),
		AgentAPIKey:          getEnv("AGENT_API_KEY", ""),
		ModelAPIURL:          getEnv("MODEL_API_URL", "http://localhost:4000"),
		ModelAPIKey:          getEnv("MODEL_API_KEY", ""),
		RepoAPIURL:           getEnv("REPO_API_URL", ""),
		FindingAPIURL:        getEnv("FINDING_API_URL", ""),
		Tools:                getEnvList("BENCHMARK_TOOLS", DefaultTools),
		DriverPollInterval:   time.Duration(getEnvInt("DRIVER_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		AgentPollInterval:    time.Duration(getEnvInt("AGENT_POLL_INTERVAL_MS", 30000)) * time.Millisecond,
		AgentMaxWait:         time.Duration(getEnvInt("AGENT_MAX_WAIT_MS", 1800000)) * time.Millisecond,
		CancelGracePeriod:    time.Duration(getEnvInt("CANCEL_GRACE_MS", 10000)) * time.Millisecond,
		BackendTimeout:       time.Duration(getEnvInt("BACKEND_TIMEOUT_MS", 120000)) * time.Millisecond,
		FailFast:             getEnvBool("FAIL_FAST", false),
		MaxConcurrentSession: getEnvInt("MAX_CONCURRENT_SESSIONS", 0),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
