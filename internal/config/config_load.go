package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 10,
			IdentityUser:        "operator",
			WatchTasksFile:      true,
		},
		Provider: ProviderConfig{
			Kind:        "openai-compat",
			Model:       "gpt-4o",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Conversation: ConversationConfig{
			TokenBudgetPercent: 0.8,
			SummaryThreshold:   0.85,
			MaxToolIterations:  20,
		},
		Broker: BrokerConfig{
			BaseTTLMinutes:        10,
			CallTimeoutSeconds:    30,
			SSECallTimeoutSeconds: 120,
		},
		Database: DatabaseConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.proactor/knowledge.db",
		},
		Forward: ForwardConfig{
			Addr: "127.0.0.1:18791",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "proactor",
		},
		Guard: GuardConfig{
			ProtectedBranches: []string{"main", "master"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and clamps
// tunables into their legal ranges. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			cfg.clamp()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	cfg.clamp()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Secrets come from env only.
	envStr("PROACTOR_API_KEY", &c.Provider.APIKey)
	envStr("PROACTOR_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("PROACTOR_PROVIDER_BASE_URL", &c.Provider.BaseURL)
	envStr("PROACTOR_MODEL", &c.Provider.Model)
	envStr("PROACTOR_DB_BACKEND", &c.Database.Backend)
	envStr("PROACTOR_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("PROACTOR_TOOL_CONFIG", &c.ToolConfigPath)
	envStr("PROACTOR_TASKS_CONFIG", &c.TasksConfigPath)
	envStr("PROACTOR_LOG_LEVEL", &c.Logging.Level)
	envStr("PROACTOR_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envInt("PROACTOR_POLL_INTERVAL", &c.Scheduler.PollIntervalSeconds)

	if c.Database.PostgresDSN != "" && os.Getenv("PROACTOR_DB_BACKEND") == "" {
		c.Database.Backend = "postgres"
	}
}

// expandPaths rewrites ~ prefixes on the filesystem paths.
func (c *Config) expandPaths() {
	c.Database.SQLitePath = ExpandHome(c.Database.SQLitePath)
	c.ToolConfigPath = ExpandHome(c.ToolConfigPath)
	c.TasksConfigPath = ExpandHome(c.TasksConfigPath)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// clamp forces tunables into their legal ranges.
func (c *Config) clamp() {
	c.Conversation.TokenBudgetPercent = clampFloat(c.Conversation.TokenBudgetPercent, 0.1, 1.0, 0.8)
	c.Conversation.SummaryThreshold = clampFloat(c.Conversation.SummaryThreshold, 0.5, 0.95, 0.85)
	if c.Conversation.MaxToolIterations <= 0 {
		c.Conversation.MaxToolIterations = 20
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		c.Scheduler.PollIntervalSeconds = 10
	}
	if c.Broker.BaseTTLMinutes <= 0 {
		c.Broker.BaseTTLMinutes = 10
	}
	if c.Broker.CallTimeoutSeconds <= 0 {
		c.Broker.CallTimeoutSeconds = 30
	}
	if c.Broker.SSECallTimeoutSeconds <= 0 {
		c.Broker.SSECallTimeoutSeconds = 120
	}
}

func clampFloat(v, lo, hi, def float64) float64 {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
