package config

// Config is the root configuration for the proactor runtime.
type Config struct {
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Provider     ProviderConfig     `json:"provider"`
	Conversation ConversationConfig `json:"conversation"`
	Broker       BrokerConfig       `json:"broker"`
	Database     DatabaseConfig     `json:"database"`
	Forward      ForwardConfig      `json:"forward,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Guard        GuardConfig        `json:"guard,omitempty"`
	Logging      LoggingConfig      `json:"logging,omitempty"`

	// ToolConfigPath points at the tool-fleet JSON. Empty means search the
	// default locations (see LoadToolFleet).
	ToolConfigPath string `json:"tool_config_path,omitempty"`
	// TasksConfigPath points at the recurring-task YAML.
	TasksConfigPath string `json:"tasks_config_path,omitempty"`
}

// SchedulerConfig drives the serial dispatch loop.
type SchedulerConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	IdentityUser        string `json:"identity_user"`
	// TaskTimeoutSeconds bounds a single task turn. 0 disables the bound.
	TaskTimeoutSeconds int `json:"task_timeout_seconds,omitempty"`
	// WatchTasksFile reloads the recurring-task YAML on change.
	WatchTasksFile bool `json:"watch_tasks_file,omitempty"`
}

// ProviderConfig selects and tunes the model backend.
// The API key is never read from the config file; it comes from env PROACTOR_API_KEY.
type ProviderConfig struct {
	Kind        string  `json:"kind"` // "openai-compat" or "echo"
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`
	APIKey      string  `json:"-"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// ContextWindow overrides the model-family registry when > 0.
	ContextWindow int `json:"context_window,omitempty"`
	RateLimitRPM  int `json:"rate_limit_rpm,omitempty"`
}

// ConversationConfig tunes history windowing and summarization.
type ConversationConfig struct {
	// TokenBudgetPercent of the context window available for history,
	// clamped to [0.1, 1.0].
	TokenBudgetPercent float64 `json:"token_budget_percent,omitempty"`
	// SummaryThreshold triggers summarization when estimated usage crosses
	// this fraction of the window, clamped to [0.5, 0.95].
	SummaryThreshold  float64 `json:"summary_threshold,omitempty"`
	MaxToolIterations int     `json:"max_tool_iterations,omitempty"`
}

// BrokerConfig tunes tool-server lifecycle.
type BrokerConfig struct {
	BaseTTLMinutes     int `json:"base_ttl_minutes,omitempty"`
	CallTimeoutSeconds int `json:"call_timeout_seconds,omitempty"`
	// SSECallTimeoutSeconds applies to url-based servers, which tend to host
	// longer-running tools.
	SSECallTimeoutSeconds int `json:"sse_call_timeout_seconds,omitempty"`
}

// DatabaseConfig selects the store backend.
// PostgresDSN is never read from the config file; it comes from env PROACTOR_POSTGRES_DSN.
type DatabaseConfig struct {
	Backend      string `json:"backend"` // "sqlite" (default), "postgres", or "memory"
	SQLitePath   string `json:"sqlite_path,omitempty"`
	PostgresDSN  string `json:"-"`
	EmbeddingDim int    `json:"embedding_dim,omitempty"`
}

// ForwardConfig configures the WebSocket event forwarder.
type ForwardConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// GuardConfig configures the self-modification guard middleware.
type GuardConfig struct {
	ProtectedBranches []string `json:"protected_branches,omitempty"`
	SourcePrefixes    []string `json:"source_prefixes,omitempty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}
