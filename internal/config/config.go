// Package config handles loading and validating Chorus configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Chorus.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.chorus/data. Override: CHORUS_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Experts       []ExpertConfig       `json:"experts" yaml:"experts"`
	Toolkit       ToolkitConfig        `json:"toolkit" yaml:"toolkit"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Triggers      *TriggersConfig      `json:"triggers,omitempty" yaml:"triggers,omitempty"`           // nil = cron triggers disabled
	Redis         *RedisConfig         `json:"redis,omitempty" yaml:"redis,omitempty"`                 // nil = no submission queue
	ArangoDB      *ArangoDBConfig      `json:"arangodb,omitempty" yaml:"arangodb,omitempty"`           // nil = toolkit lives in memory only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = tracing disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/chorus.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: CHORUS_DB_DSN env var.
	Schema           string `json:"schema,omitempty" yaml:"schema,omitempty"`       // Created if missing. Empty = server default.
	ApplicationName  string `json:"application_name,omitempty" yaml:"application_name,omitempty"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ConnMaxLifetime returns the pool connection lifetime, 0 meaning the driver default.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 0
}

// ProviderConfig selects the language model platform.
type ProviderConfig struct {
	PlatformType string   `json:"platform_type" yaml:"platform_type"`           // "openai", "anthropic", "ollama". Empty = "openai".
	Fallback     []string `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Platforms tried in order when the primary fails.
	// Seconds a failed platform is skipped. 0 = 30s, negative disables.
	FallbackCooldownSeconds int             `json:"fallback_cooldown_seconds,omitempty" yaml:"fallback_cooldown_seconds,omitempty"`
	Anthropic               AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI                  OpenAIConfig    `json:"openai" yaml:"openai"`
	Ollama                  OllamaConfig    `json:"ollama" yaml:"ollama"`
}

// FallbackCooldown returns how long a failed platform is skipped.
func (p ProviderConfig) FallbackCooldown() time.Duration {
	switch {
	case p.FallbackCooldownSeconds < 0:
		return 0
	case p.FallbackCooldownSeconds == 0:
		return 30 * time.Second
	}
	return time.Duration(p.FallbackCooldownSeconds) * time.Second
}

type AnthropicConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"` // Default: 4096.
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com/v1.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434/v1.
}

// OllamaBaseURL returns the OpenAI-compatible Ollama endpoint.
func (o OllamaConfig) OllamaBaseURL() string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return "http://localhost:11434/v1"
}

// OrchestratorConfig bounds the job graph scheduler and the reasoners.
// Defaults: reasoning_rounds 5, max_parallel 8, retry_cap 3, life_cap 5,
// operator_timeout_seconds 600. Zero caps are honoured when set explicitly.
type OrchestratorConfig struct {
	ReasoningRounds        int  `json:"reasoning_rounds" yaml:"reasoning_rounds"`
	MaxParallel            int  `json:"max_parallel" yaml:"max_parallel"`
	RetryCap               *int `json:"retry_cap,omitempty" yaml:"retry_cap,omitempty"`
	LifeCap                *int `json:"life_cap,omitempty" yaml:"life_cap,omitempty"`
	OperatorTimeoutSeconds int  `json:"operator_timeout_seconds" yaml:"operator_timeout_seconds"`
	PrintReasonerMessages  bool `json:"print_reasoner_messages" yaml:"print_reasoner_messages"`
}

// Rounds returns the reasoning rounds with a default of 5.
func (o OrchestratorConfig) Rounds() int {
	if o.ReasoningRounds > 0 {
		return o.ReasoningRounds
	}
	return 5
}

// Parallelism returns max_parallel with a default of 8.
func (o OrchestratorConfig) Parallelism() int {
	if o.MaxParallel > 0 {
		return o.MaxParallel
	}
	return 8
}

// Retries returns retry_cap with a default of 3. Zero is honoured.
func (o OrchestratorConfig) Retries() int {
	if o.RetryCap != nil && *o.RetryCap >= 0 {
		return *o.RetryCap
	}
	return 3
}

// Life returns life_cap with a default of 5. Zero is honoured.
func (o OrchestratorConfig) Life() int {
	if o.LifeCap != nil && *o.LifeCap >= 0 {
		return *o.LifeCap
	}
	return 5
}

// OperatorTimeout returns the per-operator timeout with a default of 600s.
func (o OrchestratorConfig) OperatorTimeout() time.Duration {
	if o.OperatorTimeoutSeconds > 0 {
		return time.Duration(o.OperatorTimeoutSeconds) * time.Second
	}
	return 600 * time.Second
}

// ExpertConfig declares one expert: its operator DAG and reasoner kind.
type ExpertConfig struct {
	Name                 string           `json:"name" yaml:"name"`
	Description          string           `json:"description" yaml:"description"`
	Reasoner             string           `json:"reasoner" yaml:"reasoner"` // "dual" (default) or "mono".
	Operators            []OperatorConfig `json:"operators" yaml:"operators"`
	Edges                []EdgeConfig     `json:"edges,omitempty" yaml:"edges,omitempty"`
	Evaluator            bool             `json:"evaluator" yaml:"evaluator"`                                             // Attach an evaluator after the terminal operator.
	EvaluatorInstruction string           `json:"evaluator_instruction,omitempty" yaml:"evaluator_instruction,omitempty"` // Extra instruction for the evaluator.
}

// ReasonerKind returns the reasoner kind, defaulting to "dual".
func (e ExpertConfig) ReasonerKind() string {
	if e.Reasoner != "" {
		return e.Reasoner
	}
	return "dual"
}

// OperatorConfig declares one operator of an expert workflow.
type OperatorConfig struct {
	ID              string   `json:"id" yaml:"id"`
	Instruction     string   `json:"instruction" yaml:"instruction"`
	Actions         []string `json:"actions,omitempty" yaml:"actions,omitempty"`     // Toolkit actions the operator may take.
	Threshold       float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"` // Recommendation score threshold. Default: 0.5
	Hops            int      `json:"hops,omitempty" yaml:"hops,omitempty"`           // Recommendation depth. Default: 1
	StrictRecommend bool     `json:"strict_recommend,omitempty" yaml:"strict_recommend,omitempty"`
	OutputSchema    string   `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
}

// EdgeConfig connects two operators of the same expert.
type EdgeConfig struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// ToolkitConfig declares the toolkit recommendation graph.
type ToolkitConfig struct {
	Actions []ActionConfig `json:"actions" yaml:"actions"`
}

// ActionConfig declares an action, its successors and attached tools.
type ActionConfig struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Next        []ScoredRef `json:"next,omitempty" yaml:"next,omitempty"`   // Follow-up actions.
	Tools       []ScoredRef `json:"tools,omitempty" yaml:"tools,omitempty"` // Tools from the registry or MCP servers.
}

// ScoredRef names a graph neighbour with an edge score in [0, 1].
type ScoredRef struct {
	Name  string  `json:"name" yaml:"name"`
	Score float64 `json:"score" yaml:"score"`
}

// ToolsConfig configures builtin tools and MCP servers.
type ToolsConfig struct {
	Web      *WebToolConfig      `json:"web,omitempty" yaml:"web,omitempty"`           // nil = web_fetch disabled
	Database *DatabaseToolConfig `json:"database,omitempty" yaml:"database,omitempty"` // nil = sql_read disabled
	File     *FileToolConfig     `json:"file,omitempty" yaml:"file,omitempty"`         // nil = file_read disabled
	MCP      []MCPServerConfig   `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// WebToolConfig configures web_fetch.
type WebToolConfig struct {
	AllowedDomains   []string `json:"allowed_domains" yaml:"allowed_domains"`
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes"` // Default: 5 MB.
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 10.
}

// DatabaseToolConfig configures sql_read.
type DatabaseToolConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`               // Default: 1000.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// FileToolConfig configures file_read.
type FileToolConfig struct {
	AllowedPaths     []string `json:"allowed_paths" yaml:"allowed_paths"`           // Default: <data_dir>/files.
	MaxFileSizeBytes int64    `json:"max_file_size_bytes" yaml:"max_file_size_bytes"` // Default: 10 MB.
}

// MCPServerConfig defines a single external MCP server connection.
// Chorus acts as an MCP client, connecting at startup, discovering tools,
// and attaching them to toolkit actions.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
	Actions   []string          `json:"actions,omitempty" yaml:"actions,omitempty"` // Toolkit actions the discovered tools attach to.
	Score     float64           `json:"score,omitempty" yaml:"score,omitempty"`     // Edge score for attached tools. Default: 1.0.
}

// TriggersConfig configures cron-scheduled goals.
type TriggersConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds int           `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 30.
	MaxConcurrent       int           `json:"max_concurrent" yaml:"max_concurrent"`               // Default: 5.
	MissedWindowSeconds int           `json:"missed_window_seconds" yaml:"missed_window_seconds"` // Default: 3600 (1 hour).
	Jobs                []TriggerSpec `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// TriggerSpec is a trigger declared in the config file.
type TriggerSpec struct {
	Name      string `json:"name" yaml:"name"`
	Cron      string `json:"cron" yaml:"cron"` // 5-field cron expression.
	Goal      string `json:"goal" yaml:"goal"`
	Context   string `json:"context,omitempty" yaml:"context,omitempty"`
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Disabled  bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// PollInterval returns the poll interval with a default of 30s.
func (t *TriggersConfig) PollInterval() time.Duration {
	if t != nil && t.PollIntervalSeconds > 0 {
		return time.Duration(t.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// Concurrency returns the max concurrent firings with a default of 5.
func (t *TriggersConfig) Concurrency() int {
	if t != nil && t.MaxConcurrent > 0 {
		return t.MaxConcurrent
	}
	return 5
}

// MissedWindow returns the window for recovering missed firings.
// Triggers missed more than this duration ago are skipped. Default: 1 hour.
func (t *TriggersConfig) MissedWindow() time.Duration {
	if t != nil && t.MissedWindowSeconds > 0 {
		return time.Duration(t.MissedWindowSeconds) * time.Second
	}
	return time.Hour
}

// RedisConfig configures the Redis stream submission queue.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"` // Override: CHORUS_REDIS_ADDR env var.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Stream   string `json:"stream" yaml:"stream"`     // Default: "chorus:jobs".
	Group    string `json:"group" yaml:"group"`       // Default: "chorus".
	Consumer string `json:"consumer" yaml:"consumer"` // Default: hostname.
}

// StreamName returns the stream with a default of "chorus:jobs".
func (r *RedisConfig) StreamName() string {
	if r.Stream != "" {
		return r.Stream
	}
	return "chorus:jobs"
}

// GroupName returns the consumer group with a default of "chorus".
func (r *RedisConfig) GroupName() string {
	if r.Group != "" {
		return r.Group
	}
	return "chorus"
}

// ConsumerName returns the consumer name, defaulting to the hostname.
func (r *RedisConfig) ConsumerName() string {
	if r.Consumer != "" {
		return r.Consumer
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "chorus"
}

// ArangoDBConfig configures the graph database holding the toolkit.
type ArangoDBConfig struct {
	URL      string `json:"url" yaml:"url"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"` // Override: CHORUS_ARANGO_PASSWORD env var.
	Database string `json:"database" yaml:"database"`
	Load     bool   `json:"load" yaml:"load"` // Load the toolkit from ArangoDB at startup instead of saving the configured one.
}

// ObservabilityConfig configures tracing and health checks.
type ObservabilityConfig struct {
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "chorus"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeRedis bool `json:"include_redis" yaml:"include_redis"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	SubmitsPerMinute    int    `json:"submits_per_minute" yaml:"submits_per_minute"` // Per client address. 0 = unlimited.
	SubmitBurst         int    `json:"submit_burst" yaml:"submit_burst"`             // Default: SubmitsPerMinute.
}

// Addr returns the listen address with a default of ":8080".
func (h HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// DefaultConfigPath returns the default config file path (~/.chorus/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/chorus.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".chorus", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and connection strings can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables on the file values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Provider.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Provider.OpenAI.APIKey = envKey
	}
	if envDD := os.Getenv("CHORUS_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}

	// A DSN in the environment selects postgres unless a driver is pinned.
	if dsn := os.Getenv("CHORUS_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if addr := os.Getenv("CHORUS_REDIS_ADDR"); addr != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("CHORUS_ARANGO_PASSWORD"); pw != "" && c.ArangoDB != nil {
		c.ArangoDB.Password = pw
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".chorus", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".chorus", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "chorus.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Provider.PlatformType == "" {
		c.Provider.PlatformType = "openai"
	}
	if err := c.validateProvider(c.Provider.PlatformType); err != nil {
		return err
	}
	for i, fb := range c.Provider.Fallback {
		if err := c.validateProvider(fb); err != nil {
			return fmt.Errorf("provider.fallback[%d]: %w", i, err)
		}
	}

	if c.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("orchestrator.max_parallel must not be negative")
	}
	if c.Orchestrator.ReasoningRounds < 0 {
		return fmt.Errorf("orchestrator.reasoning_rounds must not be negative")
	}

	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set CHORUS_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if err := c.validateExperts(); err != nil {
		return err
	}
	if err := c.validateToolkit(); err != nil {
		return err
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}

	if c.Triggers != nil {
		names := make(map[string]bool, len(c.Triggers.Jobs))
		for i, t := range c.Triggers.Jobs {
			if t.Name == "" || t.Cron == "" || t.Goal == "" {
				return fmt.Errorf("triggers.jobs[%d]: name, cron and goal are required", i)
			}
			if names[t.Name] {
				return fmt.Errorf("triggers.jobs[%d]: duplicate trigger name %q", i, t.Name)
			}
			names[t.Name] = true
		}
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is configured (set CHORUS_REDIS_ADDR env var)")
	}
	if c.ArangoDB != nil && (c.ArangoDB.URL == "" || c.ArangoDB.Database == "") {
		return fmt.Errorf("arangodb.url and arangodb.database are required when arangodb is configured")
	}
	if c.Observability != nil && c.Observability.Tracing != nil {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}

// validateProvider checks that the named LLM platform has the required fields.
func (c *Config) validateProvider(platform string) error {
	switch platform {
	case "anthropic":
		if c.Provider.Anthropic.Model == "" {
			return fmt.Errorf("provider.anthropic.model is required")
		}
		if c.Provider.Anthropic.APIKey == "" {
			return fmt.Errorf("provider.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Provider.OpenAI.Model == "" {
			return fmt.Errorf("provider.openai.model is required")
		}
		if c.Provider.OpenAI.APIKey == "" {
			return fmt.Errorf("provider.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
		if c.Provider.Ollama.Model == "" {
			return fmt.Errorf("provider.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider platform %q is not supported (use openai, anthropic, or ollama)", platform)
	}
	return nil
}

func (c *Config) validateExperts() error {
	if len(c.Experts) == 0 {
		return fmt.Errorf("at least one expert is required")
	}
	names := make(map[string]bool, len(c.Experts))
	for i, e := range c.Experts {
		if e.Name == "" {
			return fmt.Errorf("experts[%d].name is required", i)
		}
		if names[e.Name] {
			return fmt.Errorf("experts[%d]: duplicate expert name %q", i, e.Name)
		}
		names[e.Name] = true
		switch e.ReasonerKind() {
		case "dual", "mono":
		default:
			return fmt.Errorf("experts[%d] (%q): reasoner must be dual or mono", i, e.Name)
		}
		if len(e.Operators) == 0 {
			return fmt.Errorf("experts[%d] (%q): at least one operator is required", i, e.Name)
		}
		ops := make(map[string]bool, len(e.Operators))
		for j, op := range e.Operators {
			if op.ID == "" {
				return fmt.Errorf("experts[%d].operators[%d].id is required", i, j)
			}
			if ops[op.ID] {
				return fmt.Errorf("experts[%d] (%q): duplicate operator id %q", i, e.Name, op.ID)
			}
			if op.Threshold < 0 || op.Threshold > 1 {
				return fmt.Errorf("experts[%d] (%q): operator %q threshold must be within [0, 1]", i, e.Name, op.ID)
			}
			ops[op.ID] = true
		}
		for j, edge := range e.Edges {
			if !ops[edge.From] || !ops[edge.To] {
				return fmt.Errorf("experts[%d] (%q): edges[%d] references an unknown operator", i, e.Name, j)
			}
		}
	}
	return nil
}

func (c *Config) validateToolkit() error {
	actions := make(map[string]bool, len(c.Toolkit.Actions))
	for i, a := range c.Toolkit.Actions {
		if a.Name == "" {
			return fmt.Errorf("toolkit.actions[%d].name is required", i)
		}
		if actions[a.Name] {
			return fmt.Errorf("toolkit.actions[%d]: duplicate action %q", i, a.Name)
		}
		actions[a.Name] = true
	}
	for _, a := range c.Toolkit.Actions {
		for _, n := range a.Next {
			if !actions[n.Name] {
				return fmt.Errorf("toolkit action %q: unknown next action %q", a.Name, n.Name)
			}
			if n.Score < 0 || n.Score > 1 {
				return fmt.Errorf("toolkit action %q: score for %q must be within [0, 1]", a.Name, n.Name)
			}
		}
		for _, t := range a.Tools {
			if t.Score < 0 || t.Score > 1 {
				return fmt.Errorf("toolkit action %q: score for tool %q must be within [0, 1]", a.Name, t.Name)
			}
		}
	}
	for _, e := range c.Experts {
		for _, op := range e.Operators {
			for _, a := range op.Actions {
				if !actions[a] {
					return fmt.Errorf("expert %q operator %q: unknown action %q", e.Name, op.ID, a)
				}
			}
		}
	}
	return nil
}
