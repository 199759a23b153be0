// =============================================================================
// Narrative runtime configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable
// overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("runtime.yaml").
//	    WithEnvPrefix("NARRATIVE").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete runtime configuration.
type Config struct {
	// Budget governs per-turn and lifetime cost/rate limits.
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Broker governs LLM request batching.
	Broker BrokerConfig `yaml:"broker" env:"BROKER"`

	// Cache governs the response cache.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Memory governs the per-agent memory store.
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Dialogue governs the dialogue manager.
	Dialogue DialogueConfig `yaml:"dialogue" env:"DIALOGUE"`

	// Pipeline governs the agent decision pipeline.
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Negotiation governs the multi-agent negotiation engine.
	Negotiation NegotiationConfig `yaml:"negotiation" env:"NEGOTIATION"`

	// Coherence governs the narrative coherence checker.
	Coherence CoherenceConfig `yaml:"coherence" env:"COHERENCE"`

	// EventBus governs topic delivery mode and overflow behavior.
	EventBus EventBusConfig `yaml:"event_bus" env:"EVENT_BUS"`

	// Provider configures the primary LLM provider adapter.
	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`

	// Redis is the optional second-tier cache store.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Server carries ports unrelated to the turn cycle (metrics, etc).
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures optional OTLP tracing/metrics export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// BudgetConfig bounds cost and call rate per turn and over the
// lifetime of a run.
type BudgetConfig struct {
	// MaxTurnTime bounds wall-clock time for a single turn.
	MaxTurnTime time.Duration `yaml:"max_turn_time" env:"MAX_TURN_TIME"`
	// MaxCostPerTurn bounds LLM spend within a single turn.
	MaxCostPerTurn float64 `yaml:"max_cost_per_turn" env:"MAX_COST_PER_TURN"`
	// MaxTotalCost bounds lifetime LLM spend across all turns.
	MaxTotalCost float64 `yaml:"max_total_cost" env:"MAX_TOTAL_COST"`
	// MaxRequestsPerHour bounds the provider call rate.
	MaxRequestsPerHour int `yaml:"max_requests_per_hour" env:"MAX_REQUESTS_PER_HOUR"`
}

// BrokerConfig governs how the LLM broker batches queued requests.
type BrokerConfig struct {
	// MaxBatchSize is the most requests merged into one batch call.
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// BatchTimeout is how long the broker waits to fill a batch
	// before flushing whatever has queued.
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
	// QueueWaitTimeout bounds how long a caller blocks for a result.
	QueueWaitTimeout time.Duration `yaml:"queue_wait_timeout" env:"QUEUE_WAIT_TIMEOUT"`
}

// CacheConfig governs the response cache.
type CacheConfig struct {
	// TTL is how long a cached response stays valid.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// Capacity is the maximum number of local entries before eviction.
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// RedisEnabled turns on the optional Redis-backed second tier.
	RedisEnabled bool `yaml:"redis_enabled" env:"REDIS_ENABLED"`
}

// MemoryConfig governs the per-agent memory store.
type MemoryConfig struct {
	// Capacity is the maximum number of memories retained per agent.
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// WorkingMemorySize bounds the LRU working-memory window.
	WorkingMemorySize int `yaml:"working_memory_size" env:"WORKING_MEMORY_SIZE"`
	// ForgettingThreshold is the decayed-strength floor below which a
	// memory is evicted.
	ForgettingThreshold float64 `yaml:"forgetting_threshold" env:"FORGETTING_THRESHOLD"`
	// ConsolidationInterval is how often the background consolidation
	// sweep runs.
	ConsolidationInterval time.Duration `yaml:"consolidation_interval" env:"CONSOLIDATION_INTERVAL"`
}

// DialogueConfig governs the dialogue manager's LLM/fast-mode split.
type DialogueConfig struct {
	// HistoryCap bounds how many past dialogues are retained per pair
	// of agents.
	HistoryCap int `yaml:"history_cap" env:"HISTORY_CAP"`
	// FastModeThreshold forces fast mode once remaining turn time
	// drops below this.
	FastModeThreshold time.Duration `yaml:"fast_mode_threshold" env:"FAST_MODE_THRESHOLD"`
	// FastModeCostThreshold forces fast mode once remaining turn cost
	// budget drops below this.
	FastModeCostThreshold float64 `yaml:"fast_mode_cost_threshold" env:"FAST_MODE_COST_THRESHOLD"`
	// MaxDialoguesPerTurn bounds how many dialogues the orchestrator
	// will initiate in a single turn.
	MaxDialoguesPerTurn int `yaml:"max_dialogues_per_turn" env:"MAX_DIALOGUES_PER_TURN"`
}

// PipelineConfig governs the agent decision pipeline's reasoning use
// of the LLM broker and its action-selection tie-break.
type PipelineConfig struct {
	// ReasoningKind is the broker request Kind used for interpretation
	// and action-justification prompts.
	ReasoningKind string `yaml:"reasoning_kind" env:"REASONING_KIND"`
	// SelectionMargin is how close to the top score (as a fraction of
	// it) a candidate action must be to enter the random tie-break.
	SelectionMargin float64 `yaml:"selection_margin" env:"SELECTION_MARGIN"`
	// MaxGoalsInPrompt bounds how many goals are surfaced in the
	// reasoning prompt's character-context block.
	MaxGoalsInPrompt int `yaml:"max_goals_in_prompt" env:"MAX_GOALS_IN_PROMPT"`
	// TimePressureWindow is the turn time remaining below which the
	// time-pressure score modifier begins to rise.
	TimePressureWindow time.Duration `yaml:"time_pressure_window" env:"TIME_PRESSURE_WINDOW"`
}

// NegotiationConfig governs the multi-agent negotiation engine.
type NegotiationConfig struct {
	// Timeout bounds a session's wall-clock lifetime before it is
	// force-closed with status timeout.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// MaxRounds bounds how many counter-proposal rounds a session may
	// go through before it is declared a deadlock.
	MaxRounds int `yaml:"max_rounds" env:"MAX_ROUNDS"`
	// ReputationGain is added to a participant's reputation after a
	// resolved negotiation, capped at 1.0.
	ReputationGain float64 `yaml:"reputation_gain" env:"REPUTATION_GAIN"`
	// ReputationLoss is subtracted after a failed negotiation, floored
	// at 0.0.
	ReputationLoss float64 `yaml:"reputation_loss" env:"REPUTATION_LOSS"`
}

// CoherenceConfig governs the narrative coherence checker.
type CoherenceConfig struct {
	// ContextWindow bounds how far back events are pulled from the
	// causal graph when checking a new event for consistency.
	ContextWindow time.Duration `yaml:"context_window" env:"CONTEXT_WINDOW"`
	// NewThreadWeight is the narrative weight above which an
	// unmatched event starts a new plot thread rather than being
	// dropped.
	NewThreadWeight float64 `yaml:"new_thread_weight" env:"NEW_THREAD_WEIGHT"`
	// IssuePenalty is subtracted from confidence per detected issue.
	IssuePenalty float64 `yaml:"issue_penalty" env:"ISSUE_PENALTY"`
}

// EventBusConfig governs topic delivery mode and overflow behavior.
type EventBusConfig struct {
	// SyncThreshold is the subscriber count below which publish
	// delivers synchronously; at or above it, delivery goes through
	// each subscriber's bounded queue instead.
	SyncThreshold int `yaml:"sync_threshold" env:"SYNC_THRESHOLD"`
	// QueueSize bounds each async subscriber's pending-message queue;
	// the oldest message is dropped on overflow.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// ProviderConfig configures the primary LLM provider adapter.
type ProviderConfig struct {
	// Primary selects the default provider ("gemini" by default).
	Primary string `yaml:"primary" env:"PRIMARY"`
	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Timeout bounds a single completion call.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// MaxRetries bounds retry attempts on a retryable error.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// RedisConfig configures the optional second-tier cache store.
type RedisConfig struct {
	// Addr is the redis host:port.
	Addr string `yaml:"addr" env:"ADDR"`
	// Password authenticates the connection, if set.
	Password string `yaml:"password" env:"PASSWORD"`
	// DB selects the logical redis database.
	DB int `yaml:"db" env:"DB"`
	// PoolSize bounds the connection pool.
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// MinIdleConns keeps a floor of warm connections.
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// TLSEnabled connects over TLS using the runtime's hardened config.
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// ServerConfig carries ports and timeouts for the runtime's own
// observability surface.
type ServerConfig struct {
	// MetricsPort serves the Prometheus /metrics endpoint.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink targets.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller adds caller file:line to each entry.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches a stacktrace to error-level entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures optional OTLP trace/metric export. When
// disabled, the runtime's tracer stays a noop and no exporter
// connects to anything.
type TelemetryConfig struct {
	// Enabled turns on the OTel SDK and OTLP exporters.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// ServiceName tags every span and metric point.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// OTLPEndpoint is the collector's gRPC address.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// SampleRate is the fraction of turns traced, in [0,1].
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader is a builder-style configuration loader.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "NARRATIVE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Priority: defaults -> YAML file -> environment variables
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from env vars.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue sets a single field's value from its string form.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for internally inconsistent
// values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Budget.MaxCostPerTurn <= 0 {
		errs = append(errs, "max_cost_per_turn must be positive")
	}
	if c.Budget.MaxTotalCost < c.Budget.MaxCostPerTurn {
		errs = append(errs, "max_total_cost must be at least max_cost_per_turn")
	}
	if c.Broker.MaxBatchSize <= 0 {
		errs = append(errs, "max_batch_size must be positive")
	}
	if c.Memory.WorkingMemorySize <= 0 {
		errs = append(errs, "working_memory_size must be positive")
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, "provider timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
