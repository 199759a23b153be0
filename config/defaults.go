// =============================================================================
// Narrative runtime default configuration
// =============================================================================
// Provides sane defaults for every configuration section. Values mirror
// the constants described by each component's own documentation so
// that DefaultConfig() alone is enough to run the full turn cycle.
// =============================================================================
package config

import "time"

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Budget:   DefaultBudgetConfig(),
		Broker:   DefaultBrokerConfig(),
		Cache:    DefaultCacheConfig(),
		Memory:   DefaultMemoryConfig(),
		Dialogue: DefaultDialogueConfig(),
		Pipeline: DefaultPipelineConfig(),
		Negotiation: DefaultNegotiationConfig(),
		Coherence:   DefaultCoherenceConfig(),
		EventBus:    DefaultEventBusConfig(),
		Provider: DefaultProviderConfig(),
		Redis:    DefaultRedisConfig(),
		Server:   DefaultServerConfig(),
		Log:      DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultBudgetConfig returns the default cost and rate limits.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxTurnTime:        5 * time.Second,
		MaxCostPerTurn:      0.10,
		MaxTotalCost:        1.0,
		MaxRequestsPerHour:  100,
	}
}

// DefaultBrokerConfig returns the default batching parameters.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		MaxBatchSize:  5,
		BatchTimeout:  150 * time.Millisecond,
		QueueWaitTimeout: 30 * time.Second,
	}
}

// DefaultCacheConfig returns the default response cache parameters.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:          5 * time.Minute,
		Capacity:     1000,
		RedisEnabled: false,
	}
}

// DefaultMemoryConfig returns the default memory store parameters.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:             10000,
		WorkingMemorySize:    7,
		ForgettingThreshold:  0.1,
		ConsolidationInterval: time.Hour,
	}
}

// DefaultDialogueConfig returns the default dialogue manager parameters.
func DefaultDialogueConfig() DialogueConfig {
	return DialogueConfig{
		HistoryCap:              100,
		FastModeThreshold:       3 * time.Second,
		FastModeCostThreshold:   0.02,
		MaxDialoguesPerTurn:     2,
	}
}

// DefaultPipelineConfig returns the default decision pipeline parameters.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ReasoningKind:      "decision",
		SelectionMargin:    0.15,
		MaxGoalsInPrompt:   3,
		TimePressureWindow: 5 * time.Second,
	}
}

// DefaultNegotiationConfig returns the default negotiation engine
// parameters.
func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		Timeout:        10 * time.Minute,
		MaxRounds:      5,
		ReputationGain: 0.1,
		ReputationLoss: 0.05,
	}
}

// DefaultCoherenceConfig returns the default narrative coherence
// checker parameters.
func DefaultCoherenceConfig() CoherenceConfig {
	return CoherenceConfig{
		ContextWindow:   2 * time.Hour,
		NewThreadWeight: 0.5,
		IssuePenalty:    0.2,
	}
}

// DefaultEventBusConfig returns the default topic delivery parameters.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		SyncThreshold: 32,
		QueueSize:     256,
	}
}

// DefaultProviderConfig returns the default LLM provider parameters.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Primary:    "gemini",
		APIKey:     "",
		BaseURL:    "",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// DefaultRedisConfig returns the default optional second-tier cache
// store parameters (disabled unless Cache.RedisEnabled is set).
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		TLSEnabled:   false,
	}
}

// DefaultServerConfig returns the default server/telemetry ports.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns telemetry disabled, leaving the
// global tracer/meter providers as noops until a host opts in.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		ServiceName:  "narrative-runtime",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   0.1,
	}
}
