package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, BudgetConfig{}, cfg.Budget)
	assert.NotEqual(t, BrokerConfig{}, cfg.Broker)
	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotEqual(t, MemoryConfig{}, cfg.Memory)
	assert.NotEqual(t, DialogueConfig{}, cfg.Dialogue)
	assert.NotEqual(t, PipelineConfig{}, cfg.Pipeline)
	assert.NotEqual(t, NegotiationConfig{}, cfg.Negotiation)
	assert.NotEqual(t, CoherenceConfig{}, cfg.Coherence)
	assert.NotEqual(t, EventBusConfig{}, cfg.EventBus)
	assert.NotEqual(t, ProviderConfig{}, cfg.Provider)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
}

// --- Individual Default*Config functions ---

func TestDefaultBudgetConfig(t *testing.T) {
	cfg := DefaultBudgetConfig()
	assert.Equal(t, 5*time.Second, cfg.MaxTurnTime)
	assert.InDelta(t, 0.10, cfg.MaxCostPerTurn, 0.0001)
	assert.InDelta(t, 1.0, cfg.MaxTotalCost, 0.0001)
	assert.Equal(t, 100, cfg.MaxRequestsPerHour)
}

func TestDefaultBrokerConfig(t *testing.T) {
	cfg := DefaultBrokerConfig()
	assert.Equal(t, 5, cfg.MaxBatchSize)
	assert.Equal(t, 150*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 30*time.Second, cfg.QueueWaitTimeout)
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.Equal(t, 5*time.Minute, cfg.TTL)
	assert.Equal(t, 1000, cfg.Capacity)
	assert.False(t, cfg.RedisEnabled)
}

func TestDefaultMemoryConfig(t *testing.T) {
	cfg := DefaultMemoryConfig()
	assert.Equal(t, 10000, cfg.Capacity)
	assert.Equal(t, 7, cfg.WorkingMemorySize)
	assert.InDelta(t, 0.1, cfg.ForgettingThreshold, 0.0001)
	assert.Equal(t, time.Hour, cfg.ConsolidationInterval)
}

func TestDefaultDialogueConfig(t *testing.T) {
	cfg := DefaultDialogueConfig()
	assert.Equal(t, 100, cfg.HistoryCap)
	assert.Equal(t, 3*time.Second, cfg.FastModeThreshold)
	assert.InDelta(t, 0.02, cfg.FastModeCostThreshold, 0.0001)
	assert.Equal(t, 2, cfg.MaxDialoguesPerTurn)
}

func TestDefaultPipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	assert.Equal(t, "decision", cfg.ReasoningKind)
	assert.InDelta(t, 0.15, cfg.SelectionMargin, 0.0001)
	assert.Equal(t, 3, cfg.MaxGoalsInPrompt)
	assert.Equal(t, 5*time.Second, cfg.TimePressureWindow)
}

func TestDefaultNegotiationConfig(t *testing.T) {
	cfg := DefaultNegotiationConfig()
	assert.Equal(t, 10*time.Minute, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxRounds)
	assert.InDelta(t, 0.1, cfg.ReputationGain, 0.0001)
	assert.InDelta(t, 0.05, cfg.ReputationLoss, 0.0001)
}

func TestDefaultCoherenceConfig(t *testing.T) {
	cfg := DefaultCoherenceConfig()
	assert.Equal(t, 2*time.Hour, cfg.ContextWindow)
	assert.InDelta(t, 0.5, cfg.NewThreadWeight, 0.0001)
	assert.InDelta(t, 0.2, cfg.IssuePenalty, 0.0001)
}

func TestDefaultEventBusConfig(t *testing.T) {
	cfg := DefaultEventBusConfig()
	assert.Equal(t, 32, cfg.SyncThreshold)
	assert.Equal(t, 256, cfg.QueueSize)
}

func TestDefaultProviderConfig(t *testing.T) {
	cfg := DefaultProviderConfig()
	assert.Equal(t, "gemini", cfg.Primary)
	assert.Empty(t, cfg.APIKey)
	assert.Empty(t, cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}
