// Package agentflow is the composition root of the narrative runtime:
// it owns exactly one instance of every component (C1-C12) and wires
// them together the way config.Config describes, so a host only ever
// needs to construct one Runtime value rather than reach for
// package-level state.
package agentflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/broker"
	"github.com/agentflow/narrative-runtime/internal/budget"
	"github.com/agentflow/narrative-runtime/internal/cache"
	"github.com/agentflow/narrative-runtime/internal/causal"
	"github.com/agentflow/narrative-runtime/internal/coherence"
	"github.com/agentflow/narrative-runtime/internal/dialogue"
	"github.com/agentflow/narrative-runtime/internal/eventbus"
	"github.com/agentflow/narrative-runtime/internal/memory"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/internal/negotiation"
	"github.com/agentflow/narrative-runtime/internal/orchestrator"
	"github.com/agentflow/narrative-runtime/internal/pipeline"
	"github.com/agentflow/narrative-runtime/internal/provider"
	"github.com/agentflow/narrative-runtime/internal/telemetry"
	"github.com/agentflow/narrative-runtime/types"
)

// Runtime is the single value a host embeds to run the narrative
// simulation. Every exported method is safe for concurrent use except
// where documented otherwise.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  types.Clock

	metrics   *metrics.Collector
	telemetry *telemetry.Providers
	meter     *budget.Meter
	cache   *cache.ResponseCache
	redis   *cache.Manager
	broker  *broker.Broker
	memory  *memory.Store
	graph   *causal.Graph

	pipeline    *pipeline.Pipeline
	negotiation *negotiation.Engine
	coherence   *coherence.Checker
	dialogue    *dialogue.Manager
	bus         *eventbus.Bus
	orch        *orchestrator.Orchestrator
}

// New builds a Runtime from cfg, wiring every component's constructor
// in dependency order. prov is the host-supplied LLM provider
// (loading characters, connecting to an actual model backend, and any
// wire protocol are all out of this module's scope per §1); prov may
// be nil, in which case every component that would otherwise call out
// to an LLM instead always takes its fast-mode/no-broker path.
func New(cfg *config.Config, prov provider.Provider) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := newLogger(cfg.Log)
	clock := types.SystemClock{}
	collector := metrics.NewCollector("narrative_runtime", logger)

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		metrics:   collector,
		telemetry: tel,
	}

	rt.meter = budget.NewMeter(cfg.Budget, clock, logger, collector)
	rt.memory = memory.NewStore(cfg.Memory, clock, logger, collector)
	rt.graph = causal.NewGraph(logger, collector)

	local := cache.NewLocalCache(cfg.Cache.Capacity, cfg.Cache.TTL, clock, collector)
	if cfg.Cache.RedisEnabled {
		redisCfg := cache.Config{
			Addr:                cfg.Redis.Addr,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			DefaultTTL:          cfg.Cache.TTL,
			MaxRetries:          3,
			PoolSize:            cfg.Redis.PoolSize,
			MinIdleConns:        cfg.Redis.MinIdleConns,
			HealthCheckInterval: 0,
			TLSEnabled:          cfg.Redis.TLSEnabled,
		}
		mgr, err := cache.NewManager(redisCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis cache tier: %w", err)
		}
		rt.redis = mgr
	}
	rt.cache = cache.NewResponseCache(local, rt.redis, cfg.Cache.TTL, logger, collector)

	var brk *broker.Broker
	if prov != nil {
		brk = broker.New(cfg.Broker, prov, rt.cache, rt.meter, collector, logger, clock)
	}
	rt.broker = brk

	rt.pipeline = pipeline.New(cfg.Pipeline, brk, nil, clock, logger, collector)
	rt.negotiation = negotiation.New(cfg.Negotiation, brk, clock, logger, collector)
	rt.coherence = coherence.New(cfg.Coherence, rt.graph, brk, clock, logger, collector)
	rt.dialogue = dialogue.New(cfg.Dialogue, brk, clock, logger, collector)
	rt.bus = eventbus.New(cfg.EventBus, clock, logger, collector)

	rt.orch = orchestrator.New(
		*cfg, rt.meter, rt.pipeline, rt.negotiation, rt.dialogue,
		rt.coherence, rt.graph, rt.bus, clock, logger, collector,
	)

	return rt, nil
}

// RegisterAgent adds agent to the set the orchestrator drives on
// every subsequent RunTurn.
func (rt *Runtime) RegisterAgent(agent *types.AgentState) {
	rt.orch.RegisterAgent(agent)
}

// UnregisterAgent removes agent from the turn cycle, e.g. once dead.
func (rt *Runtime) UnregisterAgent(agentID string) {
	rt.orch.Unregister(agentID)
}

// WithCandidateGenerator overrides the orchestrator's default action-
// candidate generator with one aware of the host's own world model.
// Call before the first RunTurn.
func (rt *Runtime) WithCandidateGenerator(gen orchestrator.CandidateGenerator) {
	rt.orch.WithCandidateGenerator(gen)
}

// RunTurn drives one full turn and returns its outcome.
func (rt *Runtime) RunTurn(ctx context.Context, turnNumber int) orchestrator.TurnResult {
	return rt.orch.RunTurn(ctx, turnNumber)
}

// Subscribe registers handler on the runtime's event bus under topic,
// returning a subscription id usable with Unsubscribe. Useful topics
// include "turn.completed" and "event.created".
func (rt *Runtime) Subscribe(topic string, handler eventbus.Handler) string {
	return rt.bus.Subscribe(topic, handler)
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (rt *Runtime) Unsubscribe(topic, id string) {
	rt.bus.Unsubscribe(topic, id)
}

// Memory exposes the per-agent memory store directly, for hosts that
// need to seed or inspect memories outside of a turn cycle.
func (rt *Runtime) Memory() *memory.Store {
	return rt.memory
}

// CausalGraph exposes the causal graph directly, for hosts that want
// to query patterns or predictions outside of a turn cycle.
func (rt *Runtime) CausalGraph() *causal.Graph {
	return rt.graph
}

// BudgetSnapshot returns the current cost/rate counters.
func (rt *Runtime) BudgetSnapshot() budget.Snapshot {
	return rt.meter.Snapshot()
}

// Close releases every component holding a background goroutine or
// external connection (the event bus's subscriber drains, the Redis
// cache tier if one was configured, and the telemetry exporters if
// telemetry is enabled).
func (rt *Runtime) Close() error {
	rt.bus.Close()
	if err := rt.telemetry.Shutdown(context.Background()); err != nil {
		rt.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if rt.redis != nil {
		return rt.redis.Close()
	}
	return nil
}
