// Package metrics provides internal metrics collection for the narrative
// runtime. This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus instrument the runtime records against.
type Collector struct {
	// Turn orchestration
	turnsTotal   *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	turnAgents   *prometheus.HistogramVec

	// LLM provider calls
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	// Broker batching
	brokerBatchSize       *prometheus.HistogramVec
	brokerQueueWait       *prometheus.HistogramVec
	brokerRequestsBatched *prometheus.CounterVec

	// Budget
	budgetDenialsTotal *prometheus.CounterVec
	budgetSpent        *prometheus.GaugeVec

	// Response cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	// Memory store
	memoryOperationsTotal *prometheus.CounterVec
	memoryCount           *prometheus.GaugeVec

	// Causal graph
	causalEventsTotal *prometheus.CounterVec
	causalEdgesTotal  *prometheus.CounterVec

	// Agent decision pipeline
	pipelineStageDuration *prometheus.HistogramVec
	pipelineActionsTotal  *prometheus.CounterVec

	// Negotiation engine
	negotiationOutcomesTotal *prometheus.CounterVec
	negotiationRounds        *prometheus.HistogramVec

	// Narrative coherence
	coherenceCorrectionsTotal *prometheus.CounterVec
	coherenceRejectionsTotal  *prometheus.CounterVec

	// Dialogue manager
	dialogueQuality *prometheus.HistogramVec
	dialoguesTotal  *prometheus.CounterVec

	// Event bus
	eventBusPublishedTotal *prometheus.CounterVec
	eventBusDroppedTotal   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector builds and registers every metric family under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of orchestrated turns, by outcome",
		},
		[]string{"status"},
	)

	c.turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a turn",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	c.turnAgents = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_agents_processed",
			Help:      "Number of agents processed in a turn",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		},
		[]string{},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM provider calls",
		},
		[]string{"provider", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total tokens used, by kind (prompt, output)",
		},
		[]string{"provider", "kind"},
	)

	c.llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Total LLM cost in USD",
		},
		[]string{"provider"},
	)

	c.brokerBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_batch_size",
			Help:      "Number of requests grouped into a single batched call",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
		[]string{"kind"},
	)

	c.brokerQueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_queue_wait_seconds",
			Help:      "Time a request spent queued before dispatch",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"priority"},
	)

	c.brokerRequestsBatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_requests_batched_total",
			Help:      "Total requests dispatched through the batching path",
		},
		[]string{"kind"},
	)

	c.budgetDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Total requests denied by the budget meter, by reason",
		},
		[]string{"reason"},
	)

	c.budgetSpent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spent_usd",
			Help:      "Cumulative USD spent, by scope",
		},
		[]string{"scope"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total response cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total response cache misses",
		},
		[]string{"tier"},
	)

	c.cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of entries held in the response cache",
		},
		[]string{"tier"},
	)

	c.memoryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total memory store operations, by kind",
		},
		[]string{"operation"},
	)

	c.memoryCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_entries",
			Help:      "Current number of memories held per agent",
		},
		[]string{"agent_id"},
	)

	c.causalEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "causal_events_total",
			Help:      "Total events appended to the causal graph",
		},
		[]string{"event_type"},
	)

	c.causalEdgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "causal_edges_total",
			Help:      "Total causal edges inferred between events",
		},
		[]string{"relation"},
	)

	c.pipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Decision pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"stage"},
	)

	c.pipelineActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_actions_total",
			Help:      "Total actions selected by the decision pipeline",
		},
		[]string{"action_type"},
	)

	c.negotiationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_outcomes_total",
			Help:      "Total negotiation sessions, by terminal status",
		},
		[]string{"status"},
	)

	c.negotiationRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_rounds",
			Help:      "Number of proposal/response rounds per negotiation",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{},
	)

	c.coherenceCorrectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coherence_corrections_total",
			Help:      "Total narrative coherence correction attempts",
		},
		[]string{"rule"},
	)

	c.coherenceRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coherence_rejections_total",
			Help:      "Total actions rejected after a failed correction attempt",
		},
		[]string{"rule"},
	)

	c.dialogueQuality = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dialogue_quality_score",
			Help:      "Computed dialogue quality score",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 10),
		},
		[]string{"communication_type"},
	)

	c.dialoguesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogues_total",
			Help:      "Total dialogues conducted, by mode",
		},
		[]string{"mode"},
	)

	c.eventBusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_published_total",
			Help:      "Total messages published to the event bus",
		},
		[]string{"topic"},
	)

	c.eventBusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Total messages dropped due to a full subscriber queue",
		},
		[]string{"topic"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordTurn records the outcome and duration of an orchestrated turn.
func (c *Collector) RecordTurn(status string, duration time.Duration, agentCount int) {
	c.turnsTotal.WithLabelValues(status).Inc()
	c.turnDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.turnAgents.WithLabelValues().Observe(float64(agentCount))
}

// RecordLLMRequest records a completed LLM provider call.
func (c *Collector) RecordLLMRequest(provider, status string, duration time.Duration, promptTokens, outputTokens int, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, "output").Add(float64(outputTokens))
	c.llmCost.WithLabelValues(provider).Add(cost)
}

// RecordBrokerBatch records one dispatched batch and the requests it held.
func (c *Collector) RecordBrokerBatch(kind string, size int) {
	c.brokerBatchSize.WithLabelValues(kind).Observe(float64(size))
	c.brokerRequestsBatched.WithLabelValues(kind).Add(float64(size))
}

// RecordBrokerQueueWait records how long a request waited before dispatch.
func (c *Collector) RecordBrokerQueueWait(priority string, wait time.Duration) {
	c.brokerQueueWait.WithLabelValues(priority).Observe(wait.Seconds())
}

// RecordBudgetDenial records a request refused by the budget meter.
func (c *Collector) RecordBudgetDenial(reason string) {
	c.budgetDenialsTotal.WithLabelValues(reason).Inc()
}

// SetBudgetSpent records the cumulative spend for a scope (e.g. "turn", "total").
func (c *Collector) SetBudgetSpent(scope string, usd float64) {
	c.budgetSpent.WithLabelValues(scope).Set(usd)
}

// RecordCacheHit records a response cache hit at the given tier ("memory", "redis").
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a response cache miss at the given tier.
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// SetCacheSize records the current entry count held at a cache tier.
func (c *Collector) SetCacheSize(tier string, entries int) {
	c.cacheSize.WithLabelValues(tier).Set(float64(entries))
}

// RecordMemoryOperation records a memory store operation (store, retrieve,
// reinforce, consolidate, forget).
func (c *Collector) RecordMemoryOperation(operation string) {
	c.memoryOperationsTotal.WithLabelValues(operation).Inc()
}

// SetMemoryCount records the current memory count for an agent.
func (c *Collector) SetMemoryCount(agentID string, count int) {
	c.memoryCount.WithLabelValues(agentID).Set(float64(count))
}

// RecordCausalEvent records an event appended to the causal graph.
func (c *Collector) RecordCausalEvent(eventType string) {
	c.causalEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordCausalEdge records an inferred causal edge.
func (c *Collector) RecordCausalEdge(relation string) {
	c.causalEdgesTotal.WithLabelValues(relation).Inc()
}

// RecordPipelineStage records the duration of a decision pipeline stage.
func (c *Collector) RecordPipelineStage(stage string, duration time.Duration) {
	c.pipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordPipelineAction records the action type selected by the pipeline.
func (c *Collector) RecordPipelineAction(actionType string) {
	c.pipelineActionsTotal.WithLabelValues(actionType).Inc()
}

// RecordNegotiationOutcome records the terminal status of a negotiation session.
func (c *Collector) RecordNegotiationOutcome(status string, rounds int) {
	c.negotiationOutcomesTotal.WithLabelValues(status).Inc()
	c.negotiationRounds.WithLabelValues().Observe(float64(rounds))
}

// RecordCoherenceCorrection records a coherence-rule correction attempt.
func (c *Collector) RecordCoherenceCorrection(rule string) {
	c.coherenceCorrectionsTotal.WithLabelValues(rule).Inc()
}

// RecordCoherenceRejection records an action rejected after correction failed.
func (c *Collector) RecordCoherenceRejection(rule string) {
	c.coherenceRejectionsTotal.WithLabelValues(rule).Inc()
}

// RecordDialogue records a completed dialogue's mode and computed quality.
func (c *Collector) RecordDialogue(mode, communicationType string, quality float64) {
	c.dialoguesTotal.WithLabelValues(mode).Inc()
	c.dialogueQuality.WithLabelValues(communicationType).Observe(quality)
}

// RecordEventPublished records a message delivered onto a topic.
func (c *Collector) RecordEventPublished(topic string) {
	c.eventBusPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordEventDropped records a message dropped because a subscriber's queue was full.
func (c *Collector) RecordEventDropped(topic string) {
	c.eventBusDroppedTotal.WithLabelValues(topic).Inc()
}
