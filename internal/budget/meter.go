package budget

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// Snapshot is a read-only view of the meter's current counters.
type Snapshot struct {
	TurnCost    float64            `json:"turn_cost"`
	TotalCost   float64            `json:"total_cost"`
	KindCost    map[string]float64 `json:"kind_cost"`
	KindTokens  map[string]int64   `json:"kind_tokens"`
	KindCount   map[string]int64   `json:"kind_count"`
	RequestRate int                `json:"requests_last_hour"`
}

// Meter tracks per-turn and cumulative cost, token usage and request
// rate, and fails closed once a ceiling is crossed.
type Meter struct {
	cfg     config.BudgetConfig
	clock   types.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu         sync.RWMutex
	turnCost   float64
	totalCost  float64
	kindCost   map[string]float64
	kindTokens map[string]int64
	kindCount  map[string]int64
	requests   []time.Time
}

// NewMeter builds a Meter from the given budget configuration.
func NewMeter(cfg config.BudgetConfig, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Meter {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Meter{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		metrics:    collector,
		kindCost:   make(map[string]float64),
		kindTokens: make(map[string]int64),
		kindCount:  make(map[string]int64),
	}
}

// StartTurn resets the per-turn cost counter. Cumulative counters
// (total cost, per-kind maps, request timestamps) persist across turns.
func (m *Meter) StartTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnCost = 0
}

// Charge records cost and token usage for a request kind and reports
// whether the meter remains under budget after the charge. The charge
// is always applied; the returned flag only reflects whether this
// turn's subsequent requests should be denied.
func (m *Meter) Charge(kind string, cost float64, tokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turnCost += cost
	m.totalCost += cost
	m.kindCost[kind] += cost
	m.kindTokens[kind] += int64(tokens)
	m.kindCount[kind]++
	m.requests = append(m.requests, m.clock.Now())

	underBudget := m.turnCost <= m.cfg.MaxCostPerTurn && m.totalCost <= m.cfg.MaxTotalCost

	if m.metrics != nil {
		m.metrics.SetBudgetSpent("turn", m.turnCost)
		m.metrics.SetBudgetSpent("total", m.totalCost)
	}
	if !underBudget {
		if m.logger != nil {
			m.logger.Warn("budget exceeded",
				zap.String("kind", kind),
				zap.Float64("turn_cost", m.turnCost),
				zap.Float64("total_cost", m.totalCost))
		}
		if m.metrics != nil {
			m.metrics.RecordBudgetDenial("cost_exceeded")
		}
	}
	return underBudget
}

// Allows is a pure check of whether an estimated cost would still fit
// under the turn and total ceilings, without mutating any counter.
func (m *Meter) Allows(estimatedCost float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turnCost+estimatedCost <= m.cfg.MaxCostPerTurn &&
		m.totalCost+estimatedCost <= m.cfg.MaxTotalCost
}

// RateAllows reports whether fewer than MaxRequestsPerHour requests
// fall within the trailing sixty minutes.
func (m *Meter) RateAllows() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimRequestWindow()
	allowed := len(m.requests) < m.cfg.MaxRequestsPerHour
	if !allowed && m.metrics != nil {
		m.metrics.RecordBudgetDenial("rate_limited")
	}
	return allowed
}

func (m *Meter) trimRequestWindow() {
	cutoff := m.clock.Now().Add(-time.Hour)
	i := 0
	for i < len(m.requests) && m.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.requests = m.requests[i:]
	}
}

// Snapshot returns a read-only copy of the meter's current counters.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimRequestWindow()

	kindCost := make(map[string]float64, len(m.kindCost))
	for k, v := range m.kindCost {
		kindCost[k] = v
	}
	kindTokens := make(map[string]int64, len(m.kindTokens))
	for k, v := range m.kindTokens {
		kindTokens[k] = v
	}
	kindCount := make(map[string]int64, len(m.kindCount))
	for k, v := range m.kindCount {
		kindCount[k] = v
	}

	return Snapshot{
		TurnCost:    m.turnCost,
		TotalCost:   m.totalCost,
		KindCost:    kindCost,
		KindTokens:  kindTokens,
		KindCount:   kindCount,
		RequestRate: len(m.requests),
	}
}
