package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

const (
	minRetrievalProbability  = 0.1
	consolidationScoreFloor  = 0.5
	consolidationFullLevel   = 0.7
	consolidationLevelBoost  = 0.3
	consolidationDecayFactor = 0.8
	consolidationStrengthUp  = 0.1
)

// Query selects candidate memories for retrieval.
type Query struct {
	Keywords    []string
	Entities    []string
	Locations   []string
	Context     map[string]string
	Kinds       []types.MemoryKind
	MinStrength float64
}

// Store holds every agent's memories, isolated by agent id.
type Store struct {
	cfg     config.MemoryConfig
	clock   types.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu           sync.RWMutex
	byAgent      map[string]map[string]*types.Memory
	working      map[string][]string            // agentID -> MRU memory IDs, front = most recent
	associations map[string]map[string]float64  // memoryID -> relatedID -> strength
}

// NewStore builds an empty Store.
func NewStore(cfg config.MemoryConfig, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Store {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Store{
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
		metrics:      collector,
		byAgent:      make(map[string]map[string]*types.Memory),
		working:      make(map[string][]string),
		associations: make(map[string]map[string]float64),
	}
}

// Store records m under agentID, assigning an ID and timestamps if
// absent, updates its associations with existing memories, touches
// working memory, and enforces capacity.
func (s *Store) Store(agentID string, m *types.Memory) *types.Memory {
	now := s.clock.Now()

	s.mu.Lock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.AgentID = agentID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessed.IsZero() {
		m.LastAccessed = now
	}
	if m.LastReinforced.IsZero() {
		m.LastReinforced = now
	}
	if m.DecayRate == 0 {
		m.DecayRate = 0.01
	}

	agentMemories, ok := s.byAgent[agentID]
	if !ok {
		agentMemories = make(map[string]*types.Memory)
		s.byAgent[agentID] = agentMemories
	}
	agentMemories[m.ID] = m
	s.linkAssociations(m, agentMemories)
	s.touchWorking(agentID, m.ID)
	count := len(agentMemories)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordMemoryOperation("store")
		s.metrics.SetMemoryCount(agentID, count)
	}

	s.enforceCapacity(agentID)
	return m
}

// linkAssociations updates the association graph between m and each
// existing memory belonging to the same agent, weighted by entity,
// location and tag overlap and temporal proximity. Caller must hold
// s.mu for writing.
func (s *Store) linkAssociations(m *types.Memory, agentMemories map[string]*types.Memory) {
	for id, other := range agentMemories {
		if id == m.ID {
			continue
		}
		strength := associationStrength(m, other)
		if strength <= 0 {
			continue
		}
		if s.associations[m.ID] == nil {
			s.associations[m.ID] = make(map[string]float64)
		}
		if s.associations[id] == nil {
			s.associations[id] = make(map[string]float64)
		}
		s.associations[m.ID][id] = strength
		s.associations[id][m.ID] = strength
	}
}

func associationStrength(a, b *types.Memory) float64 {
	strength := 0.0

	if score := overlapScore(a.AssociatedEntities, b.AssociatedEntities); score > 0 {
		strength += score * 0.4
	}
	if score := overlapScore(a.AssociatedLocations, b.AssociatedLocations); score > 0 {
		strength += score * 0.3
	}
	if score := overlapScore(a.Tags, b.Tags); score > 0 {
		strength += score * 0.2
	}

	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta < 24*time.Hour {
		strength += (1.0 - float64(delta)/float64(24*time.Hour)) * 0.1
	}

	return strength
}

func overlapScore(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	matches := 0
	for _, v := range a {
		if set[v] {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return float64(matches) / float64(longest)
}

// touchWorking moves id to the front of agentID's working-memory MRU
// list, evicting the tail if over WorkingMemorySize. Caller must hold
// s.mu for writing.
func (s *Store) touchWorking(agentID, id string) {
	capacity := s.cfg.WorkingMemorySize
	if capacity <= 0 {
		capacity = 7
	}
	list := s.working[agentID]
	for i, existing := range list {
		if existing == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append([]string{id}, list...)
	if len(list) > capacity {
		list = list[:capacity]
	}
	s.working[agentID] = list
}

// WorkingMemory returns the memories currently held in agentID's
// working-memory window, most recent first.
func (s *Store) WorkingMemory(agentID string) []*types.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agentMemories := s.byAgent[agentID]
	ids := s.working[agentID]
	out := make([]*types.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := agentMemories[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Retrieve scores every candidate memory against q and returns those
// above minRetrievalProbability, highest probability first, limited
// to limit results. Returned memories are touched (access recorded).
func (s *Store) Retrieve(agentID string, q Query, limit int) []*types.Memory {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	agentMemories := s.byAgent[agentID]
	if len(agentMemories) == 0 {
		return nil
	}

	type scored struct {
		mem   *types.Memory
		prob  float64
	}
	var candidates []scored

	for _, m := range agentMemories {
		if !matchesKind(m, q.Kinds) {
			continue
		}
		currentStrength := m.CurrentStrength(now)
		if currentStrength < q.MinStrength {
			continue
		}
		relevance := relevanceScore(m, q)
		recency := recencyBonus(now, m.LastAccessed)
		prob := currentStrength*relevance + abs(m.EmotionalWeight)*0.2 + recency*0.1
		if prob <= minRetrievalProbability {
			continue
		}
		candidates = append(candidates, scored{mem: m, prob: prob})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].prob > candidates[j].prob })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*types.Memory, 0, len(candidates))
	for _, c := range candidates {
		c.mem.Touch(now)
		s.touchWorking(agentID, c.mem.ID)
		out = append(out, c.mem)
	}

	if s.metrics != nil {
		s.metrics.RecordMemoryOperation("retrieve")
	}
	return out
}

func matchesKind(m *types.Memory, kinds []types.MemoryKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if m.Kind == k {
			return true
		}
	}
	return false
}

func relevanceScore(m *types.Memory, q Query) float64 {
	score := 0.0
	any := false

	if len(q.Keywords) > 0 {
		any = true
		content := strings.ToLower(m.Content)
		matches := 0
		for _, kw := range q.Keywords {
			if strings.Contains(content, strings.ToLower(kw)) {
				matches++
			}
		}
		score += (float64(matches) / float64(len(q.Keywords))) * 0.4
	}

	if len(q.Entities) > 0 {
		any = true
		score += overlapScore(q.Entities, m.AssociatedEntities) * 0.3
	}

	if len(q.Locations) > 0 {
		any = true
		score += overlapScore(q.Locations, m.AssociatedLocations) * 0.2
	}

	if len(q.Context) > 0 {
		any = true
		score += 0.1 // presence of shared context is a weak signal without a content map to compare against
	}

	if !any {
		return 0.5
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

func recencyBonus(now, lastAccessed time.Time) float64 {
	age := now.Sub(lastAccessed)
	week := 7 * 24 * time.Hour
	if age >= week {
		return 0
	}
	if age < 0 {
		return 1
	}
	return 1.0 - float64(age)/float64(week)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Reinforce boosts a memory's strength by delta and records the
// reinforcement time.
func (s *Store) Reinforce(agentID, id string, delta float64) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	agentMemories := s.byAgent[agentID]
	if agentMemories == nil {
		return false
	}
	m, ok := agentMemories[id]
	if !ok {
		return false
	}
	m.Reinforce(now, delta)

	if s.metrics != nil {
		s.metrics.RecordMemoryOperation("reinforce")
	}
	return true
}

// Forget removes a specific memory, recording reason for the caller's
// audit trail (the store itself doesn't persist reasons).
func (s *Store) Forget(agentID, id, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentMemories := s.byAgent[agentID]
	if agentMemories == nil {
		return false
	}
	if _, ok := agentMemories[id]; !ok {
		return false
	}
	delete(agentMemories, id)
	delete(s.associations, id)
	for _, related := range s.associations {
		delete(related, id)
	}

	if s.logger != nil {
		s.logger.Debug("memory forgotten",
			zap.String("agent_id", agentID), zap.String("memory_id", id), zap.String("reason", reason))
	}
	if s.metrics != nil {
		s.metrics.RecordMemoryOperation("forget")
		s.metrics.SetMemoryCount(agentID, len(agentMemories))
	}
	return true
}

// enforceCapacity drops the lowest-current-strength memories below
// the forgetting threshold once an agent's memory count exceeds the
// configured cap.
func (s *Store) enforceCapacity(agentID string) {
	capacity := s.cfg.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	threshold := s.cfg.ForgettingThreshold
	if threshold <= 0 {
		threshold = 0.1
	}
	now := s.clock.Now()

	s.mu.Lock()
	agentMemories := s.byAgent[agentID]
	if len(agentMemories) <= capacity {
		s.mu.Unlock()
		return
	}

	type scored struct {
		id       string
		strength float64
	}
	below := make([]scored, 0)
	for id, m := range agentMemories {
		strength := m.CurrentStrength(now)
		if strength < threshold {
			below = append(below, scored{id: id, strength: strength})
		}
	}
	sort.Slice(below, func(i, j int) bool { return below[i].strength < below[j].strength })

	overflow := len(agentMemories) - capacity
	dropped := 0
	for _, b := range below {
		if dropped >= overflow {
			break
		}
		delete(agentMemories, b.id)
		delete(s.associations, b.id)
		for _, related := range s.associations {
			delete(related, b.id)
		}
		dropped++
	}
	remaining := len(agentMemories)
	s.mu.Unlock()

	if dropped > 0 && s.metrics != nil {
		s.metrics.RecordMemoryOperation("capacity_forget")
		s.metrics.SetMemoryCount(agentID, remaining)
	}
}

// Consolidate sweeps agentID's memories, raising consolidation level,
// lowering decay rate and raising strength for every memory whose
// consolidation score crosses consolidationScoreFloor and that isn't
// already fully consolidated.
func (s *Store) Consolidate(agentID string) int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	agentMemories := s.byAgent[agentID]
	consolidated := 0
	for id, m := range agentMemories {
		if m.Consolidation >= consolidationFullLevel {
			continue
		}
		score := s.consolidationScore(id, m, now)
		if score <= consolidationScoreFloor {
			continue
		}
		m.Consolidation = types.Clamp(m.Consolidation+consolidationLevelBoost, 0, 1)
		m.DecayRate *= consolidationDecayFactor
		m.Strength = types.Clamp(m.Strength+consolidationStrengthUp, 0, 1)
		consolidated++
	}

	if consolidated > 0 && s.metrics != nil {
		s.metrics.RecordMemoryOperation("consolidate")
	}
	return consolidated
}

func (s *Store) consolidationScore(id string, m *types.Memory, now time.Time) float64 {
	score := 0.0

	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	if ageDays > 0 {
		accessFrequency := float64(m.AccessCount) / ageDays
		freq := accessFrequency / 5.0
		if freq > 0.3 {
			freq = 0.3
		}
		score += freq * 0.4
	}

	score += abs(m.EmotionalWeight) * 0.3
	score += m.CurrentStrength(now) * 0.2

	associationCount := len(s.associations[id])
	assocScore := float64(associationCount) / 20.0
	if assocScore > 0.1 {
		assocScore = 0.1
	}
	score += assocScore

	score += m.Reliability * 0.1

	if score > 1.0 {
		return 1.0
	}
	return score
}
