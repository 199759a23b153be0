package dialogue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/broker"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// AgentInfo is the slice of an agent's profile the dialogue manager
// needs to build a prompt. The host keeps it current via UpdateAgentInfo.
type AgentInfo struct {
	Role        string
	Personality map[string]float64
	Status      string
}

// fastOutcomes are the canned results used in fast mode, keyed by
// communication type.
var fastOutcomes = map[types.CommunicationType]string{
	types.CommGreeting:      "exchanged pleasantries",
	types.CommNegotiation:   "reached a tentative agreement",
	types.CommCollaboration: "agreed to work together",
	types.CommConflict:      "had a heated but inconclusive exchange",
	types.CommInformation:   "exchanged valuable information",
	types.CommFarewell:      "parted on amicable terms",
}

// impactBase is the relationship delta fast mode applies per
// communication type absent any other signal.
var impactBase = map[types.CommunicationType]float64{
	types.CommGreeting:      0.05,
	types.CommNegotiation:   0.1,
	types.CommCollaboration: 0.15,
	types.CommConflict:      -0.1,
	types.CommInformation:   0.05,
	types.CommFarewell:      0.05,
}

// Stats is a snapshot of the manager's running dialogue statistics.
type Stats struct {
	TotalInitiated int
	Successful     int
	Failed         int
	AvgQuality     float64
	ByType         map[types.CommunicationType]int
	Active         int
	HistoryLen     int
}

// Manager runs agent-to-agent dialogues (C10), choosing between a
// full LLM-mediated exchange and a fast canned-outcome simulation.
type Manager struct {
	cfg     config.DialogueConfig
	broker  *broker.Broker
	clock   types.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	active    map[string]*types.Dialogue
	history   []*types.Dialogue
	agentInfo map[string]AgentInfo
	stats     Stats
}

// New builds a Manager. broker may be nil, in which case Execute
// always runs in fast mode regardless of the fastMode argument.
func New(cfg config.DialogueConfig, brk *broker.Broker, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Manager{
		cfg:       cfg,
		broker:    brk,
		clock:     clock,
		logger:    logger,
		metrics:   collector,
		active:    make(map[string]*types.Dialogue),
		history:   make([]*types.Dialogue, 0),
		agentInfo: make(map[string]AgentInfo),
		stats:     Stats{ByType: make(map[types.CommunicationType]int)},
	}
}

// UpdateAgentInfo refreshes the cached profile slice used to build
// dialogue prompts.
func (m *Manager) UpdateAgentInfo(agentID string, info AgentInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentInfo[agentID] = info
}

func (m *Manager) agentInfoFor(agentID string) AgentInfo {
	if info, ok := m.agentInfo[agentID]; ok {
		return info
	}
	return AgentInfo{Role: "unknown", Status: "active"}
}

// ShouldUseFastMode reports whether the remaining turn time or cost
// budget is tight enough that fast mode should be forced.
func (m *Manager) ShouldUseFastMode(remainingTime, remainingBudget float64) bool {
	return remainingTime < m.cfg.FastModeThreshold.Seconds() || remainingBudget < m.cfg.FastModeCostThreshold
}

// Initiate opens a pending dialogue between participants. participants[0]
// is treated as the initiator for prompt construction and relationship
// impact attribution.
func (m *Manager) Initiate(participants []string, commType types.CommunicationType) *types.Dialogue {
	d := &types.Dialogue{
		ID:           uuid.NewString(),
		Participants: participants,
		Type:         commType,
		State:        types.DialoguePending,
		CreatedAt:    m.clock.Now(),
	}

	m.mu.Lock()
	m.active[d.ID] = d
	m.stats.TotalInitiated++
	m.stats.ByType[commType]++
	m.mu.Unlock()

	m.logger.Debug("dialogue initiated", zap.String("dialogue", d.ID), zap.String("type", string(commType)), zap.Strings("participants", participants))
	return d
}

// Execute runs a pending dialogue to completion, either via the
// broker or the fast canned path, and moves it to history.
func (m *Manager) Execute(ctx context.Context, dialogueID string, fastMode bool) (*types.Dialogue, error) {
	m.mu.Lock()
	d, ok := m.active[dialogueID]
	m.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("no active dialogue %s", dialogueID))
	}

	d.State = types.DialogueActive
	if fastMode || m.broker == nil {
		m.simulateFast(d)
	} else if err := m.executeWithLLM(ctx, d); err != nil {
		d.State = types.DialogueFailed
		m.finalize(d, false)
		return d, err
	}

	success := d.State == types.DialogueCompleted
	m.finalize(d, success)
	return d, nil
}

// simulateFast produces a canned outcome without consulting the
// broker: an outcome line keyed by communication type and a fixed
// relationship delta applied to every non-initiating participant.
func (m *Manager) simulateFast(d *types.Dialogue) {
	outcome, ok := fastOutcomes[d.Type]
	if !ok {
		outcome = "completed their interaction"
	}

	d.Content = fmt.Sprintf("%s and %s %s.", initiator(d), strings.Join(others(d), ", "), outcome)
	d.Outcome = outcome
	d.RelationshipImpact = relationshipImpact(d, impactBase[d.Type])
	d.FastMode = true
	d.Exchanges = 2
	d.State = types.DialogueCompleted
	d.QualityScore = d.ComputeQuality()
}

// executeWithLLM submits a contextual prompt to the broker and parses
// the reply into dialogue content, an outcome, and a relationship
// impact. A failed call leaves the dialogue failed; a reply without an
// outcome line still completes, with outcome "no outcome determined".
func (m *Manager) executeWithLLM(ctx context.Context, d *types.Dialogue) error {
	prompt := m.buildPrompt(d)
	resp, err := m.broker.Submit(ctx, &types.LLMRequest{
		Kind:        "dialogue",
		Prompt:      prompt,
		Temperature: 0.8,
		MaxTokens:   400,
		Priority:    m.priority(d),
	})
	if err != nil {
		return err
	}

	content, outcome, impactText := parseResponse(resp.Content, d.Participants)
	d.Content = content
	d.Outcome = outcome
	d.RelationshipImpact = relationshipImpact(d, sentimentDelta(impactText, impactBase[d.Type]))
	d.FastMode = false
	d.Exchanges = countExchanges(content)
	d.State = types.DialogueCompleted
	d.QualityScore = d.ComputeQuality()
	return nil
}

// countExchanges counts the speaker lines in a parsed dialogue body,
// each recognizable by a "Name: ..." prefix.
func countExchanges(body string) int {
	if body == "" {
		return 0
	}
	n := 0
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, ":") {
			n++
		}
	}
	return n
}

// priority gives negotiation and conflict dialogues precedence in the
// broker's queue; everything else runs at normal priority.
func (m *Manager) priority(d *types.Dialogue) types.Priority {
	switch d.Type {
	case types.CommNegotiation, types.CommConflict:
		return types.PriorityHigh
	default:
		return types.PriorityNormal
	}
}

// buildPrompt renders the dialogue context block: type, participants
// and their cached profiles, and type-specific instructions.
func (m *Manager) buildPrompt(d *types.Dialogue) string {
	init := initiator(d)
	initInfo := m.agentInfoFor(init)

	var b strings.Builder
	fmt.Fprintf(&b, "# Agent Dialogue: %s\n\n", d.Type)
	fmt.Fprintf(&b, "Initiator: %s (%s)\n", init, initInfo.Role)
	for _, p := range others(d) {
		info := m.agentInfoFor(p)
		fmt.Fprintf(&b, "Participant: %s (%s)\n", p, info.Role)
	}
	b.WriteString("\n")

	switch d.Type {
	case types.CommNegotiation:
		b.WriteString("Generate a negotiation dialogue where the participants attempt to reach a mutually beneficial agreement. Focus on compromise and trade-offs.\n")
	case types.CommCollaboration:
		b.WriteString("Generate a collaborative dialogue where the participants plan a joint action. Focus on strategy and trust-building.\n")
	case types.CommConflict:
		b.WriteString("Generate a tense dialogue between participants in conflict. Focus on the source of friction and whether it is resolved.\n")
	default:
		b.WriteString("Generate a natural dialogue between these participants consistent with their roles and current situation.\n")
	}

	b.WriteString("\nProvide the dialogue as a conversation with clear speaker lines, then:\n")
	b.WriteString("**Outcome:** [one-line summary of how the dialogue resolved]\n")
	b.WriteString("**Relationship Impact:** [one line describing how this affects their relationship]\n")
	return b.String()
}

// parseResponse splits a broker reply into the dialogue body, the
// outcome line, and the relationship-impact line.
func parseResponse(content string, participants []string) (body, outcome, impact string) {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "**Outcome:**"):
			outcome = strings.TrimSpace(strings.TrimPrefix(line, "**Outcome:**"))
		case strings.HasPrefix(line, "**Relationship Impact:**"):
			impact = strings.TrimSpace(strings.TrimPrefix(line, "**Relationship Impact:**"))
		case containsAny(line, participants):
			lines = append(lines, line)
		}
	}
	if outcome == "" {
		outcome = "no outcome determined"
	}
	return strings.Join(lines, "\n"), outcome, impact
}

func containsAny(line string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

// sentimentDelta nudges a base relationship delta using the reply's
// own relationship-impact line: a handful of negative-sounding words
// flip the sign, anything else keeps the base value.
func sentimentDelta(impactText string, base float64) float64 {
	lower := strings.ToLower(impactText)
	negative := []string{"distrust", "hostil", "refus", "anger", "resent", "betray", "worsen"}
	for _, w := range negative {
		if strings.Contains(lower, w) {
			return -absf(base)
		}
	}
	return base
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// relationshipImpact spreads delta across every participant other
// than the initiator.
func relationshipImpact(d *types.Dialogue, delta float64) map[string]float64 {
	impact := make(map[string]float64, len(d.Participants))
	for _, p := range others(d) {
		impact[p] = delta
	}
	return impact
}

func initiator(d *types.Dialogue) string {
	if len(d.Participants) == 0 {
		return ""
	}
	return d.Participants[0]
}

func others(d *types.Dialogue) []string {
	if len(d.Participants) <= 1 {
		return nil
	}
	return d.Participants[1:]
}

// finalize moves a dialogue out of the active set, into the capped
// history, and updates running statistics.
func (m *Manager) finalize(d *types.Dialogue, success bool) {
	m.mu.Lock()
	delete(m.active, d.ID)
	m.history = append(m.history, d)
	limit := m.cfg.HistoryCap
	if limit > 0 && len(m.history) > limit {
		m.history = m.history[len(m.history)-limit:]
	}
	if success {
		m.stats.Successful++
		n := m.stats.Successful
		m.stats.AvgQuality = ((m.stats.AvgQuality * float64(n-1)) + d.QualityScore) / float64(n)
	} else {
		m.stats.Failed++
	}
	m.mu.Unlock()

	mode := "llm"
	if d.FastMode {
		mode = "fast"
	}
	if m.metrics != nil {
		m.metrics.RecordDialogue(mode, string(d.Type), d.QualityScore)
	}
	m.logger.Info("dialogue finalized",
		zap.String("dialogue", d.ID), zap.String("type", string(d.Type)), zap.Bool("fast_mode", d.FastMode), zap.Float64("quality", d.QualityScore))
}

// History returns up to limit of the most recent finished dialogues,
// newest last. limit <= 0 returns the full capped history.
func (m *Manager) History(limit int) []*types.Dialogue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit >= len(m.history) {
		out := make([]*types.Dialogue, len(m.history))
		copy(out, m.history)
		return out
	}
	out := make([]*types.Dialogue, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// ActiveCount returns the number of dialogues currently in progress.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stats returns a snapshot of the manager's running statistics,
// including its most common dialogue type.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.stats
	snapshot.ByType = make(map[types.CommunicationType]int, len(m.stats.ByType))
	for k, v := range m.stats.ByType {
		snapshot.ByType[k] = v
	}
	snapshot.Active = len(m.active)
	snapshot.HistoryLen = len(m.history)
	return snapshot
}

// MostCommonType returns the communication type with the highest
// initiation count, or "" if none have been initiated yet.
func (s Stats) MostCommonType() types.CommunicationType {
	if len(s.ByType) == 0 {
		return ""
	}
	keys := make([]types.CommunicationType, 0, len(s.ByType))
	for k := range s.ByType {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	best := keys[0]
	for _, k := range keys[1:] {
		if s.ByType[k] > s.ByType[best] {
			best = k
		}
	}
	return best
}
