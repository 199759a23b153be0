package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/broker"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// criteria are the eight fixed decision dimensions every candidate
// action is scored against.
var criteria = []string{
	"self_preservation",
	"faction_loyalty",
	"personal_relationships",
	"mission_success",
	"moral_principles",
	"resource_acquisition",
	"knowledge_seeking",
	"status_advancement",
}

const defaultCriterionWeight = 0.5

// ActionCandidate is one action the pipeline may choose to take.
type ActionCandidate struct {
	Type       string
	Target     string
	Risks      []string
	SupportsGoalID string
	Data       map[string]any
}

// ScoredAction pairs a candidate with its evaluated score and the
// per-criterion breakdown that produced it.
type ScoredAction struct {
	Action   ActionCandidate
	Score    float64
	Criteria map[string]float64
}

// Interpretation is one event read through the agent's current bias.
type Interpretation struct {
	Event *types.Event
	Bias  types.PersonalityBias
}

// Validator checks a chosen action before it is committed. A non-nil,
// critical Issue forces a fallback to the wait action.
type Validator interface {
	Validate(action ActionCandidate, agent *types.AgentState) *Issue
}

// Issue is a single validation finding.
type Issue struct {
	Critical bool
	Reason   string
}

// WaitAction is the fallback chosen when validation rejects every
// candidate, or none are available.
var WaitAction = ActionCandidate{Type: "wait"}

// Decision is the pipeline's output for a single agent over a single
// turn: the chosen action plus the intermediate stage results, kept
// for logging, metrics and narrative bookkeeping.
type Decision struct {
	Interpretations []Interpretation
	ThreatLevel     types.ThreatLevel
	GoalOrder       []types.Goal
	Scored          []ScoredAction
	Action          ActionCandidate
	Justification   string
	Validated       bool
}

// Pipeline turns incoming events and candidate actions into a single
// validated decision per agent (C7).
type Pipeline struct {
	cfg       config.PipelineConfig
	broker    *broker.Broker
	validator Validator
	clock     types.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	rand      *rand.Rand
}

// New builds a Pipeline. broker may be nil, in which case Decide
// never attempts a reasoning call and Justification is left empty.
func New(cfg config.PipelineConfig, brk *broker.Broker, validator Validator, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Pipeline{
		cfg:       cfg,
		broker:    brk,
		validator: validator,
		clock:     clock,
		logger:    logger,
		metrics:   collector,
		rand:      rand.New(rand.NewSource(1)),
	}
}

func (p *Pipeline) recordStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordPipelineStage(stage, p.clock.Now().Sub(start))
	}
}

// Interpret assigns each event a PersonalityBias derived from the
// agent's dominant trait and current morale. A strongly negative
// morale shifts an otherwise neutral reading toward pessimistic.
func (p *Pipeline) Interpret(agent *types.AgentState, events []*types.Event) []Interpretation {
	start := p.clock.Now()
	defer p.recordStage("interpret", start)

	bias := dominantBias(agent)
	out := make([]Interpretation, len(events))
	for i, e := range events {
		out[i] = Interpretation{Event: e, Bias: bias}
	}
	return out
}

// biasTraits maps a trait name to the bias it expresses when it
// deviates from neutral by more than CharacterData.TraitDeviation's
// threshold.
var biasTraits = map[string]types.PersonalityBias{
	"paranoia":    types.BiasParanoid,
	"optimism":    types.BiasOptimistic,
	"pessimism":   types.BiasPessimistic,
	"naivety":     types.BiasNaive,
	"cynicism":    types.BiasCynical,
	"idealism":    types.BiasIdealistic,
	"emotionality": types.BiasEmotional,
}

func dominantBias(agent *types.AgentState) types.PersonalityBias {
	best := types.BiasPragmatic
	bestDeviation := 0.0
	for trait, bias := range biasTraits {
		v, ok := agent.Character.TraitDeviation(trait)
		if !ok {
			continue
		}
		dev := v
		if dev < 0 {
			dev = -dev
		}
		if dev > bestDeviation {
			bestDeviation = dev
			best = bias
		}
	}
	if bestDeviation == 0 && agent.Morale < -0.3 {
		return types.BiasPessimistic
	}
	return best
}

// ThreatInputs carries the raw signals AssessThreat combines. A host
// or orchestrator derives these from the causal graph and world
// state; the pipeline itself holds no domain knowledge of them.
type ThreatInputs struct {
	DirectThreats     float64 // 0..1, severity*certainty of events targeting this agent
	LocationProximity float64 // 0..1, how close known threats are
	FactionHostility  float64 // 0..1, hostility of factions present
	Vulnerability     float64 // 0..1, agent's own exposure (health, isolation)
}

// combinedSeverity mirrors the weighted-severity shape used against
// individual threat factors: severity scaled by how confident and how
// immediate the signal is. Here certainty and immediacy are folded
// into the caller-supplied inputs, so the weights below simply
// combine the four channels.
func (in ThreatInputs) combinedSeverity() float64 {
	return in.DirectThreats*0.4 + in.LocationProximity*0.25 + in.FactionHostility*0.2 + in.Vulnerability*0.15
}

// AssessThreat turns raw threat inputs into a ThreatLevel, then lets a
// paranoid bias escalate it and a naive bias de-escalate it by one
// step.
func (p *Pipeline) AssessThreat(bias types.PersonalityBias, in ThreatInputs) types.ThreatLevel {
	start := p.clock.Now()
	defer p.recordStage("assess_threat", start)

	severity := in.combinedSeverity()
	level := levelForSeverity(severity)

	switch bias {
	case types.BiasParanoid:
		level = level.Escalate(1)
	case types.BiasNaive:
		level = level.Escalate(-1)
	}
	return level
}

func levelForSeverity(s float64) types.ThreatLevel {
	switch {
	case s >= 0.8:
		return types.ThreatCritical
	case s >= 0.6:
		return types.ThreatHigh
	case s >= 0.35:
		return types.ThreatModerate
	case s >= 0.15:
		return types.ThreatLow
	default:
		return types.ThreatNegligible
	}
}

// PrioritizeGoals sorts the agent's goals by types.Goal.Priority,
// highest first.
func (p *Pipeline) PrioritizeGoals(agent *types.AgentState) []types.Goal {
	start := p.clock.Now()
	defer p.recordStage("prioritize_goals", start)

	goals := make([]types.Goal, len(agent.Goals))
	copy(goals, agent.Goals)
	sort.SliceStable(goals, func(i, j int) bool { return goals[i].Priority() > goals[j].Priority() })
	return goals
}

// EvaluateActions scores every candidate against the eight decision
// criteria, takes the weighted sum against the character's decision
// weights (defaulting an unset criterion weight to 0.5), then
// multiplies by the threat modifier and a time-pressure modifier,
// clamped to [0, 1].
func (p *Pipeline) EvaluateActions(agent *types.AgentState, candidates []ActionCandidate, goals []types.Goal, threat types.ThreatLevel, timePressure float64) []ScoredAction {
	start := p.clock.Now()
	defer p.recordStage("evaluate_actions", start)

	weights := agent.Character.DecisionWeights
	threatMod := threat.ThreatModifier()
	timeMod := timePressureModifier(timePressure)

	out := make([]ScoredAction, len(candidates))
	for i, action := range candidates {
		scores := map[string]float64{
			"self_preservation":      scoreSelfPreservation(action, threat),
			"faction_loyalty":        scoreFactionLoyalty(action),
			"personal_relationships": scorePersonalRelationships(action, agent),
			"mission_success":        scoreMissionSuccess(action, goals),
			"moral_principles":       scoreMoralPrinciples(action),
			"resource_acquisition":   scoreResourceAcquisition(action),
			"knowledge_seeking":      scoreKnowledgeSeeking(action),
			"status_advancement":     scoreStatusAdvancement(action),
		}

		base := 0.0
		for _, c := range criteria {
			w := defaultCriterionWeight
			if weights != nil {
				if v, ok := weights[c]; ok {
					w = v
				}
			}
			base += scores[c] * w
		}

		final := types.Clamp(base*threatMod*timeMod, 0, 1)
		out[i] = ScoredAction{Action: action, Score: final, Criteria: scores}

		if p.metrics != nil {
			p.metrics.RecordPipelineAction(action.Type)
		}
	}
	return out
}

// timePressureModifier rises above 1.0 as remaining turn time
// approaches zero, rewarding decisive actions under a ticking clock.
func timePressureModifier(remaining float64) float64 {
	if remaining >= 1.0 {
		return 1.0
	}
	if remaining < 0 {
		remaining = 0
	}
	return 1.0 + 0.2*(1.0-remaining)
}

func scoreSelfPreservation(action ActionCandidate, threat types.ThreatLevel) float64 {
	score := 0.5
	if containsAny(action.Risks, "death") {
		score -= 0.4
	} else if containsAny(action.Risks, "injury") {
		score -= 0.2
	}
	if (threat == types.ThreatHigh || threat == types.ThreatCritical) && oneOf(action.Type, "defend", "retreat", "hide") {
		score += 0.3
	}
	return types.Clamp(score, 0, 1)
}

func scoreFactionLoyalty(action ActionCandidate) float64 {
	score := 0.5
	if oneOf(action.Type, "defend_allies", "attack_enemies", "gather_intelligence") {
		score += 0.2
	}
	if oneOf(action.Type, "betray", "desert", "negotiate_with_enemies") {
		score -= 0.3
	}
	return types.Clamp(score, 0, 1)
}

func scorePersonalRelationships(action ActionCandidate, agent *types.AgentState) float64 {
	score := 0.5
	rel := agent.Relationships[action.Target]
	if oneOf(action.Type, "assist", "protect", "support", "negotiate") && rel > 0 {
		score += 0.2
	}
	if oneOf(action.Type, "attack", "betray") && rel > 0 {
		score -= 0.3
	}
	return types.Clamp(score, 0, 1)
}

func scoreMissionSuccess(action ActionCandidate, goals []types.Goal) float64 {
	score := 0.5
	for _, g := range goals {
		if action.SupportsGoalID == g.ID {
			score += 0.2
			break
		}
	}
	return types.Clamp(score, 0, 1)
}

func scoreMoralPrinciples(action ActionCandidate) float64 {
	score := 0.5
	if oneOf(action.Type, "help", "rescue", "protect", "negotiate") {
		score += 0.2
	}
	if oneOf(action.Type, "attack", "betray", "steal") {
		score -= 0.2
	}
	return types.Clamp(score, 0, 1)
}

func scoreResourceAcquisition(action ActionCandidate) float64 {
	score := 0.5
	if oneOf(action.Type, "gather", "loot", "trade", "scavenge") {
		score += 0.3
	}
	return types.Clamp(score, 0, 1)
}

func scoreKnowledgeSeeking(action ActionCandidate) float64 {
	score := 0.5
	if oneOf(action.Type, "investigate", "observe", "gather_intelligence", "discover") {
		score += 0.3
	}
	return types.Clamp(score, 0, 1)
}

func scoreStatusAdvancement(action ActionCandidate) float64 {
	score := 0.5
	if oneOf(action.Type, "lead", "command", "claim_glory", "challenge") {
		score += 0.2
	}
	if oneOf(action.Type, "retreat", "hide", "surrender") {
		score -= 0.2
	}
	return types.Clamp(score, 0, 1)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func containsAny(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Select picks the top-scoring action. Every candidate within
// SelectionMargin of the best score (as a fraction of it) enters a
// random tie-break, up to the top three by score, mirroring the
// top-candidates-within-85%-of-best rule this stage is grounded on.
func (p *Pipeline) Select(scored []ScoredAction) ScoredAction {
	start := p.clock.Now()
	defer p.recordStage("select", start)

	if len(scored) == 0 {
		return ScoredAction{Action: WaitAction}
	}

	ranked := make([]ScoredAction, len(scored))
	copy(ranked, scored)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	best := ranked[0]
	candidates := []ScoredAction{best}
	limit := 3
	if len(ranked) < limit {
		limit = len(ranked)
	}
	for _, sa := range ranked[1:limit] {
		if sa.Score >= best.Score*(1-p.selectionMargin()) {
			candidates = append(candidates, sa)
		}
	}

	if len(candidates) == 1 {
		return candidates[0]
	}
	return candidates[p.rand.Intn(len(candidates))]
}

func (p *Pipeline) selectionMargin() float64 {
	if p.cfg.SelectionMargin <= 0 {
		return 0.15
	}
	return p.cfg.SelectionMargin
}

// Validate runs the chosen action through the configured Validator.
// A critical issue replaces the action with WaitAction.
func (p *Pipeline) Validate(action ActionCandidate, agent *types.AgentState) (ActionCandidate, bool) {
	start := p.clock.Now()
	defer p.recordStage("validate", start)

	if p.validator == nil {
		return action, true
	}
	issue := p.validator.Validate(action, agent)
	if issue != nil && issue.Critical {
		p.logger.Warn("action rejected by validator", zap.String("action", action.Type), zap.String("reason", issue.Reason))
		return WaitAction, false
	}
	return action, true
}

// Decide runs every stage in order for one agent and returns the
// final decision. If a broker is configured, cfg.ReasoningKind is
// non-empty and the chosen action passed validation, it also requests
// a short natural-language justification for that action.
func (p *Pipeline) Decide(ctx context.Context, agent *types.AgentState, events []*types.Event, candidates []ActionCandidate, threatIn ThreatInputs, timePressure float64) (Decision, error) {
	interpretations := p.Interpret(agent, events)
	bias := types.BiasPragmatic
	if len(interpretations) > 0 {
		bias = interpretations[0].Bias
	} else {
		bias = dominantBias(agent)
	}

	threat := p.AssessThreat(bias, threatIn)
	goals := p.PrioritizeGoals(agent)
	scored := p.EvaluateActions(agent, candidates, goals, threat, timePressure)
	chosen := p.Select(scored)
	finalAction, ok := p.Validate(chosen.Action, agent)

	decision := Decision{
		Interpretations: interpretations,
		ThreatLevel:     threat,
		GoalOrder:       goals,
		Scored:          scored,
		Action:          finalAction,
		Validated:       ok,
	}

	if p.broker != nil && p.cfg.ReasoningKind != "" && ok {
		justification, err := p.requestJustification(ctx, agent, goals, finalAction)
		if err != nil {
			p.logger.Debug("reasoning call failed", zap.Error(err))
		} else {
			decision.Justification = justification
		}
	}

	return decision, nil
}

func (p *Pipeline) requestJustification(ctx context.Context, agent *types.AgentState, goals []types.Goal, action ActionCandidate) (string, error) {
	prompt := p.buildPrompt(agent, goals, action)
	req := &types.LLMRequest{
		Kind:        p.cfg.ReasoningKind,
		AgentID:     agent.ID,
		Prompt:      prompt,
		Temperature: 0.7,
		MaxTokens:   120,
		Priority:    types.PriorityNormal,
	}
	resp, err := p.broker.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// buildPrompt renders the character-context block the broker prompt
// is built on: identity, faction, salient personality traits (only
// those deviating from neutral), current state, and the top goals.
func (p *Pipeline) buildPrompt(agent *types.AgentState, goals []types.Goal, action ActionCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s of the %s faction.\n", agent.Character.Name, agent.Character.Faction)

	var traits []string
	for name := range agent.Character.Traits {
		if v, ok := agent.Character.TraitDeviation(name); ok {
			traits = append(traits, fmt.Sprintf("%s=%.2f", name, v))
		}
	}
	if len(traits) > 0 {
		sort.Strings(traits)
		fmt.Fprintf(&b, "Notable traits: %s\n", strings.Join(traits, ", "))
	}

	fmt.Fprintf(&b, "Current state: status=%s health=%s location=%s morale=%.2f\n",
		agent.Status, agent.Health, agent.Location, agent.Morale)

	n := p.cfg.MaxGoalsInPrompt
	if n <= 0 {
		n = 3
	}
	if n > len(goals) {
		n = len(goals)
	}
	if n > 0 {
		var goalDescs []string
		for _, g := range goals[:n] {
			goalDescs = append(goalDescs, g.Description)
		}
		fmt.Fprintf(&b, "Active goals: %s\n", strings.Join(goalDescs, "; "))
	}

	fmt.Fprintf(&b, "\nYou have decided to %q. In one or two sentences, explain why this fits your character.", action.Type)
	return b.String()
}
