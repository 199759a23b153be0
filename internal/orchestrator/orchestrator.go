package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/budget"
	"github.com/agentflow/narrative-runtime/internal/causal"
	"github.com/agentflow/narrative-runtime/internal/coherence"
	"github.com/agentflow/narrative-runtime/internal/ctxkeys"
	"github.com/agentflow/narrative-runtime/internal/dialogue"
	"github.com/agentflow/narrative-runtime/internal/eventbus"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/internal/negotiation"
	"github.com/agentflow/narrative-runtime/internal/pipeline"
	"github.com/agentflow/narrative-runtime/types"
)

// CandidateGenerator proposes the action candidates an agent's
// pipeline chooses among for one turn. The pipeline itself holds no
// knowledge of world affordances, so the orchestrator owns this
// extension point; a host embedding this runtime with richer world
// state can override it via WithCandidateGenerator.
type CandidateGenerator func(agent *types.AgentState, events []*types.Event) []pipeline.ActionCandidate

// DefaultCandidates offers a small, world-affordance-agnostic action
// set every agent can always consider, regardless of location or
// available objects: stand down, withdraw, or engage with whoever
// generated the most salient recent event.
func DefaultCandidates(agent *types.AgentState, events []*types.Event) []pipeline.ActionCandidate {
	candidates := []pipeline.ActionCandidate{
		{Type: "wait"},
		{Type: "observe"},
		{Type: "retreat", Risks: []string{}},
		{Type: "defend", Risks: []string{"injury"}},
	}

	target := mostSalientOther(agent, events)
	if target != "" {
		candidates = append(candidates,
			pipeline.ActionCandidate{Type: "assist", Target: target},
			pipeline.ActionCandidate{Type: "negotiate", Target: target},
		)
	}
	return candidates
}

func mostSalientOther(agent *types.AgentState, events []*types.Event) string {
	var best *types.Event
	for _, e := range events {
		if e.Actor == "" || e.Actor == agent.ID {
			continue
		}
		if best == nil || e.NarrativeWeight > best.NarrativeWeight {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	return best.Actor
}

// DialogueOpportunity is one pair of agents identified as worth
// opening a dialogue between in the current turn.
type DialogueOpportunity struct {
	Initiator string
	Target    string
	Type      types.CommunicationType
}

// AgentTurnResult is one agent's outcome for a single turn.
type AgentTurnResult struct {
	AgentID  string
	Decision pipeline.Decision
	EventID  string
	Err      error
}

// DialogueTurnResult is one dialogue opened and resolved during a
// single turn.
type DialogueTurnResult struct {
	Dialogue *types.Dialogue
	Err      error
}

// PerformanceRecord is the structured summary a host can log, graph,
// or persist after each turn.
type PerformanceRecord struct {
	TurnNumber                int           `json:"turn_number"`
	Duration                  time.Duration `json:"duration"`
	AgentCount                int           `json:"agent_count"`
	FailedAgents              int           `json:"failed_agents"`
	DialoguesAttempted        int           `json:"dialogues_attempted"`
	DialoguesSucceeded        int           `json:"dialogues_succeeded"`
	DialogueSuccessRate       float64       `json:"dialogue_success_rate"`
	CoordinationEffectiveness float64       `json:"coordination_effectiveness"`
	AverageDialogueQuality    float64       `json:"average_dialogue_quality"`
	FastMode                  bool          `json:"fast_mode"`
}

// TurnResult is RunTurn's full output: the structured record, a
// human-readable summary, and every agent's and dialogue's individual
// outcome.
type TurnResult struct {
	Performance PerformanceRecord
	Summary     string
	Agents      []AgentTurnResult
	Dialogues   []DialogueTurnResult
}

// WorldState is the per-turn snapshot every agent's candidate
// generator and threat assessment reads from.
type WorldState struct {
	TurnNumber      int
	AgentPositions  map[string]string
	ActiveDialogues int
	RecentEvents    []*types.Event
}

// Orchestrator drives one full turn of the simulation end to end
// (C11), composing the budget meter, decision pipeline, negotiation
// engine, dialogue manager, causal graph, coherence checker and event
// bus.
type Orchestrator struct {
	cfg         config.Config
	meter       *budget.Meter
	pipelines   *pipeline.Pipeline
	negotiation *negotiation.Engine
	dialogue    *dialogue.Manager
	coherence   *coherence.Checker
	graph       *causal.Graph
	bus         *eventbus.Bus
	clock       types.Clock
	logger      *zap.Logger
	metrics     *metrics.Collector
	generate    CandidateGenerator

	mu     sync.Mutex
	agents map[string]*types.AgentState
}

// New builds an Orchestrator wired to every already-constructed
// component it composes. Any of negotiation, dialogue's broker, or
// the event bus may be nil-equivalent (e.g. a dialogue.Manager built
// with a nil broker) for a fast-mode-only deployment.
func New(
	cfg config.Config,
	meter *budget.Meter,
	pipe *pipeline.Pipeline,
	neg *negotiation.Engine,
	dlg *dialogue.Manager,
	chk *coherence.Checker,
	graph *causal.Graph,
	bus *eventbus.Bus,
	clock types.Clock,
	logger *zap.Logger,
	collector *metrics.Collector,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Orchestrator{
		cfg:         cfg,
		meter:       meter,
		pipelines:   pipe,
		negotiation: neg,
		dialogue:    dlg,
		coherence:   chk,
		graph:       graph,
		bus:         bus,
		clock:       clock,
		logger:      logger,
		metrics:     collector,
		generate:    DefaultCandidates,
		agents:      make(map[string]*types.AgentState),
	}
}

// WithCandidateGenerator overrides the default action-candidate
// generator. Intended to be called once, before the first RunTurn.
func (o *Orchestrator) WithCandidateGenerator(gen CandidateGenerator) {
	if gen != nil {
		o.generate = gen
	}
}

// RegisterAgent adds or replaces an agent the orchestrator drives each
// turn.
func (o *Orchestrator) RegisterAgent(agent *types.AgentState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[agent.ID] = agent
}

// Unregister removes an agent from the turn cycle, e.g. once dead.
func (o *Orchestrator) Unregister(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.agents, agentID)
}

// Agents returns every currently registered agent, sorted by ID. Used
// when persisting the runtime's state.
func (o *Orchestrator) Agents() []*types.AgentState {
	return o.snapshotAgents()
}

func (o *Orchestrator) snapshotAgents() []*types.AgentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.AgentState, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// buildWorldState snapshots positions, active-dialogue count and the
// recent influential events every agent's perception stage reads.
func (o *Orchestrator) buildWorldState(turnNumber int, agents []*types.AgentState) WorldState {
	positions := make(map[string]string, len(agents))
	for _, a := range agents {
		positions[a.ID] = a.Location
	}

	var recent []*types.Event
	if o.graph != nil {
		recent = o.graph.InfluentialEvents(o.clock.Now(), 2*time.Hour)
	}

	active := 0
	if o.dialogue != nil {
		active = o.dialogue.ActiveCount()
	}

	return WorldState{
		TurnNumber:      turnNumber,
		AgentPositions:  positions,
		ActiveDialogues: active,
		RecentEvents:    recent,
	}
}

// deriveThreatInputs turns the recent event feed into the four
// heuristic channels the pipeline's threat assessment combines:
// direct attacks naming this agent, co-located recent activity,
// hostility inferred from negative relationships with participants in
// those events, and vulnerability from current health and status.
func (o *Orchestrator) deriveThreatInputs(agent *types.AgentState, events []*types.Event) pipeline.ThreatInputs {
	var direct, proximate float64
	var hostilitySum float64
	var hostilityCount int

	for _, e := range events {
		if e.Kind == "attack" && e.HasParticipant(agent.ID) {
			direct++
		}
		if agent.Location != "" && e.Location == agent.Location {
			proximate++
		}
		for _, p := range e.Participants {
			if p == agent.ID {
				continue
			}
			if rel, ok := agent.Relationships[p]; ok && rel < 0 {
				hostilitySum += -rel
				hostilityCount++
			}
		}
	}

	hostility := 0.0
	if hostilityCount > 0 {
		hostility = hostilitySum / float64(hostilityCount)
	}

	return pipeline.ThreatInputs{
		DirectThreats:     types.Clamp(direct/3, 0, 1),
		LocationProximity: types.Clamp(proximate/5, 0, 1),
		FactionHostility:  types.Clamp(hostility, 0, 1),
		Vulnerability:     vulnerability(agent),
	}
}

func vulnerability(agent *types.AgentState) float64 {
	switch agent.Health {
	case types.HealthCritical:
		return 0.85
	case types.HealthInjured:
		return 0.5
	case types.HealthRecovering:
		return 0.3
	case types.HealthDead:
		return 1.0
	default:
		return 0.15
	}
}

// identifyDialogueOpportunities pairs up agents worth talking this
// turn, up to DialogueConfig.MaxDialoguesPerTurn. It only ever reads
// the already-snapshotted agent list, so it cannot deadlock against
// concurrent turn processing.
func (o *Orchestrator) identifyDialogueOpportunities(agents []*types.AgentState) []DialogueOpportunity {
	limit := o.cfg.Dialogue.MaxDialoguesPerTurn
	if limit <= 0 {
		limit = 2
	}

	var opportunities []DialogueOpportunity
	for i := 0; i < len(agents) && len(opportunities) < limit; i++ {
		for j := i + 1; j < len(agents) && len(opportunities) < limit; j++ {
			a, b := agents[i], agents[j]
			if a.Location == "" || a.Location != b.Location {
				continue
			}
			opportunities = append(opportunities, DialogueOpportunity{
				Initiator: a.ID,
				Target:    b.ID,
				Type:      commTypeFor(a, b),
			})
		}
	}
	return opportunities
}

// negotiationTopic names the subject of a negotiation opened between
// two co-located agents. identifyDialogueOpportunities only ever
// pairs agents sharing a location, so a neutral-relationship
// encounter between them is read as contesting that shared ground.
func negotiationTopic(opp DialogueOpportunity) string {
	return "conflict_resolution_territorial_dispute"
}

func commTypeFor(a, b *types.AgentState) types.CommunicationType {
	rel := a.Relationships[b.ID]
	switch {
	case rel <= -0.3:
		return types.CommConflict
	case rel >= 0.3:
		return types.CommCollaboration
	default:
		return types.CommNegotiation
	}
}

// RunTurn executes one full turn: budget start, pre-analysis, world
// state, dialogue opportunities, the per-agent decision fan-out, and
// post-turn analysis, in that order.
var tracer = otel.Tracer("github.com/agentflow/narrative-runtime/internal/orchestrator")

func (o *Orchestrator) RunTurn(ctx context.Context, turnNumber int) TurnResult {
	ctx, span := tracer.Start(ctx, "RunTurn", trace.WithAttributes(
		attribute.Int("turn.number", turnNumber),
	))
	defer span.End()

	ctx = ctxkeys.WithRunID(ctx, uuid.NewString())
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
	}

	start := o.clock.Now()
	if o.meter != nil {
		o.meter.StartTurn()
	}

	agents := o.snapshotAgents()
	world := o.buildWorldState(turnNumber, agents)

	remainingTime := o.maxTurnSeconds()
	remainingBudget := o.maxTurnCost()
	fastMode := o.dialogue != nil && o.dialogue.ShouldUseFastMode(remainingTime, remainingBudget)

	dialogueResults := o.runDialogues(ctx, agents, fastMode)
	elapsed := o.clock.Now().Sub(start)
	agentResults := o.runAgents(ctx, agents, world, elapsed)

	duration := o.clock.Now().Sub(start)
	record := o.analyzePostTurn(turnNumber, duration, agentResults, dialogueResults, fastMode)

	if o.metrics != nil {
		status := "ok"
		if record.FailedAgents > 0 {
			status = "partial"
		}
		o.metrics.RecordTurn(status, duration, len(agents))
	}

	if o.bus != nil {
		o.bus.Publish("turn.completed", record)
	}

	span.SetAttributes(
		attribute.Int("turn.agent_count", len(agents)),
		attribute.Int("turn.failed_agents", record.FailedAgents),
	)

	return TurnResult{
		Performance: record,
		Summary:     o.summarize(record),
		Agents:      agentResults,
		Dialogues:   dialogueResults,
	}
}

func (o *Orchestrator) maxTurnSeconds() float64 {
	if o.cfg.Budget.MaxTurnTime <= 0 {
		return 1e9
	}
	return o.cfg.Budget.MaxTurnTime.Seconds()
}

func (o *Orchestrator) maxTurnCost() float64 {
	if o.meter == nil {
		return 1e9
	}
	snap := o.meter.Snapshot()
	remaining := o.cfg.Budget.MaxCostPerTurn - snap.TurnCost
	if remaining < 0 {
		return 0
	}
	return remaining
}

// runDialogues opens and resolves every identified dialogue
// opportunity sequentially; dialogue volume per turn is small and
// bounded by MaxDialoguesPerTurn, so no concurrency is needed here.
func (o *Orchestrator) runDialogues(ctx context.Context, agents []*types.AgentState, fastMode bool) []DialogueTurnResult {
	if o.dialogue == nil {
		return nil
	}

	opportunities := o.identifyDialogueOpportunities(agents)
	results := make([]DialogueTurnResult, 0, len(opportunities))
	for _, opp := range opportunities {
		d := o.dialogue.Initiate([]string{opp.Initiator, opp.Target}, opp.Type)

		if opp.Type == types.CommNegotiation && o.negotiation != nil {
			o.negotiation.Initiate(opp.Initiator, negotiationTopic(opp), []string{opp.Target}, map[string]any{}, nil, nil)
		}

		resolved, err := o.dialogue.Execute(ctx, d.ID, fastMode)
		results = append(results, DialogueTurnResult{Dialogue: resolved, Err: err})
	}
	return results
}

// runAgents fans out one pipeline.Decide call per agent under an
// errgroup, isolating each agent's failure: every goroutine captures
// its own error into that agent's result slot and always returns nil,
// so a single failing agent never cancels the shared context and
// aborts its siblings.
func (o *Orchestrator) runAgents(ctx context.Context, agents []*types.AgentState, world WorldState, elapsed time.Duration) []AgentTurnResult {
	results := make([]AgentTurnResult, len(agents))
	if o.pipelines == nil || len(agents) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	timePressure := timePressureFraction(o.maxTurnSeconds(), elapsed.Seconds())

	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			events := eventsFor(agent, world.RecentEvents)
			candidates := o.generate(agent, events)
			threatIn := o.deriveThreatInputs(agent, events)

			decision, err := o.pipelines.Decide(gctx, agent, events, candidates, threatIn, timePressure)
			if err != nil {
				fields := []zap.Field{zap.String("agent", agent.ID), zap.Error(err)}
				if runID, ok := ctxkeys.RunID(gctx); ok {
					fields = append(fields, zap.String("run_id", runID))
				}
				o.logger.Warn("agent pipeline failed", fields...)
				results[i] = AgentTurnResult{AgentID: agent.ID, Err: err}
				return nil
			}

			eventID := o.integrateAction(gctx, agent, decision)
			results[i] = AgentTurnResult{AgentID: agent.ID, Decision: decision, EventID: eventID}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// eventsFor is every recent event that names agent or happened at its
// location, so its interpretation stage only biases over events it
// could plausibly know about.
func eventsFor(agent *types.AgentState, events []*types.Event) []*types.Event {
	out := make([]*types.Event, 0, len(events))
	for _, e := range events {
		if e.HasParticipant(agent.ID) || e.Location == agent.Location {
			out = append(out, e)
		}
	}
	return out
}

// timePressureFraction returns the fraction of turn time remaining,
// which pipeline.Decide expects as its timePressure input (1.0 is
// plenty of time left, 0 is none).
func timePressureFraction(maxSeconds, elapsedSeconds float64) float64 {
	if maxSeconds <= 0 {
		return 1.0
	}
	remaining := 1.0 - elapsedSeconds/maxSeconds
	return types.Clamp(remaining, 0, 1)
}

// integrateAction turns the agent's chosen action into a causal-graph
// event, then runs it through the coherence checker; the graph must
// already hold the event before Integrate gathers context for it. The
// resulting event is published on the bus whether or not it passed
// coherence, so subscribers can observe rejected actions too.
func (o *Orchestrator) integrateAction(ctx context.Context, agent *types.AgentState, decision pipeline.Decision) string {
	event := &types.Event{
		ID:              fmt.Sprintf("%s-%d", agent.ID, o.clock.Now().UnixNano()),
		Kind:            decision.Action.Type,
		Actor:           agent.ID,
		Participants:    participantsFor(decision.Action),
		Location:        agent.Location,
		Payload:         decision.Action.Data,
		Timestamp:       o.clock.Now(),
		Confidence:      1.0,
		NarrativeWeight: scoreOf(decision),
	}

	if o.graph != nil {
		o.graph.AddEvent(event)
	}

	var result coherence.IntegrationResult
	if o.coherence != nil {
		result = o.coherence.Integrate(ctx, event)
		if !result.Success {
			o.logger.Debug("action failed coherence integration", zap.String("agent", agent.ID), zap.Strings("issues", result.Issues))
		}
	}

	if o.bus != nil {
		o.bus.Publish("event.created", event)
	}
	return event.ID
}

// scoreOf finds the evaluated score backing the chosen action, used
// as the integrated event's narrative weight; a validator-forced
// fallback to WaitAction won't appear in Scored, so it defaults to a
// low but nonzero weight instead.
func scoreOf(decision pipeline.Decision) float64 {
	for _, sa := range decision.Scored {
		if sa.Action.Type == decision.Action.Type && sa.Action.Target == decision.Action.Target {
			return sa.Score
		}
	}
	return 0.1
}

func participantsFor(action pipeline.ActionCandidate) []string {
	if action.Target == "" {
		return nil
	}
	return []string{action.Target}
}

// analyzePostTurn computes the turn's dialogue success rate,
// coordination effectiveness (successful dialogues over max(1, agent
// count)) and average dialogue quality.
func (o *Orchestrator) analyzePostTurn(turnNumber int, duration time.Duration, agentResults []AgentTurnResult, dialogueResults []DialogueTurnResult, fastMode bool) PerformanceRecord {
	failed := 0
	for _, r := range agentResults {
		if r.Err != nil {
			failed++
		}
	}

	succeeded := 0
	var qualitySum float64
	for _, d := range dialogueResults {
		if d.Err == nil && d.Dialogue != nil && d.Dialogue.State == types.DialogueCompleted {
			succeeded++
			qualitySum += d.Dialogue.QualityScore
		}
	}

	attempted := len(dialogueResults)
	successRate := 0.0
	if attempted > 0 {
		successRate = float64(succeeded) / float64(attempted) * 100
	}

	avgQuality := 0.0
	if succeeded > 0 {
		avgQuality = qualitySum / float64(succeeded)
	}

	agentCount := len(agentResults)
	denominator := agentCount
	if denominator < 1 {
		denominator = 1
	}

	return PerformanceRecord{
		TurnNumber:                turnNumber,
		Duration:                  duration,
		AgentCount:                agentCount,
		FailedAgents:              failed,
		DialoguesAttempted:        attempted,
		DialoguesSucceeded:        succeeded,
		DialogueSuccessRate:       successRate,
		CoordinationEffectiveness: float64(succeeded) / float64(denominator),
		AverageDialogueQuality:    avgQuality,
		FastMode:                  fastMode,
	}
}

func (o *Orchestrator) summarize(r PerformanceRecord) string {
	return fmt.Sprintf(
		"turn %d: %d agents (%d failed), %d/%d dialogues succeeded (%.0f%%), coordination %.2f, avg quality %.2f, took %s",
		r.TurnNumber, r.AgentCount, r.FailedAgents, r.DialoguesSucceeded, r.DialoguesAttempted,
		r.DialogueSuccessRate, r.CoordinationEffectiveness, r.AverageDialogueQuality, r.Duration,
	)
}
