package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/budget"
	"github.com/agentflow/narrative-runtime/internal/causal"
	"github.com/agentflow/narrative-runtime/internal/coherence"
	"github.com/agentflow/narrative-runtime/internal/dialogue"
	"github.com/agentflow/narrative-runtime/internal/eventbus"
	"github.com/agentflow/narrative-runtime/internal/negotiation"
	"github.com/agentflow/narrative-runtime/internal/pipeline"
	"github.com/agentflow/narrative-runtime/types"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := *config.DefaultConfig()
	clock := types.NewFixedClock(time.Now())

	meter := budget.NewMeter(cfg.Budget, clock, nil, nil)
	graph := causal.NewGraph(nil, nil)
	pipe := pipeline.New(cfg.Pipeline, nil, nil, clock, nil, nil)
	neg := negotiation.New(cfg.Negotiation, nil, clock, nil, nil)
	dlg := dialogue.New(cfg.Dialogue, nil, clock, nil, nil)
	chk := coherence.New(cfg.Coherence, graph, nil, clock, nil, nil)
	bus := eventbus.New(cfg.EventBus, clock, nil, nil)

	return New(cfg, meter, pipe, neg, dlg, chk, graph, bus, clock, nil, nil)
}

func agentWith(id, location string) *types.AgentState {
	return &types.AgentState{
		ID:       id,
		Location: location,
		Status:   types.StatusActive,
		Health:   types.HealthHealthy,
		Character: types.CharacterData{
			Name:            id,
			DecisionWeights: map[string]float64{},
		},
		Relationships: map[string]float64{},
	}
}

func TestRunTurn_CompletesWithRegisteredAgents(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterAgent(agentWith("a1", "square"))
	o.RegisterAgent(agentWith("a2", "square"))

	result := o.RunTurn(context.Background(), 1)

	assert.Equal(t, 2, result.Performance.AgentCount)
	assert.Equal(t, 0, result.Performance.FailedAgents)
	assert.Len(t, result.Agents, 2)
	assert.NotEmpty(t, result.Summary)
}

func TestRunTurn_NoAgentsIsNoop(t *testing.T) {
	o := testOrchestrator(t)
	result := o.RunTurn(context.Background(), 1)

	assert.Equal(t, 0, result.Performance.AgentCount)
	assert.Equal(t, 0.0, result.Performance.CoordinationEffectiveness)
}

func TestRunTurn_PairedAgentsOpenAndResolveADialogue(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterAgent(agentWith("a1", "camp"))
	o.RegisterAgent(agentWith("a2", "camp"))

	result := o.RunTurn(context.Background(), 1)

	require.Len(t, result.Dialogues, 1)
	assert.NoError(t, result.Dialogues[0].Err)
	assert.Equal(t, types.DialogueCompleted, result.Dialogues[0].Dialogue.State)
	assert.Equal(t, 1, result.Performance.DialoguesAttempted)
}

func TestRunTurn_PairedAgentsOpenNegotiationWithTerritorialTopic(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterAgent(agentWith("a1", "camp"))
	o.RegisterAgent(agentWith("a2", "camp"))

	o.RunTurn(context.Background(), 1)

	var found *types.NegotiationSession
	for _, id := range o.negotiation.ActiveSessionIDs() {
		session, ok := o.negotiation.Session(id)
		if ok {
			found = session
			break
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "conflict_resolution_territorial_dispute", found.Topic)
}

func TestRunTurn_UnpairedAgentsOpenNoDialogue(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterAgent(agentWith("a1", "north"))
	o.RegisterAgent(agentWith("a2", "south"))

	result := o.RunTurn(context.Background(), 1)
	assert.Empty(t, result.Dialogues)
}

func TestRunTurn_EmptyCandidateSetForOneAgentLeavesSiblingsComplete(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterAgent(agentWith("good", "field"))
	o.RegisterAgent(agentWith("bad", "field"))

	o.WithCandidateGenerator(func(agent *types.AgentState, events []*types.Event) []pipeline.ActionCandidate {
		if agent.ID == "bad" {
			return nil
		}
		return DefaultCandidates(agent, events)
	})

	// pipeline.Decide never returns an error, so the nearest thing to a
	// per-agent failure its public surface allows is an empty candidate
	// set, for which Select falls back to WaitAction. Both agents must
	// still complete without error.
	result := o.RunTurn(context.Background(), 1)

	require.Len(t, result.Agents, 2)
	for _, r := range result.Agents {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, 0, result.Performance.FailedAgents)
}

func TestDeriveThreatInputs_DirectAttackRaisesDirectThreats(t *testing.T) {
	o := testOrchestrator(t)
	agent := agentWith("victim", "alley")

	events := []*types.Event{
		{Kind: "attack", Actor: "raider", Participants: []string{"victim"}, Location: "alley"},
		{Kind: "attack", Actor: "raider", Participants: []string{"victim"}, Location: "alley"},
		{Kind: "attack", Actor: "raider", Participants: []string{"victim"}, Location: "alley"},
	}

	in := o.deriveThreatInputs(agent, events)
	assert.InDelta(t, 1.0, in.DirectThreats, 0.001)
	// Three co-located events against a scale of five.
	assert.InDelta(t, 0.6, in.LocationProximity, 0.001)
}

func TestDeriveThreatInputs_HealthDrivesVulnerability(t *testing.T) {
	o := testOrchestrator(t)

	healthy := agentWith("h", "x")
	critical := agentWith("c", "x")
	critical.Health = types.HealthCritical

	assert.Less(t, o.deriveThreatInputs(healthy, nil).Vulnerability, o.deriveThreatInputs(critical, nil).Vulnerability)
}

func TestIdentifyDialogueOpportunities_RespectsMaxPerTurn(t *testing.T) {
	o := testOrchestrator(t)
	o.cfg.Dialogue.MaxDialoguesPerTurn = 1

	agents := []*types.AgentState{
		agentWith("a1", "plaza"),
		agentWith("a2", "plaza"),
		agentWith("a3", "plaza"),
	}

	opportunities := o.identifyDialogueOpportunities(agents)
	assert.Len(t, opportunities, 1)
}

func TestCommTypeFor_NegativeRelationshipIsConflict(t *testing.T) {
	a := agentWith("a", "x")
	b := agentWith("b", "x")
	a.Relationships["b"] = -0.5

	assert.Equal(t, types.CommConflict, commTypeFor(a, b))
}

func TestCommTypeFor_PositiveRelationshipIsCollaboration(t *testing.T) {
	a := agentWith("a", "x")
	b := agentWith("b", "x")
	a.Relationships["b"] = 0.5

	assert.Equal(t, types.CommCollaboration, commTypeFor(a, b))
}

func TestAnalyzePostTurn_ComputesCoordinationEffectiveness(t *testing.T) {
	o := testOrchestrator(t)

	agentResults := []AgentTurnResult{{AgentID: "a1"}, {AgentID: "a2"}}
	dialogueResults := []DialogueTurnResult{
		{Dialogue: &types.Dialogue{State: types.DialogueCompleted, QualityScore: 0.8}},
		{Err: errors.New("failed")},
	}

	record := o.analyzePostTurn(1, time.Second, agentResults, dialogueResults, false)
	assert.Equal(t, 1, record.DialoguesSucceeded)
	assert.Equal(t, 2, record.DialoguesAttempted)
	assert.InDelta(t, 50.0, record.DialogueSuccessRate, 0.001)
	assert.InDelta(t, 0.5, record.CoordinationEffectiveness, 0.001)
	assert.InDelta(t, 0.8, record.AverageDialogueQuality, 0.001)
}

func TestAgents_ReturnsRegisteredAgentsSortedByID(t *testing.T) {
	o := testOrchestrator(t)
	o.RegisterAgent(agentWith("b1", "x"))
	o.RegisterAgent(agentWith("a1", "x"))

	agents := o.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a1", agents[0].ID)
	assert.Equal(t, "b1", agents[1].ID)
}

func TestDefaultCandidates_IncludesAssistAndNegotiateWhenSalientEventPresent(t *testing.T) {
	agent := agentWith("a1", "field")
	events := []*types.Event{{Actor: "a2", NarrativeWeight: 0.9}}

	candidates := DefaultCandidates(agent, events)

	var sawAssist, sawNegotiate bool
	for _, c := range candidates {
		if c.Type == "assist" && c.Target == "a2" {
			sawAssist = true
		}
		if c.Type == "negotiate" && c.Target == "a2" {
			sawNegotiate = true
		}
	}
	assert.True(t, sawAssist)
	assert.True(t, sawNegotiate)
}
