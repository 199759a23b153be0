package coherence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/causal"
	"github.com/agentflow/narrative-runtime/types"
)

func testChecker() (*Checker, *causal.Graph) {
	g := causal.NewGraph(nil, nil)
	return New(config.DefaultCoherenceConfig(), g, nil, types.NewFixedClock(time.Now()), nil, nil), g
}

func TestCheck_TemporalRuleFlagsOutOfOrderEvent(t *testing.T) {
	c, _ := testChecker()
	now := time.Now()

	context := []*types.Event{{ID: "ctx", Timestamp: now}}
	event := &types.Event{ID: "e1", Timestamp: now.Add(-time.Minute)}

	result := c.Check(event, context)
	assert.False(t, result.Consistent)
	assert.Contains(t, result.Issues[0], "temporal inconsistency")
}

func TestCheck_CoLocationRuleFlagsLocationJump(t *testing.T) {
	c, _ := testChecker()
	now := time.Now()

	context := []*types.Event{{ID: "ctx", Actor: "a1", Location: "forest", Timestamp: now.Add(-time.Minute)}}
	event := &types.Event{ID: "e1", Kind: "attack", Actor: "a1", Location: "castle", Timestamp: now}

	result := c.Check(event, context)
	assert.False(t, result.Consistent)
	assert.Contains(t, result.Issues[0], "location inconsistency")
}

func TestCheck_CoLocationRuleAllowsMoveAction(t *testing.T) {
	c, _ := testChecker()
	now := time.Now()

	context := []*types.Event{{ID: "ctx", Actor: "a1", Location: "forest", Timestamp: now.Add(-time.Minute)}}
	event := &types.Event{ID: "e1", Kind: "move", Actor: "a1", Location: "castle", Timestamp: now}

	result := c.Check(event, context)
	assert.True(t, result.Consistent)
}

func TestCheck_PreconditionRuleFlagsMissingRequirement(t *testing.T) {
	c, _ := testChecker()
	now := time.Now()

	event := &types.Event{
		ID: "e1", Kind: "attack", Timestamp: now,
		Payload: map[string]any{"requires": []string{"weapon_drawn"}},
	}
	result := c.Check(event, nil)
	assert.False(t, result.Consistent)
	assert.Contains(t, result.Issues[0], "missing precondition")
}

func TestCheck_PreconditionRuleSatisfiedByContextProvides(t *testing.T) {
	c, _ := testChecker()
	now := time.Now()

	context := []*types.Event{{
		ID: "ctx", Timestamp: now.Add(-time.Minute),
		Payload: map[string]any{"provides": []string{"weapon_drawn"}},
	}}
	event := &types.Event{
		ID: "e1", Kind: "attack", Timestamp: now,
		Payload: map[string]any{"requires": []string{"weapon_drawn"}},
	}
	result := c.Check(event, context)
	assert.True(t, result.Consistent)
}

func TestCheck_ConfidenceDropsPerIssue(t *testing.T) {
	c, _ := testChecker()
	now := time.Now()

	context := []*types.Event{{ID: "ctx", Timestamp: now}}
	event := &types.Event{ID: "e1", Timestamp: now.Add(-time.Minute)}

	result := c.Check(event, context)
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
}

func TestIntegrate_ConsistentEventUpdatesArcAndTimeline(t *testing.T) {
	c, g := testChecker()
	now := time.Now()

	event := &types.Event{ID: "e1", Kind: "discover", Actor: "a1", Timestamp: now, NarrativeWeight: 0.8}
	g.AddEvent(event)

	result := c.Integrate(context.Background(), event)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.PlotThread)

	arc, ok := c.CharacterArc("a1")
	require.True(t, ok)
	assert.Len(t, arc.Events, 1)

	timeline := c.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, "e1", timeline[0].EventID)
}

func TestIntegrate_FifthEventTagsDevelopmentStage(t *testing.T) {
	c, g := testChecker()
	now := time.Now()

	kinds := []string{"explore", "discover_ruin", "explore", "explore", "learn_spell"}
	for i, kind := range kinds {
		event := &types.Event{
			ID: kind + string(rune('0'+i)), Kind: kind, Actor: "a1",
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		g.AddEvent(event)
		result := c.Integrate(context.Background(), event)
		require.True(t, result.Success)
	}

	arc, ok := c.CharacterArc("a1")
	require.True(t, ok)
	require.Len(t, arc.Events, 5)
	require.Len(t, arc.DevelopmentStages, 1)
	assert.Equal(t, "learning", arc.DevelopmentStages[0].StageType)
	assert.Len(t, arc.DevelopmentStages[0].KeyEvents, 5)
}

func TestIntegrate_InconsistentEventWithNoBrokerIsRejected(t *testing.T) {
	c, g := testChecker()
	now := time.Now()

	ctxEvent := &types.Event{ID: "ctx", Timestamp: now}
	g.AddEvent(ctxEvent)
	event := &types.Event{ID: "e1", Timestamp: now.Add(-time.Hour)}
	g.AddEvent(event)

	result := c.Integrate(context.Background(), event)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Issues)
}

func TestIdentifyPlotThread_MatchesExistingThreadByLocation(t *testing.T) {
	c, g := testChecker()
	now := time.Now()

	first := &types.Event{ID: "e1", Kind: "discover", Location: "ruins", Timestamp: now, NarrativeWeight: 0.9}
	g.AddEvent(first)
	r1 := c.Integrate(context.Background(), first)
	require.True(t, r1.Success)

	second := &types.Event{ID: "e2", Kind: "investigate", Location: "ruins", Timestamp: now.Add(time.Minute), NarrativeWeight: 0.1}
	g.AddEvent(second)
	r2 := c.Integrate(context.Background(), second)
	require.True(t, r2.Success)

	assert.Equal(t, r1.PlotThread, r2.PlotThread)
}

func TestIdentifyPlotThread_LowWeightEventStartsNoThread(t *testing.T) {
	c, g := testChecker()
	now := time.Now()

	event := &types.Event{ID: "e1", Kind: "observe", Timestamp: now, NarrativeWeight: 0.1}
	g.AddEvent(event)

	result := c.Integrate(context.Background(), event)
	require.True(t, result.Success)
	assert.Empty(t, result.PlotThread)
}
