package causal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/narrative-runtime/types"
)

func TestGraph_AddEventInfersEdgeForSameActor(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	cause := &types.Event{ID: "e1", Kind: "move", Actor: "a1", Timestamp: now, Confidence: 0.9, NarrativeWeight: 0.5}
	effect := &types.Event{ID: "e2", Kind: "attack", Actor: "a1", Timestamp: now.Add(time.Minute), Confidence: 0.9, NarrativeWeight: 0.5}

	g.AddEvent(cause)
	g.AddEvent(effect)

	chains := g.ChainFrom("e1", 3)
	require.NotEmpty(t, chains)
	assert.Equal(t, []string{"e1", "e2"}, chains[0])
}

func TestGraph_AddEdgeFailsOnMissingEndpoint(t *testing.T) {
	g := NewGraph(nil, nil)
	g.AddEvent(&types.Event{ID: "e1", Timestamp: time.Now()})

	ok := g.AddEdge(&types.CausalEdge{Source: "e1", Target: "missing", Relation: types.RelationDirectCause, Strength: 0.5, Confidence: 0.5})
	assert.False(t, ok)
}

func TestGraph_ContradictionDetectedForOpposingKinds(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	// A second cause at the same location gives e2 the multiple incoming
	// edges a conflict node needs alongside the contradiction edge.
	g.AddEvent(&types.Event{ID: "e0", Kind: "move", Actor: "a2", Location: "loc1", Timestamp: now.Add(-time.Minute), Confidence: 0.9, NarrativeWeight: 0.5})
	g.AddEvent(&types.Event{ID: "e1", Kind: "attack", Actor: "a1", Location: "loc1", Timestamp: now, Confidence: 0.9, NarrativeWeight: 0.5})
	g.AddEvent(&types.Event{ID: "e2", Kind: "negotiate", Actor: "a1", Location: "loc1", Timestamp: now.Add(time.Minute), Confidence: 0.9, NarrativeWeight: 0.5})

	p := g.Patterns()
	assert.Contains(t, p.ConflictNodes, "e2")
}

func TestGraph_InfluentialEventsFiltersByThreshold(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	g.AddEvent(&types.Event{ID: "e1", Kind: "move", Actor: "a1", Timestamp: now, Confidence: 0.9, NarrativeWeight: 0.9})
	g.AddEvent(&types.Event{ID: "e2", Kind: "attack", Actor: "a1", Timestamp: now.Add(time.Minute), Confidence: 0.9, NarrativeWeight: 0.9})
	g.AddEvent(&types.Event{ID: "e3", Kind: "discover", Actor: "a1", Timestamp: now.Add(2 * time.Minute), Confidence: 0.9, NarrativeWeight: 0.9})

	events := g.InfluentialEvents(now.Add(5*time.Minute), time.Hour)
	for _, e := range events {
		assert.NotEqual(t, "e3", e.ID, "leaf event with no outgoing edges shouldn't be influential")
	}
}

func TestGraph_ConvergencePointDetectedForThreeDistinctActorEdges(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	target := &types.Event{ID: "t1", Kind: "discover", Timestamp: now.Add(time.Hour)}
	g.AddEvent(target)
	for i, actor := range []string{"a1", "a2", "a3"} {
		src := &types.Event{ID: "s" + string(rune('1'+i)), Kind: "move", Actor: actor, Timestamp: now}
		g.AddEvent(src)
		g.AddEdge(&types.CausalEdge{Source: src.ID, Target: target.ID, Relation: types.RelationIndirectCause, Strength: 0.5, Confidence: 0.5})
	}

	p := g.Patterns()
	assert.Contains(t, p.ConvergencePoints, "t1")
}

func TestGraph_ContextWindowIncludesRecentAndPredecessorEvents(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	old := &types.Event{ID: "old", Kind: "move", Actor: "a1", Timestamp: now.Add(-3 * time.Hour)}
	pred := &types.Event{ID: "pred", Kind: "move", Actor: "a1", Timestamp: now.Add(-50 * time.Minute)}
	target := &types.Event{ID: "target", Kind: "attack", Actor: "a1", Timestamp: now}

	g.AddEvent(old)
	g.AddEvent(pred)
	g.AddEvent(target)

	ctxEvents := g.ContextWindow(target, time.Hour)
	var ids []string
	for _, e := range ctxEvents {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, "pred")
	assert.NotContains(t, ids, "old")
	assert.NotContains(t, ids, "target")
}

func TestGraph_PredictNextUsesEdgeAndSourceConfidence(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	source := &types.Event{ID: "e1", Kind: "move", Actor: "a1", Timestamp: now, Confidence: 0.8, NarrativeWeight: 0.9}
	target := &types.Event{ID: "e2", Kind: "attack", Actor: "a1", Timestamp: now.Add(time.Minute), Confidence: 0.9, NarrativeWeight: 0.5}
	// A second successor lifts e1's influence score to 2*0.9*0.8 = 1.44,
	// above the 1.0 threshold PredictNext draws its trigger events from.
	later := &types.Event{ID: "e3", Kind: "flee", Actor: "a1", Timestamp: now.Add(2 * time.Minute), Confidence: 0.9, NarrativeWeight: 0.5}
	g.AddEvent(source)
	g.AddEvent(target)
	g.AddEvent(later)

	predictions := g.PredictNext(now.Add(time.Hour), 2*time.Hour)
	require.NotEmpty(t, predictions)
	assert.Equal(t, "e2", predictions[0].EventID)
	assert.Greater(t, predictions[0].Probability, 0.0)
}

func TestGraph_EventsReturnsEveryHeldEvent(t *testing.T) {
	g := NewGraph(nil, nil)
	now := time.Now()

	g.AddEvent(&types.Event{ID: "e1", Timestamp: now})
	g.AddEvent(&types.Event{ID: "e2", Timestamp: now})

	ids := make([]string, 0, 2)
	for _, e := range g.Events() {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"e1", "e2"}, ids)
}
