package dialogue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/types"
)

func testManager() *Manager {
	return New(config.DefaultDialogueConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)
}

func TestInitiate_CreatesPendingDialogue(t *testing.T) {
	m := testManager()
	d := m.Initiate([]string{"a1", "a2"}, types.CommGreeting)

	assert.Equal(t, types.DialoguePending, d.State)
	assert.Equal(t, []string{"a1", "a2"}, d.Participants)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestExecute_NoBrokerForcesFastMode(t *testing.T) {
	m := testManager()
	d := m.Initiate([]string{"a1", "a2"}, types.CommNegotiation)

	result, err := m.Execute(context.Background(), d.ID, false)
	require.NoError(t, err)
	assert.True(t, result.FastMode)
	assert.Equal(t, types.DialogueCompleted, result.State)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestExecute_FastModeAppliesOutcomeAndRelationshipImpact(t *testing.T) {
	m := testManager()
	d := m.Initiate([]string{"a1", "a2", "a3"}, types.CommCollaboration)

	result, err := m.Execute(context.Background(), d.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "agreed to work together", result.Outcome)
	assert.Equal(t, map[string]float64{"a2": 0.15, "a3": 0.15}, result.RelationshipImpact)
}

func TestExecute_FastModeRecordsTwoSimulatedExchanges(t *testing.T) {
	m := testManager()
	d := m.Initiate([]string{"a1", "a2"}, types.CommGreeting)

	result, err := m.Execute(context.Background(), d.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Exchanges)
}

func TestCountExchanges_CountsSpeakerLines(t *testing.T) {
	body := "a1: Hello there.\na2: Good to see you.\na1: Likewise."
	assert.Equal(t, 3, countExchanges(body))
	assert.Equal(t, 0, countExchanges(""))
}

func TestExecute_UnknownDialogueReturnsNotFound(t *testing.T) {
	m := testManager()
	_, err := m.Execute(context.Background(), "missing", true)
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrNotFound, terr.Code)
}

func TestExecute_UpdatesHistoryAndStats(t *testing.T) {
	m := testManager()
	d1 := m.Initiate([]string{"a1", "a2"}, types.CommGreeting)
	d2 := m.Initiate([]string{"a1", "a3"}, types.CommFarewell)

	_, err := m.Execute(context.Background(), d1.ID, true)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), d2.ID, true)
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalInitiated)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 0, stats.Active)
	assert.Len(t, m.History(0), 2)
}

func TestHistory_CapsAtConfiguredLimit(t *testing.T) {
	cfg := config.DefaultDialogueConfig()
	cfg.HistoryCap = 2
	m := New(cfg, nil, types.NewFixedClock(time.Now()), nil, nil)

	for i := 0; i < 5; i++ {
		d := m.Initiate([]string{"a1", "a2"}, types.CommGreeting)
		_, err := m.Execute(context.Background(), d.ID, true)
		require.NoError(t, err)
	}

	assert.Len(t, m.History(0), 2)
}

func TestShouldUseFastMode_TriggersOnLowTimeOrBudget(t *testing.T) {
	m := testManager()
	assert.True(t, m.ShouldUseFastMode(0.1, 1.0))
	assert.True(t, m.ShouldUseFastMode(10.0, 0.001))
	assert.False(t, m.ShouldUseFastMode(10.0, 1.0))
}

func TestMostCommonType_ReturnsHighestCount(t *testing.T) {
	m := testManager()
	m.Initiate([]string{"a1", "a2"}, types.CommGreeting)
	m.Initiate([]string{"a1", "a2"}, types.CommGreeting)
	m.Initiate([]string{"a1", "a2"}, types.CommFarewell)

	assert.Equal(t, types.CommGreeting, m.Stats().MostCommonType())
}

func TestParseResponse_ExtractsOutcomeAndImpactLines(t *testing.T) {
	content := "a1: Hello there.\na2: Good to see you.\n**Outcome:** They agreed to meet again.\n**Relationship Impact:** Warmed considerably."
	body, outcome, impact := parseResponse(content, []string{"a1", "a2"})

	assert.Contains(t, body, "a1: Hello there.")
	assert.Equal(t, "They agreed to meet again.", outcome)
	assert.Equal(t, "Warmed considerably.", impact)
}

func TestSentimentDelta_FlipsSignOnNegativeLanguage(t *testing.T) {
	assert.Less(t, sentimentDelta("Trust was badly betrayed.", 0.1), 0.0)
	assert.Equal(t, 0.1, sentimentDelta("A warm and productive exchange.", 0.1))
}
