package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/types"
)

func testConfig() config.NegotiationConfig {
	return config.NegotiationConfig{
		Timeout:        time.Minute,
		MaxRounds:      3,
		ReputationGain: 0.1,
		ReputationLoss: 0.05,
	}
}

func TestInitiate_CreatesInitiatedSessionWithFirstProposal(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)

	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{"type": "truce"}, nil, nil)
	assert.Equal(t, types.NegotiationInitiated, session.Status)
	assert.Equal(t, "territory", session.Topic)
	require.Len(t, session.Proposals, 1)
	assert.Equal(t, "alice", session.Proposals[0].ProposerID)
	assert.Equal(t, 1, e.ActiveCount())
}

func TestRespond_UnanimousAcceptResolves(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)
	e.InitializeProfile("alice", nil, nil)
	e.InitializeProfile("bob", nil, nil)

	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{"type": "truce"}, nil, nil)
	err := e.Respond(context.Background(), session.ID, "bob", types.ResponseAccept, nil, "")
	require.NoError(t, err)

	assert.Equal(t, types.NegotiationResolved, session.Status)
	assert.Equal(t, 0, e.ActiveCount())
	assert.InDelta(t, 0.6, e.Profile("bob").Reputation, 1e-9)
}

func TestRespond_RejectWithNoCounterFails(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)
	e.InitializeProfile("alice", nil, nil)

	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{"type": "truce"}, nil, nil)
	err := e.Respond(context.Background(), session.ID, "bob", types.ResponseReject, nil, "not enough")
	require.NoError(t, err)

	assert.Equal(t, types.NegotiationFailed, session.Status)
	assert.InDelta(t, 0.45, e.Profile("alice").Reputation, 1e-9)
}

func TestRespond_CounterProposalOpensNewRound(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)

	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{"type": "truce"}, nil, nil)
	counter := &types.NegotiationProposal{
		Terms:           map[string]any{"type": "better_truce"},
		BenefitsOffered: []string{"supplies"},
	}
	err := e.Respond(context.Background(), session.ID, "bob", types.ResponseCounter, counter, "")
	require.NoError(t, err)

	assert.Equal(t, types.NegotiationInProgress, session.Status)
	assert.Equal(t, 1, session.Rounds)
	require.Len(t, session.Proposals, 2)
	assert.Equal(t, "bob", session.Proposals[1].ProposerID)
	assert.Equal(t, 1, e.ActiveCount())
}

func TestRespond_MixedRoundWithNoBrokerDeadlocks(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)

	session := e.Initiate("alice", "territory", []string{"bob", "carol"}, map[string]any{"type": "truce"}, nil, nil)
	require.NoError(t, e.Respond(context.Background(), session.ID, "bob", types.ResponseAccept, nil, ""))
	require.NoError(t, e.Respond(context.Background(), session.ID, "carol", types.ResponseReject, nil, "no"))

	assert.Equal(t, types.NegotiationDeadlock, session.Status)
	assert.Equal(t, 0, e.ActiveCount())
}

func TestRespond_UnknownParticipantRejected(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)
	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{}, nil, nil)

	err := e.Respond(context.Background(), session.ID, "mallory", types.ResponseAccept, nil, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestRespond_TimeoutClosesSession(t *testing.T) {
	clock := types.NewFixedClock(time.Now())
	e := New(testConfig(), nil, clock, nil, nil)
	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{}, nil, nil)

	clock.Advance(2 * time.Minute)
	err := e.Respond(context.Background(), session.ID, "bob", types.ResponseAccept, nil, "")
	require.NoError(t, err)

	assert.Equal(t, types.NegotiationTimeout, session.Status)
}

func TestRespond_MaxRoundsReachedDeadlocks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRounds = 1
	e := New(cfg, nil, types.NewFixedClock(time.Now()), nil, nil)

	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{"type": "truce"}, nil, nil)
	counter := &types.NegotiationProposal{Terms: map[string]any{"type": "x"}}
	err := e.Respond(context.Background(), session.ID, "bob", types.ResponseCounter, counter, "")
	require.NoError(t, err)

	assert.Equal(t, types.NegotiationDeadlock, session.Status)
}

func TestSession_FindsFinalizedSessionInHistory(t *testing.T) {
	e := New(testConfig(), nil, types.NewFixedClock(time.Now()), nil, nil)
	session := e.Initiate("alice", "territory", []string{"bob"}, map[string]any{}, nil, nil)
	require.NoError(t, e.Respond(context.Background(), session.ID, "bob", types.ResponseAccept, nil, ""))

	found, ok := e.Session(session.ID)
	require.True(t, ok)
	assert.Equal(t, types.NegotiationResolved, found.Status)
}
