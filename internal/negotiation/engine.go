package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/broker"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// defaultStyle mirrors the negotiation style every agent starts with
// absent an explicit profile.
var defaultStyle = map[string]float64{
	"cooperativeness":        0.5,
	"competitiveness":        0.5,
	"compromise_willingness": 0.6,
	"patience":               0.7,
	"trust_level":            0.5,
}

// Profile tracks one agent's negotiation history and reputation
// across sessions.
type Profile struct {
	Style                 map[string]float64
	Priorities            []string
	SuccessfulNegotiations int
	FailedNegotiations     int
	Reputation             float64
}

// Engine runs one or more concurrent negotiation sessions (C8).
type Engine struct {
	cfg     config.NegotiationConfig
	broker  *broker.Broker
	clock   types.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	active     map[string]*types.NegotiationSession
	history    []*types.NegotiationSession
	profiles   map[string]*Profile
	roundStart map[string]int
}

// New builds an Engine. broker may be nil, in which case a mixed
// round of responses always falls straight to deadlock instead of
// attempting LLM mediation.
func New(cfg config.NegotiationConfig, brk *broker.Broker, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Engine{
		cfg:        cfg,
		broker:     brk,
		clock:      clock,
		logger:     logger,
		metrics:    collector,
		active:     make(map[string]*types.NegotiationSession),
		history:    make([]*types.NegotiationSession, 0),
		profiles:   make(map[string]*Profile),
		roundStart: make(map[string]int),
	}
}

// InitializeProfile registers or replaces an agent's negotiation
// style and priorities. Unset styles default to a neutral profile.
func (e *Engine) InitializeProfile(agentID string, style map[string]float64, priorities []string) {
	if style == nil {
		style = defaultStyle
	}
	if priorities == nil {
		priorities = []string{"survival", "mission_success"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[agentID] = &Profile{Style: style, Priorities: priorities, Reputation: 0.5}
}

// Profile returns the agent's negotiation profile, or a fresh neutral
// one if it has never been initialized.
func (e *Engine) Profile(agentID string) Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[agentID]; ok {
		return *p
	}
	return Profile{Style: defaultStyle, Priorities: []string{"survival", "mission_success"}, Reputation: 0.5}
}

// Initiate opens a new session on topic with a first proposal from
// initiatorID addressed to targets.
func (e *Engine) Initiate(initiatorID, topic string, targets []string, terms map[string]any, benefits, requirements []string) *types.NegotiationSession {
	now := e.clock.Now()
	session := &types.NegotiationSession{
		ID:           uuid.NewString(),
		Topic:        topic,
		Participants: append([]string{initiatorID}, targets...),
		Status:       types.NegotiationInitiated,
		StartedAt:    now,
	}
	proposal := types.NegotiationProposal{
		ID:              uuid.NewString(),
		ProposerID:      initiatorID,
		Terms:           terms,
		BenefitsOffered: benefits,
		Requirements:    requirements,
		CreatedAt:       now,
	}
	session.Proposals = append(session.Proposals, proposal)

	e.mu.Lock()
	e.active[session.ID] = session
	e.roundStart[session.ID] = 0
	e.mu.Unlock()

	e.logger.Debug("negotiation initiated", zap.String("session", session.ID), zap.String("initiator", initiatorID))
	return session
}

// Respond records a participant's reply to the current proposal and
// advances the session's state machine once every non-proposing
// participant has replied.
func (e *Engine) Respond(ctx context.Context, sessionID, responderID string, kind types.ResponseKind, counter *types.NegotiationProposal, reason string) error {
	e.mu.Lock()
	session, ok := e.active[sessionID]
	e.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("no active negotiation session %s", sessionID))
	}
	if !isParticipant(session, responderID) {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("%s is not a participant in session %s", responderID, sessionID))
	}

	e.mu.Lock()
	session.Responses = append(session.Responses, types.NegotiationResponse{
		ResponderID: responderID, Kind: kind, Counter: counter, Reason: reason,
	})
	if session.Status == types.NegotiationInitiated {
		session.Status = types.NegotiationInProgress
	}
	e.mu.Unlock()

	return e.evaluateStatus(ctx, session)
}

func isParticipant(session *types.NegotiationSession, agentID string) bool {
	for _, p := range session.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// evaluateStatus checks timeout, then whether the current round is
// complete, advancing the session toward resolution.
func (e *Engine) evaluateStatus(ctx context.Context, session *types.NegotiationSession) error {
	if e.clock.Now().After(session.StartedAt.Add(e.cfg.Timeout)) {
		e.mu.Lock()
		session.Status = types.NegotiationTimeout
		e.mu.Unlock()
		e.finalize(session)
		return nil
	}

	current := session.CurrentProposal()
	if current == nil {
		return nil
	}

	e.mu.Lock()
	start := e.roundStart[session.ID]
	roundResponses := append([]types.NegotiationResponse{}, session.Responses[start:]...)
	expected := len(session.Participants) - 1
	e.mu.Unlock()

	if len(roundResponses) < expected {
		return nil
	}
	return e.attemptResolution(ctx, session, roundResponses)
}

// attemptResolution tallies one completed round and decides whether
// the session resolves, fails, opens a new round around the best
// counter-proposal, or needs mediation.
func (e *Engine) attemptResolution(ctx context.Context, session *types.NegotiationSession, responses []types.NegotiationResponse) error {
	var accepts, rejects, counters []types.NegotiationResponse
	for _, r := range responses {
		switch r.Kind {
		case types.ResponseAccept:
			accepts = append(accepts, r)
		case types.ResponseReject:
			rejects = append(rejects, r)
		case types.ResponseCounter:
			counters = append(counters, r)
		}
	}

	switch {
	case len(accepts) == len(responses):
		e.mu.Lock()
		session.Status = types.NegotiationResolved
		session.Outcome = map[string]any{
			"type":         "unanimous_acceptance",
			"proposal":     session.CurrentProposal().Terms,
			"participants": session.Participants,
		}
		e.mu.Unlock()
		e.updateReputations(session, true)

	case len(rejects) > len(accepts):
		if len(counters) > 0 {
			e.handleCounterProposal(session, counters)
		} else {
			e.mu.Lock()
			session.Status = types.NegotiationFailed
			e.mu.Unlock()
			e.updateReputations(session, false)
		}

	case len(counters) > 0:
		e.handleCounterProposal(session, counters)

	default:
		e.mediate(ctx, session, responses)
	}

	if terminal(session.Status) {
		e.finalize(session)
	}
	return nil
}

func terminal(status types.NegotiationStatus) bool {
	switch status {
	case types.NegotiationResolved, types.NegotiationFailed, types.NegotiationTimeout, types.NegotiationDeadlock:
		return true
	default:
		return false
	}
}

// handleCounterProposal opens a new round built on whichever counter
// scores highest by NegotiationProposal.Viability. If the session has
// already run through the configured round cap, it deadlocks instead.
func (e *Engine) handleCounterProposal(session *types.NegotiationSession, counters []types.NegotiationResponse) {
	best := counters[0]
	for _, c := range counters[1:] {
		if viability(c.Counter) > viability(best.Counter) {
			best = c
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	session.Rounds++
	if e.cfg.MaxRounds > 0 && session.Rounds >= e.cfg.MaxRounds {
		session.Status = types.NegotiationDeadlock
		return
	}

	newProposal := *best.Counter
	newProposal.ID = uuid.NewString()
	newProposal.ProposerID = best.ResponderID
	newProposal.CreatedAt = e.clock.Now()

	session.Proposals = append(session.Proposals, newProposal)
	e.roundStart[session.ID] = len(session.Responses)
	session.Status = types.NegotiationInProgress
}

func viability(p *types.NegotiationProposal) float64 {
	if p == nil {
		return 0
	}
	return p.Viability()
}

// mediationResult is the shape expected back from the broker's
// compromise-proposal prompt.
type mediationResult struct {
	Terms    map[string]any `json:"terms"`
	Benefits map[string]any `json:"benefits_by_participant"`
}

// mediate makes one LLM-mediated compromise attempt for a mixed round
// of responses. Without a broker, or if the call fails, the session
// falls to deadlock.
func (e *Engine) mediate(ctx context.Context, session *types.NegotiationSession, responses []types.NegotiationResponse) {
	if e.broker == nil {
		e.mu.Lock()
		session.Status = types.NegotiationDeadlock
		e.mu.Unlock()
		return
	}

	prompt := e.buildMediationPrompt(session, responses)
	resp, err := e.broker.Submit(ctx, &types.LLMRequest{
		Kind:           "mediation",
		Prompt:         prompt,
		Temperature:    0.4,
		MaxTokens:      400,
		ResponseFormat: "json",
		Priority:       types.PriorityHigh,
	})
	if err != nil {
		e.logger.Debug("mediation call failed", zap.Error(err))
		e.mu.Lock()
		session.Status = types.NegotiationDeadlock
		e.mu.Unlock()
		return
	}

	var result mediationResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		e.logger.Debug("mediation response malformed", zap.Error(err))
		e.mu.Lock()
		session.Status = types.NegotiationDeadlock
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	session.Status = types.NegotiationResolved
	session.Outcome = map[string]any{
		"type":     "mediated_compromise",
		"proposal": result.Terms,
		"benefits": result.Benefits,
	}
	e.mu.Unlock()
	e.updateReputations(session, true)
}

func (e *Engine) buildMediationPrompt(session *types.NegotiationSession, responses []types.NegotiationResponse) string {
	current := session.CurrentProposal()
	b := fmt.Sprintf("Mediate a negotiation deadlock.\nOriginal proposal: %v\nResponses:\n", current.Terms)
	for _, r := range responses {
		b += fmt.Sprintf("- %s: %s (%s)\n", r.ResponderID, r.Kind, r.Reason)
	}
	b += "\nReturn a JSON object with \"terms\" (the compromise proposal) and \"benefits_by_participant\" (one short benefit string per participant)."
	return b
}

// updateReputations mirrors one resolved or failed negotiation's
// effect on every participant's profile: a success adds
// ReputationGain capped at 1.0, a failure subtracts ReputationLoss
// floored at 0.0.
func (e *Engine) updateReputations(session *types.NegotiationSession, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, agentID := range session.Participants {
		p, ok := e.profiles[agentID]
		if !ok {
			continue
		}
		if success {
			p.SuccessfulNegotiations++
			p.Reputation = types.Clamp(p.Reputation+e.cfg.ReputationGain, 0, 1)
		} else {
			p.FailedNegotiations++
			p.Reputation = types.Clamp(p.Reputation-e.cfg.ReputationLoss, 0, 1)
		}
	}
}

// finalize moves a terminal session out of the active set and into
// history.
func (e *Engine) finalize(session *types.NegotiationSession) {
	e.mu.Lock()
	session.ResolvedAt = e.clock.Now()
	delete(e.active, session.ID)
	delete(e.roundStart, session.ID)
	e.history = append(e.history, session)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordNegotiationOutcome(string(session.Status), session.Rounds)
	}
	e.logger.Info("negotiation session finalized",
		zap.String("session", session.ID), zap.String("status", string(session.Status)), zap.Int("rounds", session.Rounds))
}

// Session returns an active or historical session by id.
func (e *Engine) Session(id string) (*types.NegotiationSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.active[id]; ok {
		return s, true
	}
	for _, s := range e.history {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// ActiveCount returns the number of sessions currently in progress.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActiveSessionIDs returns the ids of every session currently in
// progress, for hosts that want to inspect them via Session.
func (e *Engine) ActiveSessionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}
