package types

import "time"

// NegotiationStatus is the state-machine position of a session.
type NegotiationStatus string

const (
	NegotiationInitiated  NegotiationStatus = "initiated"
	NegotiationInProgress NegotiationStatus = "in_progress"
	NegotiationResolved   NegotiationStatus = "resolved"
	NegotiationFailed     NegotiationStatus = "failed"
	NegotiationDeadlock   NegotiationStatus = "deadlock"
	NegotiationTimeout    NegotiationStatus = "timeout"
)

// NegotiationProposal is one offer on the table during a session.
type NegotiationProposal struct {
	ID               string         `json:"id"`
	ProposerID       string         `json:"proposer_id"`
	Terms            map[string]any `json:"terms"`
	BenefitsOffered  []string       `json:"benefits_offered,omitempty"`
	Requirements     []string       `json:"requirements,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Viability scores a proposal's attractiveness: base 0.5, +0.2 if it
// offers benefits, -0.1 per requirement, clamped to [0, 1].
func (p *NegotiationProposal) Viability() float64 {
	score := 0.5
	if len(p.BenefitsOffered) > 0 {
		score += 0.2
	}
	score -= 0.1 * float64(len(p.Requirements))
	return Clamp(score, 0, 1)
}

// ResponseKind is an agent's reply to a proposal.
type ResponseKind string

const (
	ResponseAccept  ResponseKind = "accept"
	ResponseReject  ResponseKind = "reject"
	ResponseCounter ResponseKind = "counter"
)

// NegotiationResponse is one participant's reply to the current
// proposal round.
type NegotiationResponse struct {
	ResponderID string               `json:"responder_id"`
	Kind        ResponseKind         `json:"kind"`
	Counter     *NegotiationProposal `json:"counter,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

// NegotiationSession tracks a single negotiation from initiation
// through resolution.
type NegotiationSession struct {
	ID           string                 `json:"id"`
	Topic        string                 `json:"topic"`
	Participants []string               `json:"participants"`
	Status       NegotiationStatus      `json:"status"`
	Proposals    []NegotiationProposal  `json:"proposals"`
	Responses    []NegotiationResponse  `json:"responses"`
	Rounds       int                    `json:"rounds"`
	StartedAt    time.Time              `json:"started_at"`
	ResolvedAt   time.Time              `json:"resolved_at,omitempty"`
	Outcome      map[string]any         `json:"outcome,omitempty"`
}

// CurrentProposal returns the most recent proposal on the table, or
// nil if none has been made yet.
func (s *NegotiationSession) CurrentProposal() *NegotiationProposal {
	if len(s.Proposals) == 0 {
		return nil
	}
	return &s.Proposals[len(s.Proposals)-1]
}
