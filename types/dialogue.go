package types

import "time"

// CommunicationType shapes both the prompt built for the LLM mode and
// the canned outcome used in fast mode.
type CommunicationType string

const (
	CommGreeting      CommunicationType = "greeting"
	CommNegotiation   CommunicationType = "negotiation"
	CommCollaboration CommunicationType = "collaboration"
	CommConflict      CommunicationType = "conflict"
	CommInformation   CommunicationType = "information"
	CommFarewell      CommunicationType = "farewell"
)

// DialogueState is the lifecycle position of a dialogue exchange.
type DialogueState string

const (
	DialoguePending   DialogueState = "pending"
	DialogueActive    DialogueState = "active"
	DialogueCompleted DialogueState = "completed"
	DialogueFailed    DialogueState = "failed"
)

// Dialogue is one exchange between two or more agents, produced
// either by the LLM path or the fast-mode template path.
type Dialogue struct {
	ID                 string            `json:"id"`
	Participants        []string          `json:"participants"`
	Type                CommunicationType `json:"type"`
	State               DialogueState     `json:"state"`
	Content             string            `json:"content"`
	Outcome             string            `json:"outcome,omitempty"`
	RelationshipImpact  map[string]float64 `json:"relationship_impact,omitempty"`
	FastMode            bool              `json:"fast_mode"`
	Exchanges           int               `json:"exchanges"`
	QualityScore        float64           `json:"quality_score"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ComputeQuality computes a 0..1 content-quality score: base 0.5, +0.1
// if the content exceeds 200 characters, +0.1 if an outcome longer
// than 20 characters is present, +0.1 if relationship impact was
// recorded, +0.1 if the dialogue ran two or more exchanges.
func (d *Dialogue) ComputeQuality() float64 {
	factors := 0
	if len(d.Content) > 200 {
		factors++
	}
	if len(d.Outcome) > 20 {
		factors++
	}
	if len(d.RelationshipImpact) > 0 {
		factors++
	}
	if d.Exchanges >= 2 {
		factors++
	}
	return Clamp(0.5+0.1*float64(factors), 0, 1)
}
