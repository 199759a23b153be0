package types

import "time"

// CausalRelation is the type of a directed causal edge between two
// events.
type CausalRelation string

const (
	RelationDirectCause   CausalRelation = "direct_cause"
	RelationIndirectCause CausalRelation = "indirect_cause"
	RelationEnabler       CausalRelation = "enabler"
	RelationCatalyst      CausalRelation = "catalyst"
	RelationInhibitor     CausalRelation = "inhibitor"
	RelationAmplifier     CausalRelation = "amplifier"
	RelationContradiction CausalRelation = "contradiction"
)

// CausalEdge is a directed, typed relation from a cause event to an
// effect event.
type CausalEdge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Relation   CausalRelation `json:"relation"`
	Strength   float64        `json:"strength"`
	Confidence float64        `json:"confidence"`
	Delay      time.Duration  `json:"delay"`
}
