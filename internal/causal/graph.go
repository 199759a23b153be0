package causal

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

const (
	inferenceWindow        = time.Hour
	inferenceThreshold     = 0.3
	influenceThreshold     = 1.0
	convergenceMinInDegree = 3
	convergenceMinAgents   = 2
	predictTopN            = 5
)

// contradictoryKinds pairs event kinds treated as mutually exclusive
// when one follows the other for the same actor or location.
var contradictoryKinds = map[string]string{
	"attack":    "negotiate",
	"negotiate": "attack",
	"ally":      "betray",
	"betray":    "ally",
}

// Graph is the directed graph of events and causal edges (C6).
type Graph struct {
	logger  *zap.Logger
	metrics *metrics.Collector

	mu    sync.RWMutex
	nodes map[string]*types.Event
	edges map[string]*types.CausalEdge // keyed by source+"->"+target
	outOf map[string][]string          // source -> target ids
	inTo  map[string][]string          // target -> source ids

	byTimeBucket map[int64][]string // unix-hour bucket -> event ids
	byActor      map[string][]string
	byLocation   map[string][]string
}

// NewGraph builds an empty Graph.
func NewGraph(logger *zap.Logger, collector *metrics.Collector) *Graph {
	return &Graph{
		logger:       logger,
		metrics:      collector,
		nodes:        make(map[string]*types.Event),
		edges:        make(map[string]*types.CausalEdge),
		outOf:        make(map[string][]string),
		inTo:         make(map[string][]string),
		byTimeBucket: make(map[int64][]string),
		byActor:      make(map[string][]string),
		byLocation:   make(map[string][]string),
	}
}

func edgeKey(source, target string) string { return source + "->" + target }

// AddEvent appends event to the graph, updates its indices, and runs
// causal inference against recent candidate causes sharing an actor
// or location.
func (g *Graph) AddEvent(event *types.Event) {
	g.mu.Lock()
	g.nodes[event.ID] = event
	bucket := event.Timestamp.Unix() / int64(time.Hour/time.Second)
	g.byTimeBucket[bucket] = append(g.byTimeBucket[bucket], event.ID)
	if event.Actor != "" {
		g.byActor[event.Actor] = append(g.byActor[event.Actor], event.ID)
	}
	if event.Location != "" {
		g.byLocation[event.Location] = append(g.byLocation[event.Location], event.ID)
	}
	candidates := g.candidateCauses(event)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordCausalEvent(event.Kind)
	}

	for _, cause := range candidates {
		strength := inferenceStrength(cause, event)
		if strength <= inferenceThreshold {
			continue
		}
		relation := inferRelation(cause, event)
		g.AddEdge(&types.CausalEdge{
			Source:     cause.ID,
			Target:     event.ID,
			Relation:   relation,
			Strength:   strength,
			Confidence: (cause.Confidence + event.Confidence) / 2,
			Delay:      event.Timestamp.Sub(cause.Timestamp),
		})
	}
}

// candidateCauses returns events within inferenceWindow before event
// that share its actor or location. Caller must hold g.mu.
func (g *Graph) candidateCauses(event *types.Event) []*types.Event {
	seen := make(map[string]bool)
	var out []*types.Event

	collect := func(ids []string) {
		for _, id := range ids {
			if id == event.ID || seen[id] {
				continue
			}
			cand := g.nodes[id]
			if cand == nil {
				continue
			}
			delta := event.Timestamp.Sub(cand.Timestamp)
			if delta < 0 || delta > inferenceWindow {
				continue
			}
			seen[id] = true
			out = append(out, cand)
		}
	}

	if event.Actor != "" {
		collect(g.byActor[event.Actor])
	}
	if event.Location != "" {
		collect(g.byLocation[event.Location])
	}
	return out
}

func inferenceStrength(cause, effect *types.Event) float64 {
	strength := 0.0
	if cause.Actor != "" && cause.Actor == effect.Actor {
		strength += 0.4
	}
	if cause.Location != "" && cause.Location == effect.Location {
		strength += 0.3
	}
	strength += 0.1 * float64(participantOverlap(cause, effect))
	if overlapsAny(cause.Provides(), effect.Requires()) {
		strength += 0.2
	}
	deltaSeconds := effect.Timestamp.Sub(cause.Timestamp).Seconds()
	if deltaSeconds >= 0 && deltaSeconds <= 3600 {
		strength += 0.1 * (1 - deltaSeconds/3600)
	}
	if strength > 1.0 {
		return 1.0
	}
	return strength
}

func participantOverlap(a, b *types.Event) int {
	set := make(map[string]bool, len(a.Participants))
	for _, p := range a.Participants {
		set[p] = true
	}
	count := 0
	for _, p := range b.Participants {
		if set[p] {
			count++
		}
	}
	return count
}

func overlapsAny(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func inferRelation(cause, effect *types.Event) types.CausalRelation {
	if want, ok := contradictoryKinds[cause.Kind]; ok && want == effect.Kind {
		return types.RelationContradiction
	}
	if cause.Actor != "" && cause.Actor == effect.Actor {
		return types.RelationDirectCause
	}
	if overlapsAny(cause.Provides(), effect.Requires()) {
		return types.RelationEnabler
	}
	return types.RelationIndirectCause
}

// AddEdge inserts edge, failing if either endpoint is missing.
func (g *Graph) AddEdge(edge *types.CausalEdge) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[edge.Source]; !ok {
		return false
	}
	if _, ok := g.nodes[edge.Target]; !ok {
		return false
	}

	key := edgeKey(edge.Source, edge.Target)
	if _, exists := g.edges[key]; !exists {
		g.outOf[edge.Source] = append(g.outOf[edge.Source], edge.Target)
		g.inTo[edge.Target] = append(g.inTo[edge.Target], edge.Source)
	}
	g.edges[key] = edge

	if g.metrics != nil {
		g.metrics.RecordCausalEdge(string(edge.Relation))
	}
	return true
}

// ChainFrom returns every path (as ordered event ID slices, including
// the start node) reachable from id by depth-first search, bounded to
// maxDepth hops.
func (g *Graph) ChainFrom(id string, maxDepth int) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var chains [][]string
	var dfs func(current string, path []string, depth int)
	dfs = func(current string, path []string, depth int) {
		if depth >= maxDepth {
			return
		}
		for _, next := range g.outOf[current] {
			newPath := append(append([]string{}, path...), next)
			chains = append(chains, newPath)
			dfs(next, newPath, depth+1)
		}
	}
	dfs(id, []string{id}, 0)
	return chains
}

// InfluentialEvents returns events within window sorted by
// out_degree*narrative_weight*confidence, filtered above
// influenceThreshold.
func (g *Graph) InfluentialEvents(now time.Time, window time.Duration) []*types.Event {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cutoff := now.Add(-window)
	type scored struct {
		event *types.Event
		score float64
	}
	var candidates []scored
	for id, event := range g.nodes {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		outDegree := float64(len(g.outOf[id]))
		score := outDegree * event.NarrativeWeight * event.Confidence
		if score > influenceThreshold {
			candidates = append(candidates, scored{event: event, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := make([]*types.Event, len(candidates))
	for i, c := range candidates {
		out[i] = c.event
	}
	return out
}

// Patterns is the result of a single Patterns() sweep.
type Patterns struct {
	ConflictNodes     []string
	CatalystEvents    []string
	ConvergencePoints []string
}

// Patterns detects conflict nodes (multiple incoming edges including
// a contradiction), catalyst events (an outgoing catalyst edge), and
// convergence points (three or more incoming edges from at least two
// distinct actors).
func (g *Graph) Patterns() Patterns {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var p Patterns

	for target, sources := range g.inTo {
		if len(sources) <= 1 {
			continue
		}
		hasContradiction := false
		agents := make(map[string]bool)
		for _, source := range sources {
			edge := g.edges[edgeKey(source, target)]
			if edge != nil && edge.Relation == types.RelationContradiction {
				hasContradiction = true
			}
			if cause := g.nodes[source]; cause != nil && cause.Actor != "" {
				agents[cause.Actor] = true
			}
		}
		if hasContradiction {
			p.ConflictNodes = append(p.ConflictNodes, target)
		}
		if len(sources) >= convergenceMinInDegree && len(agents) >= convergenceMinAgents {
			p.ConvergencePoints = append(p.ConvergencePoints, target)
		}
	}

	for _, edge := range g.edges {
		if edge.Relation == types.RelationCatalyst {
			p.CatalystEvents = append(p.CatalystEvents, edge.Source)
		}
	}

	return p
}

// Prediction is one predicted successor event with its estimated
// probability.
type Prediction struct {
	TriggerEventID string
	EventID        string
	EventKind      string
	Probability    float64
	Delay          time.Duration
}

// PredictNext estimates likely successor events from the top
// influential events, weighting each direct successor by
// edge.strength * edge.confidence * source.confidence.
func (g *Graph) PredictNext(now time.Time, window time.Duration) []Prediction {
	influential := g.InfluentialEvents(now, window)
	if len(influential) > predictTopN {
		influential = influential[:predictTopN]
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var predictions []Prediction
	for _, source := range influential {
		for _, targetID := range g.outOf[source.ID] {
			edge := g.edges[edgeKey(source.ID, targetID)]
			if edge == nil {
				continue
			}
			target := g.nodes[targetID]
			if target == nil {
				continue
			}
			predictions = append(predictions, Prediction{
				TriggerEventID: source.ID,
				EventID:        targetID,
				EventKind:      target.Kind,
				Probability:    edge.Strength * edge.Confidence * source.Confidence,
				Delay:          edge.Delay,
			})
		}
	}

	sort.Slice(predictions, func(i, j int) bool { return predictions[i].Probability > predictions[j].Probability })
	return predictions
}

// Event returns the event with the given id, if present.
func (g *Graph) Event(id string) (*types.Event, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.nodes[id]
	return e, ok
}

// Predecessors returns the ids of events with a direct causal edge
// into id.
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.inTo[id]))
	copy(out, g.inTo[id])
	return out
}

// Len returns the number of events currently held.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Events returns every event currently held, in no particular order.
// Used when snapshotting the runtime's state for persistence.
func (g *Graph) Events() []*types.Event {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.Event, 0, len(g.nodes))
	for _, e := range g.nodes {
		out = append(out, e)
	}
	return out
}

// ContextWindow returns every other event timestamped no earlier than
// window before event (events later than event included) plus its
// direct causal predecessors, deduplicated and sorted by
// timestamp. Used by the coherence checker to gather the context an
// incoming event is checked against.
func (g *Graph) ContextWindow(event *types.Event, window time.Duration) []*types.Event {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cutoff := event.Timestamp.Add(-window)
	seen := map[string]bool{event.ID: true}
	var out []*types.Event

	for id, node := range g.nodes {
		if id == event.ID || seen[id] {
			continue
		}
		if node.Timestamp.Before(cutoff) {
			continue
		}
		seen[id] = true
		out = append(out, node)
	}
	for _, id := range g.inTo[event.ID] {
		if seen[id] {
			continue
		}
		if node := g.nodes[id]; node != nil {
			seen[id] = true
			out = append(out, node)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
