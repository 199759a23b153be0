package coherence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/broker"
	"github.com/agentflow/narrative-runtime/internal/causal"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// Rule is one pluggable consistency check run against an incoming
// event and its gathered context.
type Rule interface {
	Name() string
	Check(event *types.Event, context []*types.Event) []string
}

// ruleFunc adapts a plain function to the Rule interface.
type ruleFunc struct {
	name string
	fn   func(event *types.Event, context []*types.Event) []string
}

func (r ruleFunc) Name() string { return r.name }
func (r ruleFunc) Check(event *types.Event, context []*types.Event) []string {
	return r.fn(event, context)
}

// TemporalRule rejects an event that claims to precede the latest
// event in its own gathered context.
var TemporalRule Rule = ruleFunc{"temporal", func(event *types.Event, context []*types.Event) []string {
	if len(context) == 0 {
		return nil
	}
	latest := context[0]
	for _, e := range context[1:] {
		if e.Timestamp.After(latest.Timestamp) {
			latest = e
		}
	}
	if event.Timestamp.Before(latest.Timestamp) {
		return []string{"temporal inconsistency: event occurs before required context"}
	}
	return nil
}}

// CoLocationRule rejects a non-move event that places its actor
// somewhere other than their most recent known location.
var CoLocationRule Rule = ruleFunc{"co_location", func(event *types.Event, context []*types.Event) []string {
	if event.Location == "" || event.Actor == "" || event.Kind == "move" {
		return nil
	}
	var lastLocation string
	var lastSeen time.Time
	for _, e := range context {
		if e.Actor != event.Actor || e.Location == "" {
			continue
		}
		if lastLocation == "" || e.Timestamp.After(lastSeen) {
			lastLocation = e.Location
			lastSeen = e.Timestamp
		}
	}
	if lastLocation != "" && lastLocation != event.Location {
		return []string{fmt.Sprintf("location inconsistency: agent at %s but event at %s", lastLocation, event.Location)}
	}
	return nil
}}

// PreconditionRule rejects an event whose declared Requires() tags
// aren't satisfied by any context event's Provides(), kind, or
// payload.
var PreconditionRule Rule = ruleFunc{"precondition", func(event *types.Event, context []*types.Event) []string {
	var issues []string
	for _, condition := range event.Requires() {
		if !anyEventSatisfies(context, condition) {
			issues = append(issues, fmt.Sprintf("missing precondition: %s", condition))
		}
	}
	return issues
}}

func anyEventSatisfies(context []*types.Event, condition string) bool {
	needle := strings.ToLower(condition)
	for _, e := range context {
		if strings.Contains(strings.ToLower(e.Kind), needle) {
			return true
		}
		for _, provided := range e.Provides() {
			if provided == condition {
				return true
			}
		}
	}
	return false
}

// DefaultRules are the three built-in checks every Checker runs
// alongside whatever custom rules are registered.
func DefaultRules() []Rule {
	return []Rule{TemporalRule, CoLocationRule, PreconditionRule}
}

// CheckResult is the outcome of one Check call.
type CheckResult struct {
	Consistent bool
	Issues     []string
	Confidence float64
}

// ArcEvent is one entry in a character's arc.
type ArcEvent struct {
	EventID      string
	Timestamp    time.Time
	Kind         string
	Significance float64
}

// DevelopmentStage tags a run of five consecutive arc events with the
// kind of character development they represent.
type DevelopmentStage struct {
	StageType string
	StartTime time.Time
	EndTime   time.Time
	KeyEvents []string
}

// CharacterArc tracks one agent's narrative history.
type CharacterArc struct {
	AgentID           string
	Events            []ArcEvent
	DevelopmentStages []DevelopmentStage
}

// PlotThread groups events sharing a location, agent, or kind.
type PlotThread struct {
	ID              string
	PrimaryLocation string
	InvolvedAgents  []string
	RelatedKinds    []string
	EventIDs        []string
	LastUpdate      time.Time
}

// TimelineEntry is one integrated event's place in the story.
type TimelineEntry struct {
	EventID     string
	Timestamp   time.Time
	AgentID     string
	PlotThread  string
	CausalLinks []string
}

// IntegrationResult is the outcome of Integrate.
type IntegrationResult struct {
	Success       bool
	Event         *types.Event
	Issues        []string
	PlotThread    string
	Corrected     bool
	TimelineEntry TimelineEntry
}

// correction is the shape expected back from the broker's
// event-correction prompt.
type correction struct {
	Kind        string         `json:"event_type"`
	Payload     map[string]any `json:"action_data"`
	Location    string         `json:"location"`
	Explanation string         `json:"explanation"`
}

// Checker is the narrative coherence checker (C9).
type Checker struct {
	cfg     config.CoherenceConfig
	graph   *causal.Graph
	broker  *broker.Broker
	clock   types.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	rules    []Rule
	arcs     map[string]*CharacterArc
	threads  map[string]*PlotThread
	timeline []TimelineEntry
}

// New builds a Checker wired to graph for context retrieval and
// broker for the optional one-shot correction attempt. broker may be
// nil, in which case an inconsistent event is always rejected rather
// than corrected.
func New(cfg config.CoherenceConfig, graph *causal.Graph, brk *broker.Broker, clock types.Clock, logger *zap.Logger, collector *metrics.Collector) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Checker{
		cfg:     cfg,
		graph:   graph,
		broker:  brk,
		clock:   clock,
		logger:  logger,
		metrics: collector,
		rules:   DefaultRules(),
		arcs:    make(map[string]*CharacterArc),
		threads: make(map[string]*PlotThread),
	}
}

// RegisterRule adds a custom consistency rule run alongside the
// defaults.
func (c *Checker) RegisterRule(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// Check runs every registered rule against event and its context,
// returning the combined issues and a confidence score of
// max(0, 1 - len(issues)*IssuePenalty).
func (c *Checker) Check(event *types.Event, context []*types.Event) CheckResult {
	c.mu.Lock()
	rules := append([]Rule{}, c.rules...)
	c.mu.Unlock()

	var issues []string
	for _, rule := range rules {
		found := rule.Check(event, context)
		if len(found) > 0 {
			issues = append(issues, found...)
			if c.metrics != nil {
				c.metrics.RecordCoherenceRejection(rule.Name())
			}
		}
	}

	penalty := c.cfg.IssuePenalty
	if penalty <= 0 {
		penalty = 0.2
	}
	confidence := 1.0 - float64(len(issues))*penalty
	if confidence < 0 {
		confidence = 0
	}
	return CheckResult{Consistent: len(issues) == 0, Issues: issues, Confidence: confidence}
}

// Integrate checks event for consistency, attempts one LLM correction
// if it fails, and on success updates the acting agent's character
// arc, matches or seeds a plot thread, and appends a timeline entry.
func (c *Checker) Integrate(ctx context.Context, event *types.Event) IntegrationResult {
	window := c.cfg.ContextWindow
	if window <= 0 {
		window = 2 * time.Hour
	}

	var contextEvents []*types.Event
	if c.graph != nil {
		contextEvents = c.graph.ContextWindow(event, window)
	}

	check := c.Check(event, contextEvents)
	corrected := false
	if !check.Consistent {
		fixed, ok := c.attemptCorrection(ctx, event, check.Issues)
		if !ok {
			return IntegrationResult{Success: false, Issues: check.Issues}
		}
		event = fixed
		corrected = true
		check = c.Check(event, contextEvents)
		if !check.Consistent {
			return IntegrationResult{Success: false, Issues: check.Issues, Corrected: true}
		}
	}

	if event.Actor != "" {
		c.updateCharacterArc(event.Actor, event)
	}

	threadID := c.identifyPlotThread(event)
	if threadID != "" {
		c.updatePlotThread(threadID, event)
	}

	entry := TimelineEntry{
		EventID:     event.ID,
		Timestamp:   event.Timestamp,
		AgentID:     event.Actor,
		PlotThread:  threadID,
		CausalLinks: c.causalLinks(event),
	}
	c.appendTimeline(entry)

	return IntegrationResult{Success: true, Event: event, PlotThread: threadID, Corrected: corrected, TimelineEntry: entry}
}

func (c *Checker) causalLinks(event *types.Event) []string {
	if c.graph == nil {
		return nil
	}
	return c.graph.Predecessors(event.ID)
}

// attemptCorrection makes one LLM call asking for a corrected version
// of event, preserving its ID and timestamp.
func (c *Checker) attemptCorrection(ctx context.Context, event *types.Event, issues []string) (*types.Event, bool) {
	if c.broker == nil {
		return nil, false
	}

	prompt := fmt.Sprintf(
		"Correct the inconsistencies in this event.\nID: %s\nKind: %s\nActor: %s\nLocation: %s\nPayload: %v\nIssues: %s\n\nReturn JSON with event_type, action_data, location, and explanation.",
		event.ID, event.Kind, event.Actor, event.Location, event.Payload, strings.Join(issues, "; "),
	)
	resp, err := c.broker.Submit(ctx, &types.LLMRequest{
		Kind:           "coherence_correction",
		Prompt:         prompt,
		Temperature:    0.3,
		MaxTokens:      300,
		ResponseFormat: "json",
		Priority:       types.PriorityHigh,
	})
	if err != nil {
		c.logger.Debug("coherence correction call failed", zap.Error(err))
		return nil, false
	}

	var fix correction
	if err := json.Unmarshal([]byte(resp.Content), &fix); err != nil {
		c.logger.Debug("coherence correction response malformed", zap.Error(err))
		return nil, false
	}

	corrected := *event
	if fix.Kind != "" {
		corrected.Kind = fix.Kind
	}
	if fix.Location != "" {
		corrected.Location = fix.Location
	}
	if fix.Payload != nil {
		corrected.Payload = fix.Payload
	}
	if c.metrics != nil {
		c.metrics.RecordCoherenceCorrection(strings.Join(issues, ","))
	}
	return &corrected, true
}

func (c *Checker) updateCharacterArc(agentID string, event *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	arc, ok := c.arcs[agentID]
	if !ok {
		arc = &CharacterArc{AgentID: agentID}
		c.arcs[agentID] = arc
	}
	arc.Events = append(arc.Events, ArcEvent{
		EventID: event.ID, Timestamp: event.Timestamp, Kind: event.Kind, Significance: event.NarrativeWeight,
	})

	if n := len(arc.Events); n%5 == 0 {
		recent := arc.Events[n-5:]
		arc.DevelopmentStages = append(arc.DevelopmentStages, analyzeDevelopmentStage(recent))
	}
}

// analyzeDevelopmentStage classifies a run of five arc events into a
// development stage by keyword match over their event kinds, the
// first match winning in order: conflict, social development,
// learning, falling back to exploration.
func analyzeDevelopmentStage(recent []ArcEvent) DevelopmentStage {
	stageType := "exploration"
	for _, evt := range recent {
		kind := strings.ToLower(evt.Kind)
		if strings.Contains(kind, "combat") || strings.Contains(kind, "conflict") {
			stageType = "conflict"
			break
		}
	}
	if stageType == "exploration" {
		for _, evt := range recent {
			kind := strings.ToLower(evt.Kind)
			if strings.Contains(kind, "social") || strings.Contains(kind, "negotiate") {
				stageType = "social_development"
				break
			}
		}
	}
	if stageType == "exploration" {
		for _, evt := range recent {
			kind := strings.ToLower(evt.Kind)
			if strings.Contains(kind, "discover") || strings.Contains(kind, "learn") {
				stageType = "learning"
				break
			}
		}
	}

	keyEvents := make([]string, len(recent))
	for i, evt := range recent {
		keyEvents[i] = evt.EventID
	}

	return DevelopmentStage{
		StageType: stageType,
		StartTime: recent[0].Timestamp,
		EndTime:   recent[len(recent)-1].Timestamp,
		KeyEvents: keyEvents,
	}
}

// CharacterArc returns the agent's tracked arc, if any.
func (c *Checker) CharacterArc(agentID string) (*CharacterArc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	arc, ok := c.arcs[agentID]
	return arc, ok
}

// identifyPlotThread matches event against existing threads by shared
// location, agent, or kind; absent a match, a sufficiently weighty
// event seeds a new thread.
func (c *Checker) identifyPlotThread(event *types.Event) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.threads))
	for id := range c.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		thread := c.threads[id]
		if thread.PrimaryLocation != "" && thread.PrimaryLocation == event.Location {
			return id
		}
		if containsStr(thread.InvolvedAgents, event.Actor) {
			return id
		}
		if containsStr(thread.RelatedKinds, event.Kind) {
			return id
		}
	}

	threshold := c.cfg.NewThreadWeight
	if threshold <= 0 {
		threshold = 0.5
	}
	if event.NarrativeWeight <= threshold {
		return ""
	}

	id := fmt.Sprintf("thread_%d", len(c.threads)+1)
	c.threads[id] = &PlotThread{ID: id, PrimaryLocation: event.Location, LastUpdate: event.Timestamp}
	return id
}

func (c *Checker) updatePlotThread(id string, event *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	thread, ok := c.threads[id]
	if !ok {
		return
	}
	thread.EventIDs = append(thread.EventIDs, event.ID)
	if event.Actor != "" && !containsStr(thread.InvolvedAgents, event.Actor) {
		thread.InvolvedAgents = append(thread.InvolvedAgents, event.Actor)
	}
	if !containsStr(thread.RelatedKinds, event.Kind) {
		thread.RelatedKinds = append(thread.RelatedKinds, event.Kind)
	}
	thread.LastUpdate = event.Timestamp
}

// PlotThread returns a tracked plot thread by id.
func (c *Checker) PlotThread(id string) (*PlotThread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	thread, ok := c.threads[id]
	return thread, ok
}

func (c *Checker) appendTimeline(entry TimelineEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeline = append(c.timeline, entry)
	sort.Slice(c.timeline, func(i, j int) bool { return c.timeline[i].Timestamp.Before(c.timeline[j].Timestamp) })
}

// Timeline returns a copy of the integrated story timeline in
// chronological order.
func (c *Checker) Timeline() []TimelineEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TimelineEntry, len(c.timeline))
	copy(out, c.timeline)
	return out
}

func containsStr(haystack []string, needle string) bool {
	if needle == "" {
		return false
	}
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
