package agentflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/agentflow/narrative-runtime/internal/budget"
	"github.com/agentflow/narrative-runtime/types"
)

// Snapshot is the externally persisted state boundary: everything a
// host needs to resume a simulation in a fresh process, serialized as
// plain JSON (matching the teacher's types/ serialization choice
// throughout, rather than a binary or schema'd format).
type Snapshot struct {
	SavedAt time.Time          `json:"saved_at"`
	Agents  []*types.AgentState `json:"agents"`
	Events  []*types.Event     `json:"events"`
	Budget  budget.Snapshot    `json:"budget"`
}

// Snapshot captures every agent currently registered, every event the
// causal graph holds, and the budget meter's cumulative counters.
// Memories, character arcs, plot threads and the coherence timeline
// are not included, and LoadSnapshot does not rebuild them: restored
// events are added to the causal graph only, not passed through the
// coherence checker.
func (rt *Runtime) Snapshot() Snapshot {
	return Snapshot{
		SavedAt: rt.clock.Now(),
		Agents:  rt.orch.Agents(),
		Events:  rt.graph.Events(),
		Budget:  rt.meter.Snapshot(),
	}
}

// WriteSnapshot serializes Snapshot() as JSON to w.
func (rt *Runtime) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rt.Snapshot())
}

// LoadSnapshot restores agents and causal-graph events from a
// previously written Snapshot, registering each agent with the
// orchestrator and replaying each event into the causal graph in
// their original order. It does not restore budget counters, which
// are scoped to a single process's lifetime rather than persisted
// simulation state.
func (rt *Runtime) LoadSnapshot(r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for _, agent := range snap.Agents {
		rt.orch.RegisterAgent(agent)
	}
	for _, event := range snap.Events {
		rt.graph.AddEvent(event)
	}
	return nil
}

// SaveSnapshotToRedis persists Snapshot() under key in the runtime's
// optional Redis cache tier, if one was configured with
// CacheConfig.RedisEnabled. Returns an error if no Redis tier is
// configured.
func (rt *Runtime) SaveSnapshotToRedis(ctx context.Context, key string, ttl time.Duration) error {
	if rt.redis == nil {
		return fmt.Errorf("no redis cache tier configured")
	}
	return rt.redis.SetJSON(ctx, key, rt.Snapshot(), ttl)
}

// LoadSnapshotFromRedis is the inverse of SaveSnapshotToRedis.
func (rt *Runtime) LoadSnapshotFromRedis(ctx context.Context, key string) error {
	if rt.redis == nil {
		return fmt.Errorf("no redis cache tier configured")
	}
	var snap Snapshot
	if err := rt.redis.GetJSON(ctx, key, &snap); err != nil {
		return fmt.Errorf("load snapshot from redis: %w", err)
	}

	for _, agent := range snap.Agents {
		rt.orch.RegisterAgent(agent)
	}
	for _, event := range snap.Events {
		rt.graph.AddEvent(event)
	}
	return nil
}
