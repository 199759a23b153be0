// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package memory implements the per-agent memory store (C5): episodic,
semantic, procedural, emotional and working memory with decay,
relevance-scored retrieval, opportunistic consolidation and capacity
management.

# Overview

Store holds memories keyed by agent, never sharing them across agents.
Retrieve scores candidates by keyword/entity/location/context overlap
combined with types.Memory.CurrentStrength, returning only memories
above a minimum retrieval probability. Consolidate sweeps one agent's
memories and raises consolidation level, lowers decay rate and raises
strength for memories whose consolidation score crosses a threshold.
Store also drops the lowest-current-strength memories below the
forgetting threshold once an agent's memory count exceeds its
configured capacity; Forget removes one named memory. WorkingMemory
tracks a
small most-recently-used window, independent of the main store's
capacity accounting.
*/
package memory
