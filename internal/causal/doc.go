// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package causal implements the causal graph (C6): a directed graph of
immutable events connected by typed causal edges, with timestamp,
actor and location indices for fast lookups, chain traversal, pattern
detection and naive next-event prediction.

# Overview

Graph.AddEvent appends an event and indexes it by time bucket, actor
and location; AddEvent also runs causal inference against every recent
candidate cause sharing an actor or location, adding an edge where the
computed strength crosses a threshold. AddEdge fails if either
endpoint is missing. ChainFrom walks successors by depth-first search.
InfluentialEvents ranks events within a window by
out_degree*narrative_weight*confidence. Patterns detects conflict,
catalyst and convergence points. PredictNext estimates successor
probabilities from edge strength, confidence and source confidence.
*/
package causal
