// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package metrics provides Prometheus-based instrumentation for the
narrative runtime, covering turn orchestration, LLM provider calls,
broker batching, budget spend, response cache hit ratio, memory store
operations, the causal graph, the decision pipeline, negotiation
outcomes, narrative coherence corrections, dialogue quality and the
event bus.

# Overview

Collector registers and records every metric through promauto, so
instruments never need a manually managed Registry. Every metric is
namespaced and label-dimensioned for downstream aggregation and
alerting.

# Core types

  - Collector: holds the Counter/Histogram/Gauge vectors for each
    runtime concern, grouped by component.

# Recorded concerns

  - Turns: count and duration by outcome, agents processed per turn.
  - LLM: request count/duration/status by provider, token usage by
    kind, cumulative cost.
  - Broker: batch size and queue wait by priority/kind.
  - Budget: denial count by reason, cumulative spend by scope.
  - Cache: hit/miss count and entry count by tier.
  - Memory: operation count by kind, entry count per agent.
  - Causal graph: event and edge counts by type/relation.
  - Pipeline: stage duration, action counts by type.
  - Negotiation: outcome counts, rounds per session.
  - Coherence: correction and rejection counts by rule.
  - Dialogue: quality score distribution, dialogue counts by mode.
  - Event bus: published and dropped message counts by topic.
*/
package metrics
