// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package budget tracks per-turn and cumulative LLM spend, token counts
and request rate, denying further charges once a configured ceiling is
crossed.

# Core types

  - Meter: holds turn_cost, total_cost, per-kind cost/token/count
    maps and a rolling window of request timestamps used for the
    hourly rate limit.

# Operations

  - StartTurn resets turn_cost to zero.
  - Charge records a cost/token spend against a request kind and
    reports whether the turn remains under budget.
  - Allows is a pure check of whether an estimated cost would still
    fit under the turn and total ceilings.
  - RateAllows reports whether fewer than max_requests_per_hour
    requests fall within the last sixty minutes.
  - Snapshot returns a read-only view of current counters for metrics
    export.
*/
package budget
