// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package coherence implements the narrative coherence checker (C9):
the gate every event passes through before it joins the causal graph
and the story timeline.

Check runs a pluggable set of Rules (temporal ordering, agent
co-location, and causal precondition satisfaction ship as defaults)
against an event and its recent context, returning the issues found
and a confidence score. Integrate runs Check, and on failure makes one
LLM correction attempt via the broker; a still-inconsistent or
uncorrectable event is rejected. A successfully integrated event
updates the acting agent's character arc, is matched against or seeds
a plot thread, and is appended to the story timeline.

Integrate expects the causal graph to already hold event (callers add
it there first) so its causal-link lookup in the timeline entry
reflects real predecessors rather than an empty set.
*/
package coherence
