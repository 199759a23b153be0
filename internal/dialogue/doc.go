// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package dialogue implements the dialogue manager (C10): initiating and
running agent-to-agent exchanges, either through the broker for a full
LLM-generated conversation or through a canned fast-mode template when
turn time or cost budget is running low.

Initiate opens a pending Dialogue between participants. Execute runs
it: LLM mode submits a contextual prompt to the broker and parses the
reply into dialogue content, an outcome, and a relationship-impact
delta per participant; fast mode looks up a canned outcome for the
communication type and applies that type's base delta unchanged,
where LLM mode flips the base delta's sign when the reply's impact
line reads negative. Either
path appends the finished dialogue to a capped history and updates
running quality and outcome statistics.
*/
package dialogue
