// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package orchestrator implements the turn orchestrator (C11): the
component that drives one full turn of the simulation by composing
every other component in a fixed sequence.

RunTurn: starts the budget meter and records a start time; runs a
pre-turn analysis (active agent count, budget/perf snapshot); builds a
world-state snapshot; identifies up to DialogueConfig.MaxDialoguesPerTurn
dialogue opportunities and opens them through the dialogue manager
(and, for opportunities flagged as negotiations, the negotiation
engine too), forcing fast mode once the turn's remaining time or cost
budget runs low; runs every registered agent's decision pipeline
concurrently, isolating any single agent's failure so the turn still
completes; integrates each resulting action as an event through the
causal graph and coherence checker and publishes it on the event bus;
runs a post-turn analysis (dialogue success rate, coordination
effectiveness, average quality); and returns a TurnResult carrying a
textual summary alongside the structured performance record.
*/
package orchestrator
