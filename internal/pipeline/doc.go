// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package pipeline implements the agent decision pipeline (C7): the
per-agent cycle that turns incoming events into a single validated
action.

# Stages

Interpret assigns each event a PersonalityBias derived from the
agent's dominant trait and current morale. AssessThreat combines
direct threats, location proximity, faction hostility and
vulnerability into a types.ThreatLevel, then lets a paranoid or naive
bias escalate or de-escalate it by one step. PrioritizeGoals sorts the
agent's goals by types.Goal.Priority. EvaluateActions scores every
candidate action against eight decision criteria, takes the dot
product with the character's decision weights, and multiplies by the
threat modifier and a time-pressure modifier. Select picks the
top-scoring action, breaking near-ties (within the configured
selection margin of the best score) by uniform random choice among
at most the top three qualifying candidates. Validate runs the chosen
action through a Validator; a critical issue falls back to a wait
action.

Decide runs all six stages in order and calls the LLM broker for a
natural-language justification when a broker and
PipelineConfig.ReasoningKind are configured and the chosen action
passed validation.
*/
package pipeline
