// Package types holds the shared domain model for the narrative runtime:
// events, causal edges, agent state, memories, LLM requests/responses,
// negotiation sessions and dialogues. Every other package imports types
// instead of redefining these shapes.
package types
