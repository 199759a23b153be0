package provider

import (
	"context"

	"github.com/agentflow/narrative-runtime/types"
)

// Provider is the single outbound call contract every LLM backend
// implements: one request in, one response or a structured error out.
type Provider interface {
	Name() string
	Call(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error)
}
