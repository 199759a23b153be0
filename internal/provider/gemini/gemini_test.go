package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/types"
)

func TestProvider_Call_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "hello there"}}}},
			},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := New(Config{APIKey: "test-key", BaseURL: server.URL}, zap.NewNop())
	resp, err := p.Call(context.Background(), &types.LLMRequest{ID: "req-1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, 10, resp.PromptTokens)
	assert.Equal(t, 5, resp.OutputTokens)
	assert.Greater(t, resp.Cost, 0.0)
}

func TestProvider_Call_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(geminiErrorResp{})
	}))
	defer server.Close()

	p := New(Config{APIKey: "bad-key", BaseURL: server.URL}, zap.NewNop())
	_, err := p.Call(context.Background(), &types.LLMRequest{ID: "req-1", Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuth))
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.False(t, typed.Retryable)
}

func TestProvider_Call_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(geminiErrorResp{})
	}))
	defer server.Close()

	p := New(Config{APIKey: "k", BaseURL: server.URL}, zap.NewNop())
	_, err := p.Call(context.Background(), &types.LLMRequest{ID: "req-1", Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRateLimit))
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.True(t, typed.Retryable)
}

func TestProvider_Call_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(geminiErrorResp{})
	}))
	defer server.Close()

	p := New(Config{APIKey: "k", BaseURL: server.URL}, zap.NewNop())
	_, err := p.Call(context.Background(), &types.LLMRequest{ID: "req-1", Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServerError))
}

func TestProvider_Call_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer server.Close()

	p := New(Config{APIKey: "k", BaseURL: server.URL}, zap.NewNop())
	_, err := p.Call(context.Background(), &types.LLMRequest{ID: "req-1", Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrMalformedResponse))
}
