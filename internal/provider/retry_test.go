package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/types"
)

type fakeProvider struct {
	calls   int
	fail    int
	err     error
	succeed *types.LLMResponse
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Call(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, f.err
	}
	return f.succeed, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
		Timeout:      time.Second,
	}
}

func TestRetryingProvider_SucceedsAfterRetryableErrors(t *testing.T) {
	fp := &fakeProvider{
		fail:    2,
		err:     types.NewError(types.ErrRateLimit, "rate limited").WithRetryable(true),
		succeed: &types.LLMResponse{Content: "ok"},
	}
	rp := NewRetryingProvider(fp, fastPolicy(), zap.NewNop())

	resp, err := rp.Call(context.Background(), &types.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, fp.calls)
}

func TestRetryingProvider_NonRetryableFailsImmediately(t *testing.T) {
	fp := &fakeProvider{
		fail: 5,
		err:  types.NewError(types.ErrAuth, "bad key").WithRetryable(false),
	}
	rp := NewRetryingProvider(fp, fastPolicy(), zap.NewNop())

	_, err := rp.Call(context.Background(), &types.LLMRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, fp.calls)
}

func TestRetryingProvider_ExhaustsRetries(t *testing.T) {
	fp := &fakeProvider{
		fail: 100,
		err:  types.NewError(types.ErrServerError, "down").WithRetryable(true),
	}
	policy := fastPolicy()
	rp := NewRetryingProvider(fp, policy, zap.NewNop())

	_, err := rp.Call(context.Background(), &types.LLMRequest{})
	require.Error(t, err)
	assert.Equal(t, policy.MaxRetries+1, fp.calls)
}

func TestRetryingProvider_Name(t *testing.T) {
	fp := &fakeProvider{}
	rp := NewRetryingProvider(fp, fastPolicy(), zap.NewNop())
	assert.Equal(t, "fake", rp.Name())
}
