package provider

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/types"
)

// RetryPolicy configures the exponential backoff applied around a
// Provider call.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	Timeout      time.Duration
}

// DefaultRetryPolicy matches the contract: 3 retries, 30s per-call
// timeout, exponential backoff with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		Timeout:      30 * time.Second,
	}
}

// RetryingProvider decorates a Provider with retry-on-retryable-error
// and a per-call timeout.
type RetryingProvider struct {
	inner  Provider
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryingProvider wraps inner with the given retry policy.
func NewRetryingProvider(inner Provider, policy RetryPolicy, logger *zap.Logger) *RetryingProvider {
	return &RetryingProvider{inner: inner, policy: policy, logger: logger}
}

func (r *RetryingProvider) Name() string { return r.inner.Name() }

// Call retries the wrapped provider on retryable *types.Error up to
// MaxRetries times, applying exponential backoff with jitter between
// attempts, and bounds each attempt by the configured timeout.
func (r *RetryingProvider) Call(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, types.NewError(types.ErrCancelled, "retry cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		resp, err := r.inner.Call(callCtx, req)
		cancel()

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
		if r.logger != nil {
			r.logger.Debug("llm call retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}

	return nil, lastErr
}

func (r *RetryingProvider) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

func isRetryable(err error) bool {
	if e, ok := err.(*types.Error); ok {
		return e.Retryable
	}
	return false
}
