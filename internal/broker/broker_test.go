package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/budget"
	"github.com/agentflow/narrative-runtime/internal/cache"
	"github.com/agentflow/narrative-runtime/types"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []*types.LLMRequest
	reply func(req *types.LLMRequest) (*types.LLMResponse, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Call(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testBroker(t *testing.T, cfg config.BrokerConfig, budgetCfg config.BudgetConfig, prov *fakeProvider) *Broker {
	t.Helper()
	logger := zap.NewNop()
	local := cache.NewLocalCache(100, time.Minute, nil, nil)
	rc := cache.NewResponseCache(local, nil, time.Minute, logger, nil)
	meter := budget.NewMeter(budgetCfg, nil, logger, nil)
	b := New(cfg, prov, rc, meter, nil, logger, nil)
	t.Cleanup(b.Close)
	return b
}

func generousBudget() config.BudgetConfig {
	return config.BudgetConfig{
		MaxCostPerTurn:     1000,
		MaxTotalCost:       1000,
		MaxRequestsPerHour: 1000,
	}
}

func TestBroker_CriticalBypassesQueue(t *testing.T) {
	prov := &fakeProvider{
		reply: func(req *types.LLMRequest) (*types.LLMResponse, error) {
			return &types.LLMResponse{RequestID: req.ID, Content: "critical reply", Provider: "fake"}, nil
		},
	}
	b := testBroker(t, config.BrokerConfig{MaxBatchSize: 5, BatchTimeout: time.Hour, QueueWaitTimeout: time.Second}, generousBudget(), prov)

	req := &types.LLMRequest{Kind: "decision", Prompt: "what now", Priority: types.PriorityCritical}
	resp, err := b.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "critical reply", resp.Content)
	assert.Equal(t, 1, prov.callCount())
}

func TestBroker_BatchesNormalPriorityRequestsByKind(t *testing.T) {
	prov := &fakeProvider{
		reply: func(req *types.LLMRequest) (*types.LLMResponse, error) {
			return &types.LLMResponse{
				Content:      "**Response 1:** first answer\n\n**Response 2:** second answer\n",
				Provider:     "fake",
				PromptTokens: 10,
				OutputTokens: 20,
				Cost:         0.02,
			}, nil
		},
	}
	b := testBroker(t, config.BrokerConfig{MaxBatchSize: 10, BatchTimeout: 10 * time.Millisecond, QueueWaitTimeout: time.Second}, generousBudget(), prov)

	var wg sync.WaitGroup
	results := make([]*types.LLMResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &types.LLMRequest{Kind: "dialogue", Prompt: fmt.Sprintf("prompt %d", i), Priority: types.PriorityNormal}
			results[i], errs[i] = b.Submit(context.Background(), req)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "first answer", results[0].Content)
	assert.Equal(t, "second answer", results[1].Content)
	assert.True(t, results[0].Batched)
	assert.Equal(t, 1, prov.callCount(), "both requests should have been served by one batched call")
}

func TestBroker_MalformedResponseForMissingSegment(t *testing.T) {
	prov := &fakeProvider{
		reply: func(req *types.LLMRequest) (*types.LLMResponse, error) {
			return &types.LLMResponse{
				Content:  "**Response 1:** only one answer\n",
				Provider: "fake",
			}, nil
		},
	}
	b := testBroker(t, config.BrokerConfig{MaxBatchSize: 10, BatchTimeout: 10 * time.Millisecond, QueueWaitTimeout: time.Second}, generousBudget(), prov)

	var wg sync.WaitGroup
	results := make([]*types.LLMResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &types.LLMRequest{Kind: "dialogue", Prompt: fmt.Sprintf("prompt %d", i), Priority: types.PriorityNormal}
			results[i], errs[i] = b.Submit(context.Background(), req)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	assert.Equal(t, "only one answer", results[0].Content)

	require.Error(t, errs[1])
	assert.True(t, types.IsCode(errs[1], types.ErrMalformedResponse))
}

func TestBroker_QueueWaitTimeout(t *testing.T) {
	prov := &fakeProvider{
		reply: func(req *types.LLMRequest) (*types.LLMResponse, error) {
			return &types.LLMResponse{Content: "**Response 1:** late", Provider: "fake"}, nil
		},
	}
	b := testBroker(t, config.BrokerConfig{MaxBatchSize: 10, BatchTimeout: time.Hour, QueueWaitTimeout: 10 * time.Millisecond}, generousBudget(), prov)

	req := &types.LLMRequest{Kind: "dialogue", Prompt: "slow", Priority: types.PriorityLow}
	_, err := b.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
}

func TestBroker_RateLimitDenied(t *testing.T) {
	prov := &fakeProvider{reply: func(req *types.LLMRequest) (*types.LLMResponse, error) {
		return &types.LLMResponse{Content: "x"}, nil
	}}
	cfg := generousBudget()
	cfg.MaxRequestsPerHour = 0
	b := testBroker(t, config.BrokerConfig{MaxBatchSize: 5, BatchTimeout: time.Hour, QueueWaitTimeout: time.Second}, cfg, prov)

	req := &types.LLMRequest{Kind: "decision", Prompt: "x", Priority: types.PriorityCritical}
	_, err := b.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRateLimited))
}

func TestBroker_BudgetDenied(t *testing.T) {
	prov := &fakeProvider{reply: func(req *types.LLMRequest) (*types.LLMResponse, error) {
		return &types.LLMResponse{Content: "x"}, nil
	}}
	cfg := generousBudget()
	cfg.MaxCostPerTurn = -1
	b := testBroker(t, config.BrokerConfig{MaxBatchSize: 5, BatchTimeout: time.Hour, QueueWaitTimeout: time.Second}, cfg, prov)

	req := &types.LLMRequest{Kind: "decision", Prompt: "x", Priority: types.PriorityCritical}
	_, err := b.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBudgetDenied))
}
