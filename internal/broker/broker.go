package broker

import (
	"container/heap"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/config"
	"github.com/agentflow/narrative-runtime/internal/budget"
	"github.com/agentflow/narrative-runtime/internal/cache"
	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/internal/provider"
	"github.com/agentflow/narrative-runtime/types"
)

// lowQueueDepth is the queue length below which a high-priority
// request is served immediately rather than waiting for a batch.
const lowQueueDepth = 2

// item is one request waiting in the broker's priority queue.
type item struct {
	req    *types.LLMRequest
	ctx    context.Context
	respCh chan result
	seq    int64
}

type result struct {
	resp *types.LLMResponse
	err  error
}

// priorityQueue orders items by priority ascending, then insertion
// order, so Pop always yields the earliest-submitted highest-priority
// request.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority < pq[j].req.Priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(*item)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// Broker is the central batching scheduler for LLM requests (C4).
type Broker struct {
	cfg      config.BrokerConfig
	provider provider.Provider
	cache    *cache.ResponseCache
	budget   *budget.Meter
	metrics  *metrics.Collector
	logger   *zap.Logger
	clock    types.Clock

	mu    sync.Mutex
	queue priorityQueue
	seq   int64

	wake    chan struct{}
	closed  chan struct{}
	closeMu sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Broker and starts its background batching loop.
func New(cfg config.BrokerConfig, prov provider.Provider, respCache *cache.ResponseCache, meter *budget.Meter, collector *metrics.Collector, logger *zap.Logger, clock types.Clock) *Broker {
	if clock == nil {
		clock = types.SystemClock{}
	}
	b := &Broker{
		cfg:      cfg,
		provider: prov,
		cache:    respCache,
		budget:   meter,
		metrics:  collector,
		logger:   logger,
		clock:    clock,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Submit enqueues req and blocks until a result is delivered or
// QueueWaitTimeout expires. Critical-priority requests, and
// high-priority requests seen with a shallow queue, are served
// immediately without batching.
func (b *Broker) Submit(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = b.clock.Now()
	}

	if !b.budget.RateAllows() {
		return nil, types.NewError(types.ErrRateLimited, "broker rejected request: request rate exceeded")
	}
	if !b.budget.Allows(0) {
		return nil, types.NewError(types.ErrBudgetDenied, "broker rejected request: over budget")
	}

	if req.Priority == types.PriorityCritical || (req.Priority == types.PriorityHigh && b.queueDepth() < lowQueueDepth) {
		return b.callSingle(ctx, req)
	}

	it := &item{
		req:    req,
		ctx:    ctx,
		respCh: make(chan result, 1),
	}
	b.mu.Lock()
	b.seq++
	it.seq = b.seq
	heap.Push(&b.queue, it)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	timeout := b.cfg.QueueWaitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-it.respCh:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "broker request cancelled").WithCause(ctx.Err())
	case <-timer.C:
		return nil, types.NewError(types.ErrTimeout, "broker queue wait timed out").WithRetryable(true)
	}
}

func (b *Broker) queueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the batching loop and waits for it to drain.
func (b *Broker) Close() {
	b.closeMu.Lock()
	if b.stopped {
		b.closeMu.Unlock()
		return
	}
	b.stopped = true
	b.closeMu.Unlock()

	close(b.closed)
	b.wg.Wait()
}

func (b *Broker) run() {
	defer b.wg.Done()

	timeout := b.cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-b.closed:
			b.flush()
			return
		case <-b.wake:
		case <-timer.C:
		}
		b.flush()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)
	}
}

// flush drains up to MaxBatchSize requests, groups them by kind and
// dispatches each group.
func (b *Broker) flush() {
	maxBatch := b.cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 1
	}

	b.mu.Lock()
	drained := make([]*item, 0, maxBatch)
	for len(drained) < maxBatch && b.queue.Len() > 0 {
		drained = append(drained, heap.Pop(&b.queue).(*item))
	}
	b.mu.Unlock()

	if len(drained) == 0 {
		return
	}

	groups := make(map[string][]*item)
	order := make([]string, 0, 4)
	for _, it := range drained {
		if _, ok := groups[it.req.Kind]; !ok {
			order = append(order, it.req.Kind)
		}
		groups[it.req.Kind] = append(groups[it.req.Kind], it)
	}

	for _, kind := range order {
		b.processGroup(kind, groups[kind])
	}
}

// processGroup resolves cache hits directly and sends the remaining
// misses as a single batched provider call.
func (b *Broker) processGroup(kind string, items []*item) {
	var misses []*item

	for _, it := range items {
		if it.ctx.Err() != nil {
			b.deliver(it, nil, types.NewError(types.ErrCancelled, "broker request cancelled").WithCause(it.ctx.Err()))
			continue
		}
		key := cache.Key(it.req, b.provider.Name())
		if resp, ok := b.cache.Get(it.ctx, key); ok {
			resp.Cached = true
			b.deliver(it, resp, nil)
			continue
		}
		misses = append(misses, it)
	}

	if len(misses) == 0 {
		return
	}
	if len(misses) == 1 {
		b.dispatchSingle(kind, misses[0])
		return
	}
	b.dispatchBatch(kind, misses)
}

func (b *Broker) dispatchSingle(kind string, it *item) {
	resp, err := b.callProvider(it.ctx, it.req)
	b.deliver(it, resp, err)
}

// dispatchBatch synthesizes one numbered batch prompt for items,
// issues a single provider call, and splits the response back out.
func (b *Broker) dispatchBatch(kind string, items []*item) {
	prompt := buildBatchPrompt(items)
	ctx := items[0].ctx

	batchReq := &types.LLMRequest{
		ID:          uuid.NewString(),
		Kind:        kind,
		Prompt:      prompt,
		Temperature: items[0].req.Temperature,
		MaxTokens:   sumMaxTokens(items),
		Priority:    minPriority(items),
		SubmittedAt: b.clock.Now(),
	}

	start := b.clock.Now()
	resp, err := b.provider.Call(ctx, batchReq)
	elapsed := b.clock.Now().Sub(start)

	if err != nil {
		for _, it := range items {
			b.deliver(it, nil, err)
		}
		return
	}

	segments, splitErr := splitBatchResponse(resp.Content, len(items))

	n := len(items)
	perCost := resp.Cost / float64(n)
	perPromptTokens := resp.PromptTokens / n
	perOutputTokens := resp.OutputTokens / n

	b.budget.Charge(kind, resp.Cost, resp.PromptTokens+resp.OutputTokens)
	if b.metrics != nil {
		b.metrics.RecordBrokerBatch(kind, n)
		b.metrics.RecordLLMRequest(b.provider.Name(), "batched", elapsed, resp.PromptTokens, resp.OutputTokens, resp.Cost)
	}

	for i, it := range items {
		seg, ok := segments[i+1]
		if !ok {
			msg := fmt.Sprintf("batch response missing segment for request %d of %d", i+1, n)
			deliverErr := splitErr
			if deliverErr == nil {
				deliverErr = types.NewError(types.ErrMalformedResponse, msg)
			}
			b.deliver(it, nil, deliverErr)
			continue
		}
		itemResp := &types.LLMResponse{
			RequestID:    it.req.ID,
			Content:      seg,
			Provider:     resp.Provider,
			PromptTokens: perPromptTokens,
			OutputTokens: perOutputTokens,
			Cost:         perCost,
			Batched:      true,
			Latency:      elapsed,
		}
		key := cache.Key(it.req, b.provider.Name())
		b.cache.Set(it.ctx, key, itemResp)
		b.deliver(it, itemResp, nil)
	}
}

func (b *Broker) callSingle(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	return b.callProvider(ctx, req)
}

func (b *Broker) callProvider(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	key := cache.Key(req, b.provider.Name())
	if resp, ok := b.cache.Get(ctx, key); ok {
		resp.Cached = true
		return resp, nil
	}

	start := b.clock.Now()
	resp, err := b.provider.Call(ctx, req)
	elapsed := b.clock.Now().Sub(start)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordLLMRequest(b.provider.Name(), "error", elapsed, 0, 0, 0)
		}
		return nil, err
	}

	b.budget.Charge(req.Kind, resp.Cost, resp.PromptTokens+resp.OutputTokens)
	if b.metrics != nil {
		b.metrics.RecordLLMRequest(b.provider.Name(), "ok", elapsed, resp.PromptTokens, resp.OutputTokens, resp.Cost)
	}
	b.cache.Set(ctx, key, resp)
	return resp, nil
}

func (b *Broker) deliver(it *item, resp *types.LLMResponse, err error) {
	select {
	case it.respCh <- result{resp: resp, err: err}:
	default:
	}
}

func sumMaxTokens(items []*item) int {
	total := 0
	for _, it := range items {
		total += it.req.MaxTokens
	}
	return total
}

func minPriority(items []*item) types.Priority {
	min := items[0].req.Priority
	for _, it := range items[1:] {
		if it.req.Priority < min {
			min = it.req.Priority
		}
	}
	return min
}

// buildBatchPrompt concatenates each item's prompt behind a numbered
// delimiter, with an instruction block describing the expected
// per-request output marker.
func buildBatchPrompt(items []*item) string {
	var sb strings.Builder
	sb.WriteString("Respond to each numbered request below in order. For each, begin your answer on its own line with the exact marker \"**Response N:**\" where N is the request number.\n\n")
	for i, it := range items {
		fmt.Fprintf(&sb, "## Request %d (ID: %s)\n%s\n\n", i+1, it.req.ID, it.req.Prompt)
	}
	return sb.String()
}

var responseMarker = regexp.MustCompile(`(?m)^\*\*Response (\d+):\*\*\s*`)

// splitBatchResponse splits content back into its per-request
// segments by the numbered "**Response N:**" markers. If fewer
// segments are found than n, the returned map omits the unmatched
// trailing numbers and err describes the shortfall.
func splitBatchResponse(content string, n int) (map[int]string, error) {
	matches := responseMarker.FindAllStringSubmatchIndex(content, -1)
	segments := make(map[int]string, len(matches))

	for i, m := range matches {
		start := m[1]
		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		num, convErr := strconv.Atoi(content[m[2]:m[3]])
		if convErr != nil {
			continue
		}
		segments[num] = strings.TrimSpace(content[start:end])
	}

	if len(segments) < n {
		return segments, types.NewError(types.ErrMalformedResponse,
			fmt.Sprintf("batch response had %d segments, expected %d", len(segments), n))
	}
	return segments, nil
}
