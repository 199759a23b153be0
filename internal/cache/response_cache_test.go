package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/narrative-runtime/types"
)

func TestKey_DeterministicAndSensitiveToFields(t *testing.T) {
	req := &types.LLMRequest{Prompt: "tell me a story", Temperature: 0.7, ResponseFormat: "text"}

	k1 := Key(req, "gemini")
	k2 := Key(req, "gemini")
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, Key(req, "openai"))

	req2 := &types.LLMRequest{Prompt: "tell me a story", Temperature: 0.9, ResponseFormat: "text"}
	assert.NotEqual(t, k1, Key(req2, "gemini"))

	req3 := &types.LLMRequest{Prompt: "tell me a story", Temperature: 0.7, ResponseFormat: "json"}
	assert.NotEqual(t, k1, Key(req3, "gemini"))
}

func TestLocalCache_MissOnEmpty(t *testing.T) {
	c := NewLocalCache(10, time.Minute, nil, nil)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestLocalCache_HitAfterSet(t *testing.T) {
	c := NewLocalCache(10, time.Minute, nil, nil)
	resp := &types.LLMResponse{Content: "hello"}
	c.Set("k1", resp)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
}

func TestLocalCache_TTLExpiry(t *testing.T) {
	clock := types.NewFixedClock(time.Now())
	c := NewLocalCache(10, time.Minute, clock, nil)
	c.Set("k1", &types.LLMResponse{Content: "hello"})

	clock.Advance(2 * time.Minute)

	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLocalCache_EvictsOldest20PercentOverCapacity(t *testing.T) {
	clock := types.NewFixedClock(time.Now())
	c := NewLocalCache(10, time.Hour, clock, nil)

	for i := 0; i < 10; i++ {
		c.Set(keyFor(i), &types.LLMResponse{Content: keyFor(i)})
		clock.Advance(time.Second)
	}
	require.Equal(t, 10, c.Len())

	// One more insert over capacity should evict the oldest ~20% (2 entries).
	c.Set("new-entry", &types.LLMResponse{Content: "new"})

	assert.LessOrEqual(t, c.Len(), 9)
	_, ok := c.Get(keyFor(0))
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get(keyFor(1))
	assert.False(t, ok, "second oldest entry should have been evicted")
	_, ok = c.Get("new-entry")
	assert.True(t, ok)
}

func keyFor(i int) string {
	return "key-" + string(rune('a'+i))
}

func TestResponseCache_LocalHitShortCircuitsRedis(t *testing.T) {
	local := NewLocalCache(10, time.Minute, nil, nil)
	local.Set("k1", &types.LLMResponse{Content: "cached"})

	rc := NewResponseCache(local, nil, time.Minute, nil, nil)
	resp, ok := rc.Get(context.Background(), "k1")
	require.True(t, ok)
	assert.Equal(t, "cached", resp.Content)
}

func TestResponseCache_MissWithNoRedisConfigured(t *testing.T) {
	local := NewLocalCache(10, time.Minute, nil, nil)
	rc := NewResponseCache(local, nil, time.Minute, nil, nil)

	_, ok := rc.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestResponseCache_SetWithNoRedisConfiguredOnlyWritesLocal(t *testing.T) {
	local := NewLocalCache(10, time.Minute, nil, nil)
	rc := NewResponseCache(local, nil, time.Minute, nil, nil)

	rc.Set(context.Background(), "k1", &types.LLMResponse{Content: "v"})

	got, ok := local.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v", got.Content)
}
