// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package cache implements the response cache (C3): a deterministic-key,
capacity-bounded, TTL-expiring local store for validated LLM
responses, with an optional Redis-backed second tier for hosts that
want a cache shared across restarts.

# Overview

Key computes a digest of (prompt, provider, temperature,
response_format) as the cache key. LocalCache holds entries in a
single process, expiring them on TTL and evicting the oldest 20% once
over capacity. Manager wraps a go-redis client for the optional,
disabled-by-default second tier; ResponseCache composes the two behind
a single Get/Set contract, consulting Redis only on a local miss.

# Core types

  - Key: cache key derivation for an LLM request.
  - LocalCache: single-process tier with TTL and capacity eviction.
  - Manager: Redis connection lifecycle (pooling, health check,
    graceful close) backing the optional second tier.
  - ResponseCache: composes LocalCache and an optional Manager.

# Error semantics

Manager.Get returns ErrCacheMiss on a miss; IsCacheMiss reports
whether an error is that sentinel. LocalCache.Get and ResponseCache.Get
report a miss as a false second return value instead of an error.
*/
package cache
