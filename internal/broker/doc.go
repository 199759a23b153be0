// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package broker implements the LLM broker (C4), the hot path between
every other component and the LLM provider.

# Overview

Broker owns a priority queue of pending requests and a background
batching loop. Submit enqueues a request and blocks until a result
arrives or QueueWaitTimeout expires; critical-priority requests, and
high-priority ones seen when the queue is shallow, bypass the queue
and are served immediately. The batching loop wakes on a timer or a
non-empty queue, drains up to MaxBatchSize requests, groups the drain
by request kind, and for each group either serves cache hits directly
or assembles one delimited batch prompt and issues a single provider
call for the remaining misses.

# Ordering

Within one kind group in a single batch, responses are delivered in
the order requests were drained from the priority queue (priority
ascending, then insertion order). No ordering is guaranteed across
kinds or across batches.
*/
package broker
