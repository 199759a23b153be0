// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package eventbus implements the in-process topic-keyed publish/
subscribe bus (C12) that decouples components publishing domain
events (new causal-graph events, dialogue and negotiation outcomes,
turn summaries) from whatever is watching for them.

Subscribe registers a handler under a topic. Publish delivers
synchronously, calling every subscriber inline, as long as the topic
has fewer subscribers than EventBusConfig.SyncThreshold. At or above
that threshold each subscriber gets its own bounded queue drained by
a background goroutine; a full queue drops its oldest pending message
rather than blocking the publisher. Subscribers are expected to be
idempotent and delivery carries no ordering guarantee across topics.
*/
package eventbus
