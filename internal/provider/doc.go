// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package provider defines the runtime's single outbound LLM call
contract and a retrying decorator around it. Concrete adapters (see
the gemini subpackage) implement Provider; RetryingProvider wraps any
Provider with exponential backoff and per-call timeout enforcement.
*/
package provider
