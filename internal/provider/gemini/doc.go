// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package gemini adapts the narrative runtime's Provider contract to
Google's Generative Language API. It authenticates via the
x-goog-api-key header, issues a single generateContent call per
request, and maps HTTP status codes to the runtime's structured error
categories (auth, rate_limit, timeout, server, malformed_response).
*/
package gemini
