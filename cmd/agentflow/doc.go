// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main provides the narrative runtime's standalone executable.

# Overview

cmd/agentflow loads a YAML config, builds an agentflow.Runtime, drives
its turn cycle on a timer, and exposes a Prometheus metrics/health
surface. Structured logging is zap-based, matching the root package.

# Core types

  - Server          — drives the Runtime's turn loop and the metrics
    HTTP server, with graceful shutdown of both.
  - Middleware       — HTTP middleware function signature
    func(http.Handler) http.Handler
  - responseWriter   — wraps http.ResponseWriter to capture status code

# Capabilities

  - Subcommands: serve, version, health
  - Middleware chain on the metrics server: Recovery, RequestID,
    SecurityHeaders, RequestLogger
  - RateLimiter (per IP): defined, not mounted on the metrics server
  - Metrics server: dedicated port serving /metrics (Prometheus) and
    /healthz
  - Graceful shutdown: signal → stop turn loop → stop metrics server →
    close Runtime
  - Build info: Version, BuildTime, GitCommit set via ldflags
*/
package main
