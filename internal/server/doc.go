// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package server manages the lifecycle of the runtime's own HTTP
surface: the Prometheus metrics endpoint exposed alongside a turn
cycle. Manager wraps net/http.Server with non-blocking start, graceful
shutdown, and SIGINT/SIGTERM handling for a standalone binary.

# Core types

  - Manager: holds the http.Server, its listener and an async error
    channel; Start/StartTLS/Shutdown/WaitForShutdown cover its
    lifecycle.
  - Config: listen address, read/write/idle timeouts, max header
    bytes, and graceful shutdown timeout.
*/
package server
