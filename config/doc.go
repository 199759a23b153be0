// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config manages the narrative runtime's configuration
lifecycle: multi-source loading, runtime hot reload, change auditing
and an HTTP management API. Configuration is merged in priority order:
defaults -> YAML file -> environment variables.

# Core types

  - Config: top-level aggregate covering Budget, Broker, Cache,
    Memory, Dialogue, Provider, Redis, Server and Log
  - Loader: builder-style loader for file path, env prefix and
    custom validators
  - HotReloadManager: file-watch driven reload with field-level
    updates, change callbacks and a ring-buffered change log
  - FileWatcher: polling file change detector with debounce
  - ConfigAPIHandler: HTTP handlers for inspecting and mutating
    configuration at runtime

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("runtime.yaml").
		WithEnvPrefix("NARRATIVE").
		Load()
*/
package config
