// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config provides configuration management for the gateway.

# Overview

config owns the gateway's complete runtime configuration: server
listener settings, routing/health/auth knobs, the relational store
connection, the Redis cache, logging, and OpenTelemetry export.
Configuration merges in priority order: defaults -> YAML file ->
environment variables.

# Core types

  - Config: the top-level aggregate, covering Server, Gateway, Redis,
    Database, Log, and Telemetry
  - Loader: builder-style config loader supporting a chained file path,
    env var prefix, and custom validators

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("GATEWAY").
		Load()
*/
package config
