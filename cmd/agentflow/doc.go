// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main provides the gateway's executable entry point.

# Overview

cmd/agentflow is the gateway's binary: an HTTP API front door that
dispatches chat completions across multiple LLM vendors, plus a
migrate subcommand for the relational schema, health/version
endpoints, and a Prometheus metrics port.

# Core types

  - Server        — owns the HTTP and metrics listeners and graceful shutdown
  - Middleware     — HTTP middleware signature func(http.Handler) http.Handler
  - responseWriter — wraps http.ResponseWriter to capture the status code

# Capabilities

  - Subcommands: serve (run the gateway), migrate (apply the schema), version
  - Middleware chain: Recovery, RequestID, SecurityHeaders, RequestLogger,
    CORS, RateLimiter (per client IP), APIKeyAuth (X-API-Key / bearer JWT)
  - Metrics server: a separate port exposing /metrics for Prometheus
  - Graceful shutdown: signal -> stop accepting -> drain in-flight -> close stores
  - Build injection: Version, BuildTime, GitCommit set via ldflags
*/
package main
