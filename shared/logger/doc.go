// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with per-organization
context for ModelMux components.

# Overview

The logger outputs one JSON object per line to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, adapter, etc.)
  - Instance ID and container name (for distributed tracing)
  - Org ID (for tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with org and request context:

	log.Info(orgID, requestID, "provider selected", map[string]interface{}{
		"provider": "ANTHROPIC",
		"strategy": "failover",
	})

Pass an empty org ID for entries that are not tied to a tenant, such as
startup discovery and background health checks.
*/
package logger
