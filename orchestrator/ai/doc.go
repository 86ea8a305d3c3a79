// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

/*
Package ai implements the provider orchestration core: discovering
configured AI backends, resolving which provider and model should serve
a task for a tenant organization, selecting among interchangeable
providers under a rotation policy, and executing the remote call with
retry, failover, and per-provider health tracking.

# Architecture

The package is built from small collaborating pieces:

  - Registry: the canonical set of configured providers, discovered
    from environment definitions at startup and reloadable on demand.
  - Resolver: maps (organization, task kind) to a primary and optional
    fallback provider+model, caching per-organization overrides loaded
    from storage.
  - Selector: the rotation strategies (round_robin, random, weighted,
    failover) over a pool of eligible providers, with a single atomic
    round-robin cursor.
  - Executor: the bounded retry/failover state machine that runs a
    caller-supplied operation against selected providers.
  - StatsStore: concurrent-safe per-provider counters and health flags.
  - HealthMonitor: periodic or on-demand probe calls flipping the
    health flag.
  - AdapterBuilder: constructs and caches the vendor adapters behind
    credential resolution and outbound URL validation.

Vendor adapters live in the subpackages openai, anthropic, compat, and
bedrock. Each registers its factory in init(), so importing a vendor
package (usually from the service entrypoint) is what enables it:

	import (
		_ "github.com/modelmux/modelmux/orchestrator/ai/anthropic"
		_ "github.com/modelmux/modelmux/orchestrator/ai/openai"
	)

# Usage

Wire the core once at startup:

	stats := ai.NewStatsStore(cfg.UnhealthyMinRequests, cfg.UnhealthyErrorRate)
	registry := ai.NewRegistry(stats)
	registry.Discover()

	resolver := ai.NewResolver(registry, ai.WithStorage(store))
	builder := ai.NewAdapterBuilder(ai.WithCredentialResolver(vaultChain))
	executor := ai.NewExecutor(registry, resolver, ai.NewSelector(stats),
		builder, stats, cfg)

Then run work through it:

	result, err := executor.GenerateText(ctx, orgID, ai.TextRequest{
		Prompt: "summarize this incident report",
	})

# Error handling

All failures surface as *OrchestrationError with a machine-readable
code. A caller sees either a successful result or one terminal error:
request_exhausted after the retry budget and fallback are spent,
configuration_missing when no provider can serve the task at all, or
cancelled when its own context fired.

# Concurrency

Every exported type is safe for concurrent use. Statistics updates for
a provider are serialized, the rotation cursor advances atomically, and
the assignment cache uses a read-write lock so resolution stays cheap
on the read-mostly path.
*/
package ai
