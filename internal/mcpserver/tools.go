package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the enrichd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEnrichEntity = mcp.NewTool("enrich_entity",
	mcp.WithDescription(
		"Run threat intelligence enrichment for an entity and get a weighted risk assessment. "+
			"Queries IP reputation, anonymizer detection, geo risk, ASN trust, disposable email "+
			"and credential breach sources, then aggregates them into a 0-100 risk score. "+
			"Results are cached; set refresh to force fresh provider lookups."),
	mcp.WithString("entity_type",
		mcp.Required(),
		mcp.Description("Type of entity to enrich: 'ip', 'email', 'domain', 'asn', or 'user_agent'"),
		mcp.Enum("ip", "email", "domain", "asn", "user_agent")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("The entity value (e.g. '203.0.113.5' for an IP, 'user@example.com' for an email)")),
	mcp.WithBoolean("refresh",
		mcp.Description("Bypass the cache and re-query all providers (default false)")),
)

var ToolGetEntityHistory = mcp.NewTool("get_entity_history",
	mcp.WithDescription(
		"Get prior enrichment records for an entity, newest first. "+
			"Shows how an entity's risk assessment has changed over time."),
	mcp.WithString("entity_type",
		mcp.Required(),
		mcp.Description("Type of entity: 'ip', 'email', 'domain', 'asn', or 'user_agent'"),
		mcp.Enum("ip", "email", "domain", "asn", "user_agent")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("The entity value")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
)

var ToolGetBreakers = mcp.NewTool("get_breakers",
	mcp.WithDescription(
		"Get the circuit breaker state for every intelligence provider. "+
			"An open breaker means the provider is failing and calls are being short-circuited; "+
			"enrichment still works with the remaining providers."),
)

var ToolGetCacheStats = mcp.NewTool("get_cache_stats",
	mcp.WithDescription(
		"Get enrichment cache statistics: total records, stale records, hits and fetches."),
)
